package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AuditEventAccessDenied is logged when a user acts on a conversation they are not part of.
const AuditEventAccessDenied = "access_denied"

// SetAuditEventRetention configures the automatic audit-event pruning horizon.
func (s *Store) SetAuditEventRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultAuditEventRetention
	}
	s.auditEventRetention = retention
}

// LogAuditEvent inserts a structured audit event and applies retention pruning.
func (s *Store) LogAuditEvent(ctx context.Context, event AuditEvent) error {
	if strings.TrimSpace(event.EventType) == "" {
		return errors.New("event_type is required")
	}
	if event.Severity == "" {
		event.Severity = AuditSeverityInfo
	}
	if err := validateAuditSeverity(event.Severity); err != nil {
		return err
	}
	if event.Details == "" {
		event.Details = "{}"
	}
	if !json.Valid([]byte(event.Details)) {
		return errors.New("details must be valid JSON text")
	}
	if event.Timestamp == 0 {
		event.Timestamp = s.nowMilli()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO audit_events (
			event_type,
			user_id,
			conversation_id,
			details,
			severity,
			timestamp
		) VALUES (?, ?, ?, ?, ?, ?)`,
		event.EventType,
		nullInt64(event.UserID),
		nullInt64(event.ConversationID),
		event.Details,
		event.Severity,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit event %q: %w", event.EventType, err)
	}

	if s.auditEventRetention > 0 {
		cutoff := s.now().Add(-s.auditEventRetention).UnixMilli()
		if _, err := s.PruneAuditEvents(ctx, cutoff); err != nil {
			return fmt.Errorf("prune audit events: %w", err)
		}
	}

	return nil
}

// GetAuditEvents returns recent audit events with optional filtering.
func (s *Store) GetAuditEvents(ctx context.Context, filter AuditEventFilter) ([]AuditEvent, error) {
	if filter.Severity != "" {
		if err := validateAuditSeverity(filter.Severity); err != nil {
			return nil, err
		}
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		event_type,
		user_id,
		conversation_id,
		details,
		severity,
		timestamp
	FROM audit_events`)

	where := make([]string, 0, 5)
	args := make([]any, 0, 7)

	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.UserID > 0 {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, filter.Severity)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get audit events: %w", err)
	}
	defer rows.Close()

	events := make([]AuditEvent, 0)
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit event row: %w", err)
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit event rows: %w", err)
	}

	return events, nil
}

// PruneAuditEvents removes audit events older than cutoffTimestamp.
func (s *Store) PruneAuditEvents(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE timestamp < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for audit event prune: %w", err)
	}

	return rowsAffected, nil
}

func scanAuditEvent(row scanner) (*AuditEvent, error) {
	var (
		event          AuditEvent
		userID         sql.NullInt64
		conversationID sql.NullInt64
	)
	if err := row.Scan(
		&event.ID,
		&event.EventType,
		&userID,
		&conversationID,
		&event.Details,
		&event.Severity,
		&event.Timestamp,
	); err != nil {
		return nil, err
	}

	event.UserID = int64Ptr(userID)
	event.ConversationID = int64Ptr(conversationID)
	return &event, nil
}
