package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"convsync/logging"
)

// Task types.
const (
	TypeReconcileUnread  = "conversation:reconcile_unread"
	TypePruneMessageKeys = "message_keys:prune"
)

// ReconcileUnreadPayload selects the conversation to reconcile. Zero means all.
type ReconcileUnreadPayload struct {
	ConversationID int64 `json:"conversation_id"`
}

// PruneMessageKeysPayload overrides the client key retention for one run.
type PruneMessageKeysPayload struct {
	RetentionHours int `json:"retention_hours,omitempty"`
}

// NewReconcileUnreadTask builds a reconcile task.
func NewReconcileUnreadTask(conversationID int64) (Task, error) {
	if conversationID < 0 {
		return Task{}, errors.New("conversation id must not be negative")
	}
	b, err := json.Marshal(ReconcileUnreadPayload{ConversationID: conversationID})
	if err != nil {
		return Task{}, err
	}
	return Task{Type: TypeReconcileUnread, Payload: b}, nil
}

// NewPruneMessageKeysTask builds a prune task. retention <= 0 keeps the
// worker's default.
func NewPruneMessageKeysTask(retention time.Duration) (Task, error) {
	b, err := json.Marshal(PruneMessageKeysPayload{RetentionHours: int(retention / time.Hour)})
	if err != nil {
		return Task{}, err
	}
	return Task{Type: TypePruneMessageKeys, Payload: b}, nil
}

// Maintenance is the work the maintenance tasks drive.
type Maintenance interface {
	ReconcileUnread(ctx context.Context, conversationID int64) (int64, error)
	PruneMessageKeys(ctx context.Context, retention time.Duration) (int64, error)
}

// Workers registers the maintenance handlers on a Server.
type Workers struct {
	maintenance Maintenance
	retention   time.Duration
	log         zerolog.Logger
}

// NewWorkers creates maintenance workers. retention is the default client key
// retention used when a prune task does not carry one.
func NewWorkers(m Maintenance, retention time.Duration, logger zerolog.Logger) *Workers {
	return &Workers{
		maintenance: m,
		retention:   retention,
		log:         logging.Component(logger, "workers"),
	}
}

// Register binds every maintenance handler to srv.
func (w *Workers) Register(srv Server) {
	srv.Register(TypeReconcileUnread, w.handleReconcileUnread)
	srv.Register(TypePruneMessageKeys, w.handlePruneMessageKeys)
}

func (w *Workers) handleReconcileUnread(ctx context.Context, t Task) error {
	var p ReconcileUnreadPayload
	if err := decodePayload(t, &p); err != nil {
		return err
	}
	if p.ConversationID < 0 {
		return fmt.Errorf("%s: negative conversation id: %w", t.Type, ErrSkipRetry)
	}

	corrected, err := w.maintenance.ReconcileUnread(ctx, p.ConversationID)
	if err != nil {
		return fmt.Errorf("reconcile unread: %w", err)
	}
	w.log.Debug().
		Int64("conversation_id", p.ConversationID).
		Int64("corrected", corrected).
		Msg("unread counters reconciled")
	return nil
}

func (w *Workers) handlePruneMessageKeys(ctx context.Context, t Task) error {
	var p PruneMessageKeysPayload
	if err := decodePayload(t, &p); err != nil {
		return err
	}

	retention := w.retention
	if p.RetentionHours > 0 {
		retention = time.Duration(p.RetentionHours) * time.Hour
	}
	pruned, err := w.maintenance.PruneMessageKeys(ctx, retention)
	if err != nil {
		return fmt.Errorf("prune message keys: %w", err)
	}
	w.log.Debug().Int64("pruned", pruned).Dur("retention", retention).Msg("message keys pruned")
	return nil
}

// decodePayload treats an empty payload as the zero value. Malformed payloads
// are never retried.
func decodePayload(t Task, v any) error {
	if len(t.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("%s: malformed payload: %v: %w", t.Type, err, ErrSkipRetry)
	}
	return nil
}

// Schedule registers the periodic maintenance tasks on s.
func Schedule(s *Scheduler, reconcileEvery, pruneEvery time.Duration) error {
	reconcile, err := NewReconcileUnreadTask(0)
	if err != nil {
		return err
	}
	if _, err := s.Every(reconcileEvery, reconcile, EnqueueOption{UniqueTTL: reconcileEvery}); err != nil {
		return fmt.Errorf("schedule %s: %w", TypeReconcileUnread, err)
	}

	prune, err := NewPruneMessageKeysTask(0)
	if err != nil {
		return err
	}
	if _, err := s.Every(pruneEvery, prune, EnqueueOption{UniqueTTL: pruneEvery}); err != nil {
		return fmt.Errorf("schedule %s: %w", TypePruneMessageKeys, err)
	}
	return nil
}
