package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const userColumns = `id, display_name, email, avatar_url, created_at, last_seen_at`

// UpsertUser inserts or refreshes a directory entry. last_seen_at is left untouched.
func (s *Store) UpsertUser(ctx context.Context, user User) error {
	if user.ID <= 0 {
		return errors.New("user id must be > 0")
	}
	user.DisplayName = strings.TrimSpace(user.DisplayName)
	if user.DisplayName == "" {
		return errors.New("display_name is required")
	}
	if user.CreatedAt == 0 {
		user.CreatedAt = s.nowMilli()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO users (id, display_name, email, avatar_url, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			email = excluded.email,
			avatar_url = excluded.avatar_url`,
		user.ID,
		user.DisplayName,
		strings.TrimSpace(user.Email),
		strings.TrimSpace(user.AvatarURL),
		user.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", user.ID, err)
	}

	return nil
}

// GetUser fetches one directory entry.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}

	return user, nil
}

// GetUsers returns the known users among ids keyed by id. Unknown ids are absent.
func (s *Store) GetUsers(ctx context.Context, ids []int64) (map[int64]User, error) {
	users := make(map[int64]User, len(ids))
	if len(ids) == 0 {
		return users, nil
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+userColumns+` FROM users WHERE id IN (`+inPlaceholders(len(ids))+`)`,
		int64Args(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users[user.ID] = *user
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}

	return users, nil
}

// SearchUsers matches display name or email prefix, case-insensitively.
func (s *Store) SearchUsers(ctx context.Context, query string, limit int) ([]User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []User{}, nil
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	pattern := escapeLike(strings.ToLower(query)) + "%"
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+userColumns+`
		FROM users
		WHERE lower(display_name) LIKE ? ESCAPE '\'
		   OR lower(display_name) LIKE ? ESCAPE '\'
		   OR lower(email) LIKE ? ESCAPE '\'
		ORDER BY display_name COLLATE NOCASE, id
		LIMIT ?`,
		pattern,
		"% "+pattern,
		pattern,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("search users %q: %w", query, err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		users = append(users, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user rows: %w", err)
	}

	return users, nil
}

// TouchUserLastSeen records activity for a user. Unknown users get a placeholder row.
func (s *Store) TouchUserLastSeen(ctx context.Context, id int64, lastSeen int64) error {
	if id <= 0 {
		return errors.New("user id must be > 0")
	}
	if lastSeen <= 0 {
		lastSeen = s.nowMilli()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO users (id, display_name, created_at, last_seen_at)
		VALUES (?, '', ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_seen_at = CASE
				WHEN users.last_seen_at IS NULL OR excluded.last_seen_at > users.last_seen_at
				THEN excluded.last_seen_at
				ELSE users.last_seen_at
			END`,
		id,
		lastSeen,
		lastSeen,
	)
	if err != nil {
		return fmt.Errorf("touch user %d: %w", id, err)
	}

	return nil
}

// GetUsersLastSeen returns last activity timestamps for the ids that have one.
func (s *Store) GetUsersLastSeen(ctx context.Context, ids []int64) (map[int64]int64, error) {
	seen := make(map[int64]int64, len(ids))
	if len(ids) == 0 {
		return seen, nil
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, last_seen_at
		FROM users
		WHERE last_seen_at IS NOT NULL AND id IN (`+inPlaceholders(len(ids))+`)`,
		int64Args(ids)...,
	)
	if err != nil {
		return nil, fmt.Errorf("get users last seen: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, lastSeen int64
		if err := rows.Scan(&id, &lastSeen); err != nil {
			return nil, fmt.Errorf("scan last seen row: %w", err)
		}
		seen[id] = lastSeen
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate last seen rows: %w", err)
	}

	return seen, nil
}

func scanUser(row scanner) (*User, error) {
	var (
		user     User
		lastSeen sql.NullInt64
	)
	if err := row.Scan(
		&user.ID,
		&user.DisplayName,
		&user.Email,
		&user.AvatarURL,
		&user.CreatedAt,
		&lastSeen,
	); err != nil {
		return nil, err
	}

	user.LastSeenAt = int64Ptr(lastSeen)
	return &user, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}
