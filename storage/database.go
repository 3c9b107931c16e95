package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under the data dir.
	DefaultDBFileName = "convsync.db"
	// DefaultWALCheckpointInterval controls periodic WAL truncation.
	DefaultWALCheckpointInterval = 24 * time.Hour
	// DefaultAuditEventRetention controls automatic audit event pruning.
	DefaultAuditEventRetention = 90 * 24 * time.Hour
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS users (
  id           INTEGER PRIMARY KEY,
  display_name TEXT NOT NULL,
  email        TEXT NOT NULL DEFAULT '',
  avatar_url   TEXT NOT NULL DEFAULT '',
  created_at   INTEGER NOT NULL,
  last_seen_at INTEGER
);
`,
	`
CREATE TABLE IF NOT EXISTS conversations (
  id                       INTEGER PRIMARY KEY AUTOINCREMENT,
  is_group                 INTEGER NOT NULL DEFAULT 0,
  title                    TEXT,
  direct_key               TEXT UNIQUE,
  created_by               INTEGER NOT NULL,
  last_message_id          INTEGER NOT NULL DEFAULT 0,
  last_message_sender_id   INTEGER,
  last_message_sender_name TEXT,
  last_message_preview     TEXT,
  last_message_created_at  INTEGER,
  last_message_deleted     INTEGER NOT NULL DEFAULT 0,
  created_at               INTEGER NOT NULL,
  updated_at               INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS participants (
  conversation_id      INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
  user_id              INTEGER NOT NULL,
  joined_at            INTEGER NOT NULL,
  unread_count         INTEGER NOT NULL DEFAULT 0 CHECK(unread_count >= 0),
  last_read_message_id INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (conversation_id, user_id)
);
`,
	`
CREATE TABLE IF NOT EXISTS messages (
  conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
  id              INTEGER NOT NULL,
  sender_id       INTEGER NOT NULL,
  content         TEXT NOT NULL,
  content_format  TEXT NOT NULL CHECK(content_format IN ('plain','html')) DEFAULT 'plain',
  created_at      INTEGER NOT NULL,
  edited_at       INTEGER,
  is_deleted      INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (conversation_id, id)
);
`,
	`
CREATE TABLE IF NOT EXISTS message_keys (
  conversation_id INTEGER NOT NULL,
  sender_id       INTEGER NOT NULL,
  client_key      TEXT NOT NULL,
  message_id      INTEGER NOT NULL,
  created_at      INTEGER NOT NULL,
  PRIMARY KEY (conversation_id, sender_id, client_key)
);
`,
	`
CREATE TABLE IF NOT EXISTS audit_events (
  id              INTEGER PRIMARY KEY AUTOINCREMENT,
  event_type      TEXT NOT NULL,
  user_id         INTEGER,
  conversation_id INTEGER,
  details         TEXT NOT NULL,
  severity        TEXT NOT NULL CHECK(severity IN ('info','warning','critical')),
  timestamp       INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_participants_user
ON participants (user_id, conversation_id);
`,
	`
CREATE INDEX IF NOT EXISTS idx_conversations_updated
ON conversations (updated_at DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_message_keys_created_at
ON message_keys (created_at);
`,
	`
CREATE INDEX IF NOT EXISTS idx_audit_events_time
ON audit_events (timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_audit_events_user
ON audit_events (user_id, timestamp DESC, id DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_users_display_name
ON users (display_name COLLATE NOCASE);
`,
}

// Store is a thin wrapper around a SQLite connection.
//
// Every transaction is opened with BEGIN IMMEDIATE so writers take the
// database lock before reading counters; message id allocation and read
// cursors therefore never interleave.
type Store struct {
	db *sql.DB

	walCheckpointInterval time.Duration
	walCheckpointStop     chan struct{}
	walCheckpointWG       sync.WaitGroup
	auditEventRetention   time.Duration
	now                   func() time.Time
	closeOnce             sync.Once
}

// Open opens (or creates) the database under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}

	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate",
		filepath.ToSlash(dbPath),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{
		db:                    db,
		walCheckpointInterval: DefaultWALCheckpointInterval,
		walCheckpointStop:     make(chan struct{}),
		auditEventRetention:   DefaultAuditEventRetention,
		now:                   time.Now,
	}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.checkpointWAL(); err != nil {
		_ = db.Close()
		return nil, err
	}
	store.startWALCheckpointLoop()

	return store, nil
}

// SetClock overrides the time source used for row timestamps.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite database: %w", err)
	}
	return nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		if s.walCheckpointStop != nil {
			close(s.walCheckpointStop)
			s.walCheckpointWG.Wait()
		}
		closeErr = s.db.Close()
		s.db = nil
	})
	return closeErr
}

func (s *Store) nowMilli() int64 {
	return s.now().UnixMilli()
}

// withTx runs fn inside one immediate transaction and commits when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}

	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

func (s *Store) checkpointWAL() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return fmt.Errorf("wal checkpoint truncate: %w", err)
	}
	return nil
}

func (s *Store) startWALCheckpointLoop() {
	interval := s.walCheckpointInterval
	if interval <= 0 || s.walCheckpointStop == nil {
		return
	}

	s.walCheckpointWG.Add(1)
	go func() {
		defer s.walCheckpointWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.checkpointWAL()
			case <-s.walCheckpointStop:
				return
			}
		}
	}()
}
