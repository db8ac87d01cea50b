// Package progress persists reading positions and playback session
// history in SQLite. Saves are best-effort: the playback path logs and
// swallows store failures rather than surfacing them.
package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/voxread-labs/voxread-core/internal/config"
	_ "modernc.org/sqlite"
)

// Record is the persisted resume point for a document. It is stored
// JSON-encoded, keyed by document id; at most one record per document.
type Record struct {
	DocumentID string    `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// SessionEvent is one entry in the playback session timeline.
type SessionEvent struct {
	ID         int64
	SessionID  string
	DocumentID string
	Type       string
	Payload    []byte
	CreatedAt  time.Time
}

// Store wraps the SQLite-backed progress and session timeline store.
type Store struct {
	db    *sql.DB
	cfg   config.ProgressConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. In ephemeral retention
// mode no database is opened and every operation is a no-op.
func Open(ctx context.Context, cfg config.ProgressConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("progress store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("progress store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS reading_progress (
    document_id TEXT PRIMARY KEY,
    record TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    document_id TEXT,
    created_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT,
    payload BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save overwrites the resume point for a document. Last writer wins.
func (s *Store) Save(ctx context.Context, documentID string, chunkIndex int) error {
	if s.db == nil {
		return nil
	}
	now := s.clock().UTC()
	rec := Record{DocumentID: documentID, ChunkIndex: chunkIndex, UpdatedAt: now}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reading_progress(document_id, record, updated_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(document_id) DO UPDATE SET record=excluded.record, updated_at=excluded.updated_at`,
		documentID, string(payload), now)
	return err
}

// Load retrieves the resume point for a document. The second return is
// false when no record exists.
func (s *Store) Load(ctx context.Context, documentID string) (Record, bool, error) {
	if s.db == nil {
		return Record{}, false, nil
	}
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM reading_progress WHERE document_id = ?`, documentID).Scan(&payload)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode progress record: %w", err)
	}
	return rec, true, nil
}

// Clear removes the resume point for a document. Clearing an absent
// record is not an error.
func (s *Store) Clear(ctx context.Context, documentID string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM reading_progress WHERE document_id = ?`, documentID)
	return err
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sessionID, documentID string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, document_id, created_at)
		 VALUES(?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET document_id=excluded.document_id`,
		sessionID, documentID, s.clock().UTC())
	return err
}

// AppendEvent writes a playback event into the session timeline.
func (s *Store) AppendEvent(ctx context.Context, evt SessionEvent) error {
	if s.db == nil {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Payload, evt.CreatedAt)
	return err
}

// ListSessionEvents retrieves up to limit events for a session ordered
// ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.session_id, s.document_id, e.event_type, e.payload, e.created_at
		 FROM events e JOIN sessions s ON s.session_id = e.session_id
		 WHERE e.session_id = ? ORDER BY e.created_at ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var created string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.DocumentID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		} else {
			s.log.Warn("failed to parse event timestamp",
				slog.String("session_id", e.SessionID),
				slog.String("error", err.Error()))
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention to the session timeline. Resume
// points are never pruned; they are cleared explicitly on stop.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}
