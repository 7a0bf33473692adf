package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/config"
	_ "modernc.org/sqlite"
)

// Timeline entry kinds.
const (
	KindParticipantJoined = "participant.joined"
	KindTTSGenerated      = "tts.generated"
	KindTTSFailed         = "tts.failed"
	KindPlaybackStarted   = "playback.started"
	KindPlaybackFinished  = "playback.finished"
	KindPlaybackSkipped   = "playback.skipped"
	KindPlaybackStopped   = "playback.stopped"
	KindQueueCleared      = "queue.cleared"
)

// Entry is one line of a broadcast timeline.
type Entry struct {
	ID          int64
	BroadcastID string
	Kind        string
	Label       string
	Ref         string
	TaskID      string
	Detail      []byte
	CreatedAt   time.Time
}

// Store wraps a SQLite-backed broadcast timeline.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
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
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS broadcasts (
    broadcast_id TEXT PRIMARY KEY,
    room TEXT,
    created_at TIMESTAMP NOT NULL,
    last_seen TIMESTAMP
);
CREATE TABLE IF NOT EXISTS timeline (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    broadcast_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    label TEXT,
    ref TEXT,
    task_id TEXT,
    detail BLOB,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(broadcast_id) REFERENCES broadcasts(broadcast_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_timeline_broadcast_created ON timeline(broadcast_id, created_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return err
	}
	// Databases created before last_seen existed.
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info('broadcasts') WHERE name = 'last_seen'`).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE broadcasts ADD COLUMN last_seen TIMESTAMP`); err != nil {
			return fmt.Errorf("add last_seen column: %w", err)
		}
	}
	return nil
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// BeginBroadcast ensures a broadcast row exists for id and marks it as
// seen now. A long-lived broadcast id is reopened on every start, so
// retention keys off last_seen rather than created_at.
func (s *Store) BeginBroadcast(ctx context.Context, broadcastID, room string) error {
	if s.disabled() {
		return nil
	}
	now := s.clock().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcasts(broadcast_id, room, created_at, last_seen)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(broadcast_id) DO UPDATE SET room=excluded.room, last_seen=excluded.last_seen`,
		broadcastID, room, now, now)
	return err
}

// Append writes one timeline entry.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if s.disabled() {
		return nil
	}
	if e.BroadcastID == "" || e.Kind == "" {
		return errors.New("timeline entry needs a broadcast id and a kind")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timeline(broadcast_id, kind, label, ref, task_id, detail, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		e.BroadcastID, e.Kind, e.Label, e.Ref, e.TaskID, e.Detail, e.CreatedAt.UTC())
	return err
}

// List returns the newest limit entries of a broadcast, oldest first.
func (s *Store) List(ctx context.Context, broadcastID string, limit int) ([]Entry, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, broadcast_id, kind, label, ref, task_id, detail, created_at FROM (
			SELECT id, broadcast_id, kind, label, ref, task_id, detail, created_at
			FROM timeline WHERE broadcast_id = ? ORDER BY created_at DESC, id DESC LIMIT ?
		 ) ORDER BY created_at ASC, id ASC`, broadcastID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var label, ref, taskID sql.NullString
		var created string
		if err := rows.Scan(&e.ID, &e.BroadcastID, &e.Kind, &label, &ref, &taskID, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.Label, e.Ref, e.TaskID = label.String, ref.String, taskID.String
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Summary counts a broadcast's entries by kind.
func (s *Store) Summary(ctx context.Context, broadcastID string) (map[string]int, error) {
	out := map[string]int{}
	if s.disabled() {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, COUNT(*) FROM timeline WHERE broadcast_id = ? GROUP BY kind`, broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		out[kind] = n
	}
	return out, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
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
		if _, err = tx.ExecContext(ctx, `DELETE FROM timeline WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM broadcasts
			WHERE COALESCE(last_seen, created_at) < ?
			AND NOT EXISTS (SELECT 1 FROM timeline WHERE timeline.broadcast_id = broadcasts.broadcast_id)`, cutoff.UTC())
		if err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM broadcasts WHERE broadcast_id IN (
			SELECT broadcast_id FROM broadcasts ORDER BY COALESCE(last_seen, created_at) DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Ensure reports a misconfigured store: ephemeral mode must not hold a
// database connection.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
