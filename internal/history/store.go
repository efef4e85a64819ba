// Package history keeps the station's program log in SQLite: what was
// produced, what went to air, and which news topics have been read.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Production outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
)

// Programs a production can belong to.
const (
	ProgramNews    = "news"
	ProgramWeather = "weather"
)

// Production is one scheduled cycle of a program.
type Production struct {
	ID         string        `json:"id"`
	Program    string        `json:"program"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Outcome    string        `json:"outcome"`
	Phase      string        `json:"phase,omitempty"` // phase reached when it failed
	Error      string        `json:"error,omitempty"`
	Topics     []string      `json:"topics"`
	Script     string        `json:"script,omitempty"`
	Duration   time.Duration `json:"duration"` // rendered audio length
}

// Play is one segment going to air.
type Play struct {
	SegmentID string        `json:"segment_id"`
	Kind      string        `json:"kind"`
	Title     string        `json:"title"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Store wraps the SQLite database.
type Store struct {
	db        *sql.DB
	retention time.Duration
	logger    zerolog.Logger
	clock     func() time.Time
}

// Open creates or opens the database at path and prunes entries older than
// retentionDays (0 keeps everything).
func Open(ctx context.Context, path string, retentionDays int, logger zerolog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db:        db,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger.With().Str("component", "history").Logger(),
		clock:     time.Now,
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("prune on open failed")
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS productions (
    id TEXT PRIMARY KEY,
    started_at INTEGER NOT NULL,
    finished_at INTEGER NOT NULL,
    outcome TEXT NOT NULL,
    phase TEXT,
    error TEXT,
    topics TEXT,
    script TEXT,
    duration_ms INTEGER,
    program TEXT
);
CREATE INDEX IF NOT EXISTS idx_productions_started ON productions(started_at);
CREATE TABLE IF NOT EXISTS plays (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    segment_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    title TEXT,
    started_at INTEGER NOT NULL,
    duration_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_plays_started ON plays(started_at);
CREATE TABLE IF NOT EXISTS used_topics (
    topic_key TEXT PRIMARY KEY,
    used_at INTEGER NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	// logs created before programs existed lack the column
	if _, err := s.db.ExecContext(ctx, `ALTER TABLE productions ADD COLUMN program TEXT`); err != nil &&
		!strings.Contains(err.Error(), "duplicate column") {
		return fmt.Errorf("migrate productions: %w", err)
	}
	return nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordProduction inserts or replaces a production row.
// An unnamed program is recorded as news.
func (s *Store) RecordProduction(ctx context.Context, p Production) error {
	if p.Program == "" {
		p.Program = ProgramNews
	}
	topics, err := json.Marshal(p.Topics)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO productions(id, program, started_at, finished_at, outcome, phase, error, topics, script, duration_ms)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Program, p.StartedAt.UnixMilli(), p.FinishedAt.UnixMilli(), p.Outcome, p.Phase, p.Error,
		string(topics), p.Script, p.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record production: %w", err)
	}
	return nil
}

// MarkDropped flags a produced segment that the queue evicted before air.
func (s *Store) MarkDropped(ctx context.Context, id, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE productions SET outcome = ?, error = ? WHERE id = ?`, OutcomeDropped, reason, id)
	return err
}

// RecordPlay logs a segment starting on air.
func (s *Store) RecordPlay(ctx context.Context, p Play) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO plays(segment_id, kind, title, started_at, duration_ms) VALUES(?, ?, ?, ?, ?)`,
		p.SegmentID, p.Kind, p.Title, p.StartedAt.UnixMilli(), p.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record play: %w", err)
	}
	return nil
}

// MarkTopicsUsed remembers topic keys so they are not read again.
func (s *Store) MarkTopicsUsed(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := s.clock().UnixMilli()
	for _, k := range keys {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO used_topics(topic_key, used_at) VALUES(?, ?)
			 ON CONFLICT(topic_key) DO UPDATE SET used_at = excluded.used_at`, k, now); err != nil {
			tx.Rollback()
			return fmt.Errorf("mark topic used: %w", err)
		}
	}
	return tx.Commit()
}

// TopicUsed reports whether key was read within the retention window.
func (s *Store) TopicUsed(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM used_topics WHERE topic_key = ?`, key).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecentProductions returns up to limit productions, newest first.
func (s *Store) RecentProductions(ctx context.Context, limit int) ([]Production, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, COALESCE(program, 'news'), started_at, finished_at, outcome, COALESCE(phase, ''), COALESCE(error, ''),
		        COALESCE(topics, '[]'), COALESCE(script, ''), COALESCE(duration_ms, 0)
		 FROM productions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Production
	for rows.Next() {
		var p Production
		var started, finished, durMs int64
		var topics string
		if err := rows.Scan(&p.ID, &p.Program, &started, &finished, &p.Outcome, &p.Phase, &p.Error, &topics, &p.Script, &durMs); err != nil {
			return nil, err
		}
		p.StartedAt = time.UnixMilli(started)
		p.FinishedAt = time.UnixMilli(finished)
		p.Duration = time.Duration(durMs) * time.Millisecond
		if err := json.Unmarshal([]byte(topics), &p.Topics); err != nil {
			s.logger.Warn().Err(err).Str("id", p.ID).Msg("bad topics column")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecentPlays returns up to limit plays, newest first.
func (s *Store) RecentPlays(ctx context.Context, limit int) ([]Play, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT segment_id, kind, COALESCE(title, ''), started_at, COALESCE(duration_ms, 0)
		 FROM plays ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Play
	for rows.Next() {
		var p Play
		var started, durMs int64
		if err := rows.Scan(&p.SegmentID, &p.Kind, &p.Title, &started, &durMs); err != nil {
			return nil, err
		}
		p.StartedAt = time.UnixMilli(started)
		p.Duration = time.Duration(durMs) * time.Millisecond
		out = append(out, p)
	}
	return out, rows.Err()
}

// Prune deletes rows older than the retention window.
func (s *Store) Prune(ctx context.Context) error {
	if s.retention <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-s.retention).UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM productions WHERE started_at < ?`,
		`DELETE FROM plays WHERE started_at < ?`,
		`DELETE FROM used_topics WHERE used_at < ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, cutoff); err != nil {
			tx.Rollback()
			return fmt.Errorf("prune: %w", err)
		}
	}
	return tx.Commit()
}

// Run prunes once a day until ctx is cancelled.
func (s *Store) Run(ctx context.Context) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("prune failed")
			}
		}
	}
}
