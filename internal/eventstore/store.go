package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-voiceclone/internal/config"
	_ "modernc.org/sqlite"
)

// Synthesis is one recorded request outcome.
type Synthesis struct {
	ID          string
	Source      string
	Text        string
	PromptAudio string
	Streaming   bool
	Status      string
	ErrorKind   string
	Error       string
	OutputPath  string
	SampleRate  int
	Samples     int
	CreatedAt   time.Time
}

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Store wraps a SQLite-backed synthesis history.
type Store struct {
	db    *sql.DB
	cfg   config.HistoryConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the history according to config. Ephemeral mode keeps nothing.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
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
	if err := s.Prune(ctx); err != nil {
		log.Warn("history prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS syntheses (
    id TEXT PRIMARY KEY,
    source TEXT,
    text TEXT,
    prompt_audio TEXT,
    streaming INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    error_kind TEXT,
    error TEXT,
    output_path TEXT,
    sample_rate INTEGER,
    samples INTEGER,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_syntheses_created ON syntheses(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enabled reports whether records are persisted.
func (s *Store) Enabled() bool { return s.db != nil }

// Record writes one synthesis outcome.
func (s *Store) Record(ctx context.Context, rec Synthesis) error {
	if s.db == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO syntheses(id, source, text, prompt_audio, streaming, status, error_kind, error, output_path, sample_rate, samples, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Source, rec.Text, rec.PromptAudio, rec.Streaming, rec.Status, rec.ErrorKind, rec.Error,
		rec.OutputPath, rec.SampleRate, rec.Samples, rec.CreatedAt)
	return err
}

// Recent returns up to limit records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Synthesis, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, text, prompt_audio, streaming, status, error_kind, error, output_path, sample_rate, samples, created_at
		 FROM syntheses ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Synthesis
	for rows.Next() {
		var rec Synthesis
		var created string
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.Text, &rec.PromptAudio, &rec.Streaming, &rec.Status,
			&rec.ErrorKind, &rec.Error, &rec.OutputPath, &rec.SampleRate, &rec.Samples, &created); err != nil {
			return nil, err
		}
		rec.CreatedAt = parseTimestamp(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune applies the configured retention. Output files are not touched.
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
		if _, err = tx.ExecContext(ctx, `DELETE FROM syntheses WHERE created_at < ?`, cutoff.UTC()); err != nil {
			return err
		}
	}
	if s.cfg.MaxRecords > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM syntheses WHERE id IN (
			SELECT id FROM syntheses ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxRecords)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
}

func parseTimestamp(value string) time.Time {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Time{}
}
