package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voiceclone/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	es, err := Open(ctx, config.HistoryConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Enabled() {
		t.Fatal("ephemeral store should not persist")
	}
	if err := es.Record(ctx, Synthesis{ID: "a", Status: StatusSucceeded}); err != nil {
		t.Fatalf("record: %v", err)
	}
	recs, err := es.Recent(ctx, 10)
	if err != nil || len(recs) != 0 {
		t.Fatalf("expected no records, got %v (%v)", recs, err)
	}
}

func TestRecordAndRecent(t *testing.T) {
	cfg := config.HistoryConfig{Path: filepath.Join(t.TempDir(), "history.db"), RetentionMode: "persistent"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.Record(context.Background(), Synthesis{ID: "first", Source: "http", Text: "こんにちは。", Status: StatusSucceeded, Samples: 4800, SampleRate: 16000}); err != nil {
		t.Fatalf("record: %v", err)
	}
	es.clock = func() time.Time { return time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC) }
	if err := es.Record(context.Background(), Synthesis{ID: "second", Source: "bus", Streaming: true, Status: StatusFailed, ErrorKind: "empty_result"}); err != nil {
		t.Fatalf("record: %v", err)
	}

	recs, err := es.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].ID != "second" || !recs[0].Streaming || recs[0].ErrorKind != "empty_result" {
		t.Fatalf("unexpected newest record %+v", recs[0])
	}
	if recs[1].Text != "こんにちは。" || recs[1].Samples != 4800 {
		t.Fatalf("unexpected oldest record %+v", recs[1])
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	cfg := config.HistoryConfig{Path: filepath.Join(t.TempDir(), "history.db"), RetentionMode: "persistent", RetentionDays: 1, MaxRecords: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.Record(context.Background(), Synthesis{ID: "old", Status: StatusSucceeded}); err != nil {
		t.Fatalf("record: %v", err)
	}
	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, id := range []string{"newer", "newest"} {
		if err := es.Record(context.Background(), Synthesis{ID: id, Status: StatusSucceeded, CreatedAt: es.clock().Add(time.Duration(len(id)) * time.Minute)}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	recs, err := es.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "newest" {
		t.Fatalf("expected only newest record, got %+v", recs)
	}
}
