package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/openstt/openstt/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	// Writes are silently dropped.
	if err := es.RecordTranscript(ctx, "s", "whisper-base", "never stored"); err != nil {
		t.Fatalf("ephemeral record: %v", err)
	}
	got, err := es.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("ephemeral store kept transcripts: %v", got)
	}
}

func TestRecordAndQuery(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open transcript store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	sessionID := "session-123"
	if err := es.RecordTranscript(context.Background(), sessionID, "whisper-base", "first chunk"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.RecordTranscript(context.Background(), sessionID, "whisper-base", "second chunk"); err != nil {
		t.Fatalf("record: %v", err)
	}

	transcripts, err := es.ListSessionTranscripts(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list session transcripts: %v", err)
	}
	if len(transcripts) != 2 {
		t.Fatalf("expected 2 transcripts, got %d", len(transcripts))
	}
	if transcripts[0].Text != "first chunk" {
		t.Fatalf("unexpected order: %v", transcripts)
	}
	if transcripts[0].ModelID != "whisper-base" {
		t.Fatalf("model id not stored: %v", transcripts[0])
	}

	recent, err := es.ListRecent(context.Background(), 1)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected 1 recent transcript, got %d", len(recent))
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open transcript store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	es.clock = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.RecordTranscript(context.Background(), "old-session", "whisper-base", "stale words"); err != nil {
		t.Fatalf("record: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.RecordTranscript(context.Background(), "new-session", "whisper-base", "fresh words"); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := es.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := es.ListSessionTranscripts(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(old) != 0 {
		t.Fatalf("expected old session pruned, got %v", old)
	}
	fresh, err := es.ListSessionTranscripts(context.Background(), "new-session", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(fresh) != 1 {
		t.Fatalf("expected fresh session kept, got %v", fresh)
	}
}
