package eventstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/config"
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
	if err := es.Append(ctx, Entry{BroadcastID: "b", Kind: KindTTSGenerated}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	entries, err := es.List(ctx, "b", 10)
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected empty timeline, got %v, %v", entries, err)
	}
}

func TestAppendAndList(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "timeline.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	if err := es.BeginBroadcast(ctx, "lobby", "lobby"); err != nil {
		t.Fatalf("begin broadcast: %v", err)
	}
	entries := []Entry{
		{BroadcastID: "lobby", Kind: KindParticipantJoined, Label: "Ana"},
		{BroadcastID: "lobby", Kind: KindTTSGenerated, Label: "Ana", Ref: "http://tts/audio/1", TaskID: "1"},
		{BroadcastID: "lobby", Kind: KindPlaybackStarted, Label: "Ana", Ref: "http://tts/audio/1"},
		{BroadcastID: "lobby", Kind: KindPlaybackFinished, Label: "Ana", Detail: []byte(`{"outcome":"ended"}`)},
	}
	for _, e := range entries {
		if err := es.Append(ctx, e); err != nil {
			t.Fatalf("append %s: %v", e.Kind, err)
		}
	}

	got, err := es.List(ctx, "lobby", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(got))
	}
	for i := range entries {
		if got[i].Kind != entries[i].Kind {
			t.Fatalf("entry %d: expected %s, got %s", i, entries[i].Kind, got[i].Kind)
		}
	}
	if got[1].TaskID != "1" || got[1].Ref != "http://tts/audio/1" {
		t.Fatalf("unexpected generated entry: %+v", got[1])
	}
	if string(got[3].Detail) != `{"outcome":"ended"}` {
		t.Fatalf("unexpected detail: %s", got[3].Detail)
	}

	summary, err := es.Summary(ctx, "lobby")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary[KindParticipantJoined] != 1 || summary[KindPlaybackFinished] != 1 {
		t.Fatalf("unexpected summary: %v", summary)
	}
}

func TestAppendRejectsIncompleteEntry(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "timeline.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Append(context.Background(), Entry{Kind: KindTTSFailed}); err == nil {
		t.Fatalf("expected error for entry without broadcast id")
	}
}

func TestPruneByDaysAndBroadcasts(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "timeline.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginBroadcast(ctx, "old", "lobby"); err != nil {
		t.Fatalf("begin broadcast: %v", err)
	}
	if err := es.Append(ctx, Entry{BroadcastID: "old", Kind: KindPlaybackStopped}); err != nil {
		t.Fatalf("append: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginBroadcast(ctx, "new", "lobby"); err != nil {
		t.Fatalf("begin broadcast: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	got, err := es.List(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected old broadcast pruned")
	}
}

func TestPruneKeepsReopenedBroadcast(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "timeline.db"), RetentionMode: "persistent", RetentionDays: 30}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	es.clock = func() time.Time { return start }
	if err := es.BeginBroadcast(ctx, "default", ""); err != nil {
		t.Fatalf("begin broadcast: %v", err)
	}
	if err := es.Append(ctx, Entry{BroadcastID: "default", Kind: KindParticipantJoined, Label: "Old"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	later := start.Add(40 * 24 * time.Hour)
	es.clock = func() time.Time { return later }
	if err := es.BeginBroadcast(ctx, "default", ""); err != nil {
		t.Fatalf("reopen broadcast: %v", err)
	}
	if err := es.Append(ctx, Entry{BroadcastID: "default", Kind: KindParticipantJoined, Label: "New"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	got, err := es.List(ctx, "default", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Label != "New" {
		t.Fatalf("expected only the recent entry to survive, got %+v", got)
	}
	if err := es.Append(ctx, Entry{BroadcastID: "default", Kind: KindPlaybackStarted, Label: "New"}); err != nil {
		t.Fatalf("append after prune: %v", err)
	}
}

func TestListReturnsNewest(t *testing.T) {
	cfg := config.EventStoreConfig{Path: filepath.Join(t.TempDir(), "timeline.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	if err := es.BeginBroadcast(ctx, "lobby", "lobby"); err != nil {
		t.Fatalf("begin broadcast: %v", err)
	}
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i, label := range []string{"a", "b", "c", "d", "e"} {
		e := Entry{BroadcastID: "lobby", Kind: KindParticipantJoined, Label: label, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := es.Append(ctx, e); err != nil {
			t.Fatalf("append %s: %v", label, err)
		}
	}

	got, err := es.List(ctx, "lobby", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Label != "d" || got[1].Label != "e" {
		t.Fatalf("expected the two newest entries in order, got %+v", got)
	}
}
