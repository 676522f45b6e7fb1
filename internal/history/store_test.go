package history

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/snapconnect/coach-core/internal/config"
	"github.com/snapconnect/coach-core/internal/diag"
)

func newRouter(t *testing.T) *diag.Router {
	t.Helper()
	r, err := diag.NewRouter(t.TempDir(), slog.LevelError, nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestOpenEphemeral(t *testing.T) {
	cfg := config.HistoryConfig{RetentionMode: "ephemeral"}
	s, err := Open(context.Background(), cfg, newRouter(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.RecordTurn(context.Background(), "s1", "t1", "hi", "hello"); err != nil {
		t.Fatalf("ephemeral record should be a no-op: %v", err)
	}
	turns, err := s.ListTurns(context.Background(), "s1", 10)
	if err != nil || turns != nil {
		t.Fatalf("expected no turns from ephemeral store, got %v (%v)", turns, err)
	}
}

func TestRecordAndListTurns(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{Path: filepath.Join(tmp, "history.db"), RetentionMode: "session"}
	s, err := Open(context.Background(), cfg, newRouter(t))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	sessionID := "voice_session_100"
	if err := s.RecordTurn(context.Background(), sessionID, "turn-1", "how many reps?", "aim for 12 reps"); err != nil {
		t.Fatalf("record turn: %v", err)
	}
	turns, err := s.ListTurns(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(turns) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(turns))
	}
	if turns[0].UserText != "how many reps?" || turns[0].CoachText != "aim for 12 reps" {
		t.Fatalf("unexpected turn: %+v", turns[0])
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.HistoryConfig{
		Path:          filepath.Join(tmp, "history.db"),
		RetentionMode: "persistent",
		RetentionDays: 1,
		MaxSessions:   1,
	}
	s, err := Open(context.Background(), cfg, newRouter(t))
	if err != nil {
		t.Fatalf("open history: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	s.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := s.RecordTurn(context.Background(), "old-session", "t1", "a", "b"); err != nil {
		t.Fatalf("record turn: %v", err)
	}

	s.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := s.RecordTurn(context.Background(), "new-session", "t2", "c", "d"); err != nil {
		t.Fatalf("record turn: %v", err)
	}
	if err := s.Prune(context.Background()); err != nil {
		t.Fatalf("prune: %v", err)
	}

	old, err := s.ListTurns(context.Background(), "old-session", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(old) != 0 {
		t.Fatal("expected old session pruned")
	}
	kept, err := s.ListTurns(context.Background(), "new-session", 10)
	if err != nil {
		t.Fatalf("list turns: %v", err)
	}
	if len(kept) != 1 {
		t.Fatalf("expected new session kept, got %d turns", len(kept))
	}
}
