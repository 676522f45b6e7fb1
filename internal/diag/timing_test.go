package diag

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestScopedTimingSuccess(t *testing.T) {
	r, dir := newTestRouter(t, nil)
	a := NewAccumulator(r)
	timing := NewTiming(r, a)

	_, op := timing.Begin(context.Background(), "transport init")
	if err := op.End(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content := readChannel(t, dir, ChannelSession)
	if strings.Count(content, "completed: transport init") != 1 {
		t.Fatalf("expected exactly one completed line, got:\n%s", content)
	}
	if strings.Contains(content, "failed: transport init") {
		t.Fatal("unexpected failed line on success path")
	}
	if got := len(a.Snapshot().Errors); got != 0 {
		t.Fatalf("success produced %d error records", got)
	}
}

func TestScopedTimingFailurePropagates(t *testing.T) {
	r, dir := newTestRouter(t, nil)
	a := NewAccumulator(r)
	timing := NewTiming(r, a)

	boom := errors.New("handshake rejected")
	_, op := timing.Begin(context.Background(), "deepgram connect")
	if err := op.End(boom); !errors.Is(err, boom) {
		t.Fatalf("failure not propagated unchanged: %v", err)
	}

	content := readChannel(t, dir, ChannelSession)
	if strings.Count(content, "failed: deepgram connect") != 1 {
		t.Fatalf("expected exactly one failed line, got:\n%s", content)
	}

	recs := a.Snapshot().Errors
	if len(recs) != 1 {
		t.Fatalf("expected exactly one error record, got %d", len(recs))
	}
	if recs[0].Context != "deepgram connect" {
		t.Fatalf("record context %q, want operation label", recs[0].Context)
	}
}

func TestScopedTimingRunsOnEveryExitPath(t *testing.T) {
	r, dir := newTestRouter(t, nil)
	a := NewAccumulator(r)
	timing := NewTiming(r, a)

	run := func() (err error) {
		_, op := timing.Begin(context.Background(), "stage build")
		defer func() { err = op.End(err) }()
		return errors.New("early return")
	}
	if err := run(); err == nil {
		t.Fatal("expected error from early return path")
	}
	if !strings.Contains(readChannel(t, dir, ChannelSession), "failed: stage build") {
		t.Fatal("deferred End did not record the failure")
	}
}
