package diag

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSessionStartBanner(t *testing.T) {
	r, dir := newTestRouter(t, nil)
	a := NewAccumulator(r)
	rec := NewSessionRecorder(r, a)

	id := rec.Start(map[string]any{"host": "0.0.0.0", "port": 8002})
	if !strings.HasPrefix(id, "voice_session_") {
		t.Fatalf("unexpected session id %q", id)
	}

	content := readChannel(t, dir, ChannelSession)
	if !strings.Contains(content, "starting coach voice session: "+id) {
		t.Fatal("missing start banner")
	}
	if !strings.Contains(content, "8002") {
		t.Fatal("missing configuration dump")
	}
}

func TestSessionEndWritesSnapshot(t *testing.T) {
	r, dir := newTestRouter(t, nil)
	a := NewAccumulator(r)
	rec := NewSessionRecorder(r, a)

	id := rec.Start(nil)
	a.RecordAPICall(ServiceOpenAI, 120*time.Millisecond, true, nil)

	if err := rec.End(); err != nil {
		t.Fatalf("end session: %v", err)
	}

	path := filepath.Join(dir, "metrics_"+id+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.SessionID != id || snap.TotalRequests != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap.Summary)
	}
}

func TestSessionEndTwiceOverwritesSnapshot(t *testing.T) {
	r, dir := newTestRouter(t, nil)
	a := NewAccumulator(r)
	rec := NewSessionRecorder(r, a)

	id := rec.Start(nil)
	if err := rec.End(); err != nil {
		t.Fatalf("first end: %v", err)
	}

	// state changes between the two End calls; the persisted artifact must
	// reflect only the final state
	a.RecordError(errors.New("late failure"), "shutdown", nil)
	if err := rec.End(); err != nil {
		t.Fatalf("second end: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "metrics_"+id+".json"))
	if err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.ErrorCount != 1 || len(snap.Errors) != 1 {
		t.Fatalf("snapshot does not reflect final state: %+v", snap.Summary)
	}

	perf := readChannel(t, dir, ChannelPerformance)
	if got := strings.Count(perf, "performance summary"); got != 2 {
		t.Fatalf("expected two summary emissions, got %d", got)
	}
}
