package stt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/snapconnect/coach-core/internal/config"
	"github.com/snapconnect/coach-core/internal/diag"
	"github.com/snapconnect/coach-core/internal/protocol"
)

type countingRecognizer struct {
	mu    sync.Mutex
	calls int
}

func (c *countingRecognizer) Transcribe(context.Context, []byte, int, int) (TranscriptResult, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return TranscriptResult{Text: "counted"}, nil
}

func (c *countingRecognizer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// A frame delivered after Close must not schedule a transcription: Drain
// can hand callbacks to a service that is already waiting on its workers.
func TestHandleFrameAfterCloseIsIgnored(t *testing.T) {
	router, err := diag.NewRouter(t.TempDir(), slog.LevelError, nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Close() })

	rec := &countingRecognizer{}
	svc := NewService(context.Background(), config.Default().Deepgram, nil, rec, diag.NewAccumulator(router))
	svc.Close()

	frame := protocol.AudioFrame{SessionID: "s1", PCM: make([]byte, 32), Final: true}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	svc.handleFrame(&nats.Msg{Data: data})

	time.Sleep(50 * time.Millisecond)
	if got := rec.count(); got != 0 {
		t.Fatalf("recognizer invoked %d times after Close, want 0", got)
	}
}
