package tts

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

type countingSynth struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSynth) Synthesize(context.Context, SynthRequest) (<-chan SynthChunk, <-chan error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	chunks := make(chan SynthChunk)
	errs := make(chan error)
	close(chunks)
	close(errs)
	return chunks, errs
}

func (c *countingSynth) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// A synthesis request delivered after Close must not start a worker.
func TestHandleRequestAfterCloseIsIgnored(t *testing.T) {
	router, err := diag.NewRouter(t.TempDir(), slog.LevelError, nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Close() })

	synth := &countingSynth{}
	svc := NewService(context.Background(), config.Default().ElevenLabs, nil, synth, diag.NewAccumulator(router))
	svc.Close()

	req := protocol.TTSRequest{SessionID: "s1", TurnID: "t1", Text: "hello"}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	svc.handleRequest(&nats.Msg{Data: data})

	time.Sleep(50 * time.Millisecond)
	if got := synth.count(); got != 0 {
		t.Fatalf("synthesizer invoked %d times after Close, want 0", got)
	}
}
