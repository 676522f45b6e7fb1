package llm

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

type countingGenerator struct {
	mu    sync.Mutex
	calls int
}

func (c *countingGenerator) Generate(context.Context, Request, func(Chunk) error) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return nil
}

func (c *countingGenerator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// A request delivered after Close must not start a generation worker.
func TestHandleRequestAfterCloseIsIgnored(t *testing.T) {
	router, err := diag.NewRouter(t.TempDir(), slog.LevelError, nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Close() })

	gen := &countingGenerator{}
	svc := NewService(context.Background(), config.Default().OpenAI, nil, gen, diag.NewAccumulator(router))
	svc.Close()

	req := protocol.LLMRequest{SessionID: "s1", TurnID: "t1", Prompt: "hello"}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	svc.handleRequest(&nats.Msg{Data: data})

	time.Sleep(50 * time.Millisecond)
	if got := gen.count(); got != 0 {
		t.Fatalf("generator invoked %d times after Close, want 0", got)
	}
}
