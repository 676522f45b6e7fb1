package llm

import (
	"context"
)

type mockGenerator struct {
	reply string
}

// NewMockGenerator returns a generator that echoes a canned coaching
// reply, for offline development and tests.
func NewMockGenerator(reply string) Generator {
	if reply == "" {
		reply = "Great work, keep that pace going!"
	}
	return &mockGenerator{reply: reply}
}

func (m *mockGenerator) Generate(_ context.Context, req Request, consumer func(Chunk) error) error {
	if err := consumer(Chunk{SessionID: req.SessionID, TurnID: req.TurnID, Content: m.reply, Partial: true}); err != nil {
		return err
	}
	return consumer(Chunk{SessionID: req.SessionID, TurnID: req.TurnID, Content: m.reply, Partial: false})
}
