package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/snapconnect/coach-core/internal/config"
)

type openAIGenerator struct {
	client *openai.Client
	cfg    config.OpenAIConfig
}

// NewOpenAIGenerator builds a generator backed by OpenAI streaming chat
// completions.
func NewOpenAIGenerator(cfg config.OpenAIConfig) Generator {
	return &openAIGenerator{
		client: openai.NewClient(cfg.APIKey),
		cfg:    cfg,
	}
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	messages := []openai.ChatCompletionMessage{}
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	start := time.Now()
	var full strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("openai stream recv: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full.WriteString(delta)
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			TurnID:    req.TurnID,
			Content:   delta,
			Partial:   true,
			Latency:   time.Since(start),
		}); err != nil {
			return err
		}
	}

	return consumer(Chunk{
		SessionID: req.SessionID,
		TurnID:    req.TurnID,
		Content:   full.String(),
		Partial:   false,
		Latency:   time.Since(start),
	})
}
