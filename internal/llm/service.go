package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/snapconnect/coach-core/internal/bus"
	"github.com/snapconnect/coach-core/internal/config"
	"github.com/snapconnect/coach-core/internal/diag"
	"github.com/snapconnect/coach-core/internal/protocol"
)

// Service consumes coaching turn requests from the bus and streams model
// output back as partial and final responses.
type Service struct {
	cfg       config.OpenAIConfig
	bus       *bus.Client
	generator Generator
	metrics   *diag.Accumulator
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	closed    bool
	wg        sync.WaitGroup
}

func NewService(parent context.Context, cfg config.OpenAIConfig, busClient *bus.Client, generator Generator, metrics *diag.Accumulator) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		metrics:   metrics,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectLLMRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe llm requests: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	// Drain returns before in-flight callbacks finish, so handlers must be
	// fenced off before waiting or a late Add races the Wait.
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.sub != nil
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.LLMRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.bus.Router().Warn(diag.ChannelPipeline, "failed to decode llm request", map[string]any{"error": err.Error()})
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 60*time.Second)
		defer cancel()

		options := Request{
			SessionID:   req.SessionID,
			TurnID:      req.TurnID,
			Prompt:      req.Prompt,
			System:      req.System,
			MaxTokens:   coalesceInt(req.MaxTokens, s.cfg.MaxTokens),
			Temperature: s.cfg.Temperature,
		}
		if req.Temperature != 0 {
			options.Temperature = req.Temperature
		}

		start := time.Now()
		err := s.generator.Generate(ctx, options, func(chunk Chunk) error {
			return s.publishChunk(chunk)
		})
		elapsed := time.Since(start)

		s.metrics.RecordAPICall(diag.ServiceOpenAI, elapsed, err == nil, map[string]any{
			"model":   s.cfg.Model,
			"turn_id": req.TurnID,
		})
		if err != nil {
			s.metrics.RecordError(err, "coach turn generation", map[string]any{"session_id": req.SessionID})
			return
		}
		s.bus.Router().Info(diag.ChannelPerformance,
			fmt.Sprintf("coach turn: %.3fs", elapsed.Seconds()), nil)
	}()
}

func (s *Service) publishChunk(chunk Chunk) error {
	if chunk.Content == "" && chunk.Partial {
		return nil
	}
	msg := protocol.LLMResponse{
		SessionID:        chunk.SessionID,
		TurnID:           chunk.TurnID,
		Content:          chunk.Content,
		Partial:          chunk.Partial,
		PromptTokens:     chunk.PromptTokens,
		CompletionTokens: chunk.CompletionTokens,
		LatencyMS:        chunk.Latency.Milliseconds(),
		Timestamp:        time.Now().UTC(),
	}
	subject := protocol.SubjectLLMResponseChunk
	if !chunk.Partial {
		subject = protocol.SubjectLLMResponseFinal
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.bus.Router().Warn(diag.ChannelPipeline, "failed to publish llm chunk", map[string]any{"error": err.Error()})
		return err
	}
	return nil
}

func coalesceInt(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
