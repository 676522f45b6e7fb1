package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/snapconnect/coach-core/internal/bus"
	"github.com/snapconnect/coach-core/internal/coach"
	"github.com/snapconnect/coach-core/internal/config"
	"github.com/snapconnect/coach-core/internal/diag"
	"github.com/snapconnect/coach-core/internal/protocol"
)

// TurnRecorder persists completed user/coach exchanges.
type TurnRecorder interface {
	RecordTurn(ctx context.Context, sessionID, turnID, userText, coachText string) error
}

// Service routes final transcripts into coaching turns and coach replies
// into synthesis requests, completing the middle of the five-stage loop.
type Service struct {
	cfg            config.Config
	bus            *bus.Client
	turns          TurnRecorder
	subTranscripts *nats.Subscription
	subLLM         *nats.Subscription
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	pending        map[string]pendingTurn
	mu             sync.Mutex
}

type pendingTurn struct {
	SessionID string
	UserText  string
	StartedAt time.Time
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, turns TurnRecorder) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		turns:   turns,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[string]pendingTurn),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTranscriptFinal, s.handleTranscript)
	if err != nil {
		return err
	}
	s.subTranscripts = sub

	subLLM, err := s.bus.Conn().Subscribe(protocol.SubjectLLMResponseFinal, s.handleResponse)
	if err != nil {
		_ = s.subTranscripts.Drain()
		return err
	}
	s.subLLM = subLLM
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subTranscripts != nil {
		_ = s.subTranscripts.Drain()
	}
	if s.subLLM != nil {
		_ = s.subLLM.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.subTranscripts != nil && s.subLLM != nil
}

func (s *Service) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.bus.Router().Warn(diag.ChannelPipeline, "failed to decode transcript", map[string]any{"error": err.Error()})
		return
	}
	if transcript.Text == "" || transcript.Partial {
		return
	}

	turnID := uuid.NewString()
	s.mu.Lock()
	s.pending[turnID] = pendingTurn{
		SessionID: transcript.SessionID,
		UserText:  transcript.Text,
		StartedAt: time.Now(),
	}
	s.mu.Unlock()

	req := protocol.LLMRequest{
		SessionID:   transcript.SessionID,
		TurnID:      turnID,
		Prompt:      transcript.Text,
		System:      coach.SystemPrompt,
		MaxTokens:   s.cfg.OpenAI.MaxTokens,
		Temperature: s.cfg.OpenAI.Temperature,
		Timestamp:   time.Now().UTC(),
	}
	data, err := json.Marshal(req)
	if err != nil {
		s.bus.Router().Warn(diag.ChannelPipeline, "failed to marshal llm request", map[string]any{"error": err.Error()})
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectLLMRequest, data); err != nil {
		s.bus.Router().Warn(diag.ChannelPipeline, "failed to publish llm request", map[string]any{"error": err.Error()})
	}
}

func (s *Service) handleResponse(msg *nats.Msg) {
	var resp protocol.LLMResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		s.bus.Router().Warn(diag.ChannelPipeline, "failed to decode llm response", map[string]any{"error": err.Error()})
		return
	}
	if resp.Content == "" {
		return
	}

	s.mu.Lock()
	turn, ok := s.pending[resp.TurnID]
	if ok {
		delete(s.pending, resp.TurnID)
	}
	s.mu.Unlock()

	if ok {
		s.recordInteraction(turn, resp)
	}

	req := protocol.TTSRequest{
		SessionID: resp.SessionID,
		TurnID:    resp.TurnID,
		Text:      resp.Content,
		Voice:     s.cfg.ElevenLabs.VoiceID,
	}
	data, err := json.Marshal(req)
	if err != nil {
		s.bus.Router().Warn(diag.ChannelPipeline, "failed to marshal tts request", map[string]any{"error": err.Error()})
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTTSRequest, data); err != nil {
		s.bus.Router().Warn(diag.ChannelPipeline, "failed to publish tts request", map[string]any{"error": err.Error()})
	}
}

func (s *Service) recordInteraction(turn pendingTurn, resp protocol.LLMResponse) {
	s.bus.Router().Info(diag.ChannelSession, "user interaction: voice turn", map[string]any{
		"session_id":    resp.SessionID,
		"turn_id":       resp.TurnID,
		"user_input":    coach.Truncate(turn.UserText),
		"coach_reply":   coach.Truncate(resp.Content),
		"turn_duration": time.Since(turn.StartedAt).Seconds(),
	})

	if s.turns == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
		defer cancel()
		if err := s.turns.RecordTurn(ctx, resp.SessionID, resp.TurnID, turn.UserText, resp.Content); err != nil {
			s.bus.Router().Warn(diag.ChannelSession, "failed to record turn history", map[string]any{"error": err.Error()})
		}
	}()
}
