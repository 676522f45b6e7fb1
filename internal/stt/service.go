package stt

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

// Service buffers inbound audio per session and turns completed
// utterances into transcripts on the bus.
type Service struct {
	cfg        config.DeepgramConfig
	bus        *bus.Client
	recognizer Recognizer
	metrics    *diag.Accumulator
	sessions   map[string]*sessionState
	mu         sync.Mutex
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
}

type sessionState struct {
	Buffer       []byte
	Inflight     bool
	PendingFinal bool
}

func NewService(parent context.Context, cfg config.DeepgramConfig, busClient *bus.Client, recognizer Recognizer, metrics *diag.Accumulator) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		metrics:    metrics,
		sessions:   make(map[string]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *Service) Start() error {
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
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

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.bus.Router().Warn(diag.ChannelPipeline, "failed to decode audio frame", map[string]any{"error": err.Error()})
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{}
		s.sessions[frame.SessionID] = state
	}
	state.Buffer = append(state.Buffer, frame.PCM...)
	s.mu.Unlock()

	if frame.Final {
		s.scheduleTranscription(frame.SessionID)
	}
}

func (s *Service) scheduleTranscription(sessionID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.Inflight {
		state.PendingFinal = true
		s.mu.Unlock()
		return
	}
	pcm := append([]byte(nil), state.Buffer...)
	state.Buffer = state.Buffer[:0]
	state.Inflight = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		start := time.Now()
		result, err := s.recognizer.Transcribe(ctx, pcm, s.cfg.SampleRate, s.cfg.Channels)
		elapsed := time.Since(start)

		s.metrics.RecordAPICall(diag.ServiceDeepgram, elapsed, err == nil, map[string]any{
			"bytes": len(pcm),
			"model": s.cfg.Model,
		})
		if err != nil {
			s.metrics.RecordError(err, "speech transcription", map[string]any{"session_id": sessionID})
		} else {
			s.bus.Router().Info(diag.ChannelPerformance,
				fmt.Sprintf("transcription: %.3fs", elapsed.Seconds()), nil)
			s.publishTranscript(sessionID, result.Text, result.Confidence)
		}

		s.mu.Lock()
		var pendingFinal bool
		if state := s.sessions[sessionID]; state != nil {
			state.Inflight = false
			pendingFinal = state.PendingFinal
			state.PendingFinal = false
		}
		s.mu.Unlock()

		if pendingFinal {
			s.scheduleTranscription(sessionID)
		}
	}()
}

func (s *Service) publishTranscript(sessionID, text string, confidence float64) {
	if text == "" {
		return
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       text,
		Partial:    false,
		Timestamp:  time.Now().UTC(),
		Confidence: confidence,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.bus.Router().Warn(diag.ChannelPipeline, "failed to marshal transcript", map[string]any{"error": err.Error()})
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTranscriptFinal, data); err != nil {
		s.bus.Router().Warn(diag.ChannelPipeline, "failed to publish transcript", map[string]any{"error": err.Error()})
	}
}
