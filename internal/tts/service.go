package tts

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

// Service turns synthesis requests into outbound audio chunk streams.
type Service struct {
	cfg     config.ElevenLabsConfig
	bus     *bus.Client
	synth   Synthesizer
	metrics *diag.Accumulator
	sub     *nats.Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

func NewService(parent context.Context, cfg config.ElevenLabsConfig, busClient *bus.Client, synth Synthesizer, metrics *diag.Accumulator) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		synth:   synth,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe tts requests: %w", err)
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

func (s *Service) Healthy() bool { return s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.bus.Router().Warn(diag.ChannelPipeline, "failed to decode tts request", map[string]any{"error": err.Error()})
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

		ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
		defer cancel()

		start := time.Now()
		var failure error

		chunks, errs := s.synth.Synthesize(ctx, SynthRequest{
			SessionID: req.SessionID,
			TurnID:    req.TurnID,
			Text:      req.Text,
			Voice:     req.Voice,
		})
		for chunks != nil || errs != nil {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				s.publishChunk(req, chunk)
			case err, ok := <-errs:
				if ok && err != nil {
					failure = err
				}
				errs = nil
			case <-ctx.Done():
				failure = ctx.Err()
				chunks = nil
				errs = nil
			}
		}

		elapsed := time.Since(start)
		s.metrics.RecordAPICall(diag.ServiceElevenLabs, elapsed, failure == nil, map[string]any{
			"voice":   s.cfg.VoiceID,
			"model":   s.cfg.Model,
			"turn_id": req.TurnID,
		})
		if failure != nil {
			s.metrics.RecordError(failure, "speech synthesis", map[string]any{"session_id": req.SessionID})
			return
		}
		s.bus.Router().Info(diag.ChannelPerformance,
			fmt.Sprintf("synthesis: %.3fs", elapsed.Seconds()), nil)
	}()
}

func (s *Service) publishChunk(req protocol.TTSRequest, chunk SynthChunk) {
	packet := protocol.AudioChunk{
		SessionID:  req.SessionID,
		TurnID:     req.TurnID,
		Sequence:   chunk.Sequence,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	data, err := json.Marshal(packet)
	if err != nil {
		s.bus.Router().Warn(diag.ChannelPipeline, "failed to marshal audio chunk", map[string]any{"error": err.Error()})
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectTTSAudio, data); err != nil {
		s.bus.Router().Warn(diag.ChannelPipeline, "failed to publish audio chunk", map[string]any{"error": err.Error()})
	}
	if chunk.Final {
		done := protocol.TTSStatus{SessionID: req.SessionID, TurnID: req.TurnID, Completed: true, Timestamp: time.Now().UTC()}
		if data, err := json.Marshal(done); err == nil {
			_ = s.bus.Conn().Publish(protocol.SubjectTTSDone, data)
		}
	}
}
