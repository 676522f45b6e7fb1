// Package transport exposes the client-facing WebSocket endpoint. Binary
// messages carry inbound PCM frames; a text message marks the end of an
// utterance. Synthesized audio is written back as binary messages.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/snapconnect/coach-core/internal/bus"
	"github.com/snapconnect/coach-core/internal/config"
	"github.com/snapconnect/coach-core/internal/diag"
	"github.com/snapconnect/coach-core/internal/protocol"
)

// endOfUtterance is the text message a client sends when the user stops
// speaking.
const endOfUtterance = "speech_end"

// Server accepts one voice client at a time and bridges its audio frames
// onto the stage bus.
type Server struct {
	cfg       config.ServerConfig
	audio     config.DeepgramConfig
	bus       *bus.Client
	metrics   *diag.Accumulator
	sessionID string

	upgrader   websocket.Upgrader
	httpServer *http.Server
	sub        *nats.Subscription

	mu       sync.Mutex
	active   *clientConn
	sequence int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type clientConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	remote  string
}

func NewServer(parent context.Context, cfg config.ServerConfig, audio config.DeepgramConfig, busClient *bus.Client, metrics *diag.Accumulator, sessionID string) *Server {
	ctx, cancel := context.WithCancel(parent)
	return &Server{
		cfg:       cfg,
		audio:     audio,
		bus:       busClient,
		metrics:   metrics,
		sessionID: sessionID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds the listener and subscribes to outbound audio.
func (s *Server) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTTSAudio, s.handleOutbound)
	if err != nil {
		return fmt.Errorf("subscribe outbound audio: %w", err)
	}
	s.sub = sub

	addr := net.JoinHostPort(s.cfg.Bind, fmt.Sprintf("%d", s.cfg.Port))
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.metrics.RecordError(err, "transport listener", map[string]any{"addr": addr})
		}
	}()

	s.metrics.RecordTransportEvent("listener_started", addr, nil)
	return nil
}

// Close shuts the listener down and drops any active client.
func (s *Server) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(ctx)
	}
	s.mu.Lock()
	if s.active != nil {
		_ = s.active.conn.Close()
		s.active = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) Healthy() bool {
	return s.sub != nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	busy := s.active != nil
	s.mu.Unlock()
	if busy {
		// one client at a time
		http.Error(w, "session in progress", http.StatusServiceUnavailable)
		s.metrics.RecordTransportEvent("connection_rejected", r.RemoteAddr, nil)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.RecordTransportEvent("upgrade_failed", r.RemoteAddr, map[string]any{"error": err.Error()})
		return
	}

	client := &clientConn{conn: conn, remote: r.RemoteAddr}
	s.mu.Lock()
	s.active = client
	s.sequence = 0
	s.mu.Unlock()

	s.metrics.RecordTransportEvent(diag.EventConnectionEstablished, r.RemoteAddr, nil)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(client)
	}()
}

func (s *Server) readLoop(client *clientConn) {
	defer func() {
		_ = client.conn.Close()
		s.mu.Lock()
		if s.active == client {
			s.active = nil
		}
		s.mu.Unlock()
		s.metrics.RecordTransportEvent("connection_closed", client.remote, nil)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		messageType, data, err := client.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.metrics.RecordTransportEvent("read_error", client.remote, map[string]any{"error": err.Error()})
			}
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			s.publishFrame(data, false)
		case websocket.TextMessage:
			if string(data) == endOfUtterance {
				s.publishFrame(nil, true)
			}
		}
	}
}

func (s *Server) publishFrame(pcm []byte, final bool) {
	s.mu.Lock()
	seq := s.sequence
	s.sequence++
	s.mu.Unlock()

	frame := protocol.AudioFrame{
		SessionID:  s.sessionID,
		Sequence:   seq,
		SampleRate: s.audio.SampleRate,
		Channels:   s.audio.Channels,
		PCM:        pcm,
		Final:      final,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		s.metrics.RecordError(err, "inbound frame encode", nil)
		return
	}
	subject := protocol.SubjectAudioFramePrefix + "." + s.sessionID
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.metrics.RecordTransportEvent("publish_error", "", map[string]any{"error": err.Error()})
	}
}

func (s *Server) handleOutbound(msg *nats.Msg) {
	var chunk protocol.AudioChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		s.bus.Router().Warn(diag.ChannelTransport, "failed to decode outbound chunk", map[string]any{"error": err.Error()})
		return
	}
	if chunk.SessionID != s.sessionID {
		return
	}

	s.mu.Lock()
	client := s.active
	s.mu.Unlock()
	if client == nil {
		return
	}

	if len(chunk.PCM) > 0 {
		client.writeMu.Lock()
		err := client.conn.WriteMessage(websocket.BinaryMessage, chunk.PCM)
		client.writeMu.Unlock()
		if err != nil {
			s.metrics.RecordTransportEvent("write_error", client.remote, map[string]any{"error": err.Error()})
			return
		}
	}
	if chunk.Final {
		client.writeMu.Lock()
		_ = client.conn.WriteMessage(websocket.TextMessage, []byte("response_done"))
		client.writeMu.Unlock()
	}
}
