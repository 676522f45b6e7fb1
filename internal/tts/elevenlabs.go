package tts

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/snapconnect/coach-core/internal/config"
)

type elevenLabsSynth struct {
	cfg        config.ElevenLabsConfig
	sampleRate int
}

// NewElevenLabsSynth builds a synthesizer that streams audio from the
// ElevenLabs stream-input WebSocket API, one connection per synthesis
// request.
func NewElevenLabsSynth(cfg config.ElevenLabsConfig, sampleRate int) Synthesizer {
	return &elevenLabsSynth{cfg: cfg, sampleRate: sampleRate}
}

type streamInputMessage struct {
	Text  string `json:"text"`
	Flush bool   `json:"flush,omitempty"`
}

type streamOutputMessage struct {
	Audio   string `json:"audio,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *elevenLabsSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 8)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		voice := req.Voice
		if voice == "" {
			voice = e.cfg.VoiceID
		}
		url := fmt.Sprintf("%s/%s/stream-input?model_id=%s&output_format=%s",
			e.cfg.Endpoint, voice, e.cfg.Model, e.cfg.OutputFormat)

		headers := http.Header{}
		headers.Set("xi-api-key", e.cfg.APIKey)

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, resp, err := dialer.DialContext(ctx, url, headers)
		if err != nil {
			if resp != nil {
				err = fmt.Errorf("elevenlabs dial (%s): %w", resp.Status, err)
			} else {
				err = fmt.Errorf("elevenlabs dial: %w", err)
			}
			errs <- err
			return
		}
		defer conn.Close()

		// The protocol expects a priming space, the text, then an empty
		// message to signal end of input.
		for _, msg := range []streamInputMessage{
			{Text: " "},
			{Text: req.Text + " ", Flush: true},
			{Text: ""},
		} {
			if err := conn.WriteJSON(msg); err != nil {
				errs <- fmt.Errorf("elevenlabs write: %w", err)
				return
			}
		}

		sequence := 0
		for {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			default:
			}

			_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
			var out streamOutputMessage
			if err := conn.ReadJSON(&out); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					e.emitFinal(ctx, req, chunks, sequence)
					return
				}
				errs <- fmt.Errorf("elevenlabs read: %w", err)
				return
			}
			if out.Error != "" {
				errs <- fmt.Errorf("elevenlabs error: %s %s", out.Error, out.Message)
				return
			}
			if out.Audio != "" {
				pcm, err := base64.StdEncoding.DecodeString(out.Audio)
				if err != nil {
					errs <- fmt.Errorf("decode elevenlabs audio: %w", err)
					return
				}
				// A send must never outlive the consumer: if the caller gave
				// up on this request, stop streaming and drop the connection.
				if !sendChunk(ctx, chunks, SynthChunk{
					SessionID:  req.SessionID,
					TurnID:     req.TurnID,
					Sequence:   sequence,
					SampleRate: e.sampleRate,
					Channels:   1,
					PCM:        pcm,
				}) {
					errs <- ctx.Err()
					return
				}
				sequence++
			}
			if out.IsFinal {
				e.emitFinal(ctx, req, chunks, sequence)
				return
			}
		}
	}()

	return chunks, errs
}

func (e *elevenLabsSynth) emitFinal(ctx context.Context, req SynthRequest, chunks chan<- SynthChunk, sequence int) {
	sendChunk(ctx, chunks, SynthChunk{
		SessionID:  req.SessionID,
		TurnID:     req.TurnID,
		Sequence:   sequence,
		SampleRate: e.sampleRate,
		Channels:   1,
		Final:      true,
	})
}

// sendChunk delivers a chunk unless the request context ends first.
func sendChunk(ctx context.Context, chunks chan<- SynthChunk, chunk SynthChunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
