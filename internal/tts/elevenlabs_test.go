package tts

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/snapconnect/coach-core/internal/config"
)

// fakeStreamInput serves the stream-input handshake and then floods the
// client with audio frames, far more than the chunk buffer holds.
func fakeStreamInput(t *testing.T, frames int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for i := 0; i < 3; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}

		audio := base64.StdEncoding.EncodeToString(make([]byte, 640))
		for i := 0; i < frames; i++ {
			if err := conn.WriteJSON(map[string]any{"audio": audio}); err != nil {
				return
			}
		}
		_ = conn.WriteJSON(map[string]any{"isFinal": true})
	}))
}

func TestSynthesizeStopsWhenRequestAbandoned(t *testing.T) {
	srv := fakeStreamInput(t, 50)
	defer srv.Close()

	cfg := config.ElevenLabsConfig{
		APIKey:       "test-key",
		VoiceID:      "test-voice",
		Model:        "eleven_flash_v2_5",
		Endpoint:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		OutputFormat: "pcm_16000",
	}
	synth := NewElevenLabsSynth(cfg, 16000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chunks, errs := synth.Synthesize(ctx, SynthRequest{SessionID: "s1", TurnID: "t1", Text: "hello"})

	select {
	case _, ok := <-chunks:
		if !ok {
			t.Fatal("chunk stream closed before first chunk")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk received")
	}

	cancel()

	// The streaming goroutine must notice the cancelled request and close
	// its channels instead of blocking on the full chunk buffer.
	deadline := time.After(2 * time.Second)
	for chunks != nil || errs != nil {
		select {
		case _, ok := <-chunks:
			if !ok {
				chunks = nil
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		case <-deadline:
			t.Fatal("synthesizer still streaming after request was abandoned")
		}
	}
}

func TestSynthesizeCompletesShortStream(t *testing.T) {
	srv := fakeStreamInput(t, 2)
	defer srv.Close()

	cfg := config.ElevenLabsConfig{
		APIKey:       "test-key",
		VoiceID:      "test-voice",
		Model:        "eleven_flash_v2_5",
		Endpoint:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		OutputFormat: "pcm_16000",
	}
	synth := NewElevenLabsSynth(cfg, 16000)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chunks, errs := synth.Synthesize(ctx, SynthRequest{SessionID: "s1", TurnID: "t1", Text: "hello"})

	var audio, finals int
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if chunk.Final {
				finals++
			} else {
				audio++
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				t.Fatalf("unexpected stream error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("stream did not finish")
		}
	}
	if audio != 2 || finals != 1 {
		t.Fatalf("got %d audio chunks and %d final markers, want 2 and 1", audio, finals)
	}
}
