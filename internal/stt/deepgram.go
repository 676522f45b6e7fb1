package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/snapconnect/coach-core/internal/config"
)

type deepgramRecognizer struct {
	cfg    config.DeepgramConfig
	client *http.Client
}

// NewDeepgramRecognizer builds a recognizer backed by Deepgram's
// prerecorded transcription API. Each utterance is submitted as one raw
// PCM request.
func NewDeepgramRecognizer(cfg config.DeepgramConfig) Recognizer {
	return &deepgramRecognizer{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

func (d *deepgramRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	endpoint := strings.Replace(d.cfg.Endpoint, "wss://", "https://", 1)
	endpoint = strings.Replace(endpoint, "ws://", "http://", 1)

	params := url.Values{}
	params.Set("model", d.cfg.Model)
	params.Set("language", d.cfg.Language)
	params.Set("encoding", "linear16")
	params.Set("sample_rate", strconv.Itoa(sampleRate))
	params.Set("channels", strconv.Itoa(channels))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+params.Encode(), bytes.NewReader(pcm))
	if err != nil {
		return TranscriptResult{}, err
	}
	req.Header.Set("Authorization", "Token "+d.cfg.APIKey)
	req.Header.Set("Content-Type", "audio/raw")

	resp, err := d.client.Do(req)
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("deepgram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return TranscriptResult{}, fmt.Errorf("deepgram returned status %s: %s", resp.Status, body)
	}

	var decoded deepgramResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode deepgram response: %w", err)
	}
	if len(decoded.Results.Channels) == 0 || len(decoded.Results.Channels[0].Alternatives) == 0 {
		return TranscriptResult{}, nil
	}

	alt := decoded.Results.Channels[0].Alternatives[0]
	return TranscriptResult{Text: alt.Transcript, Confidence: alt.Confidence}, nil
}
