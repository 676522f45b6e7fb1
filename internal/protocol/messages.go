package protocol

import "time"

// AudioFrame represents PCM audio streamed in from the client connection.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents STT output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// LLMRequest asks the language model for a coaching turn.
type LLMRequest struct {
	SessionID   string    `json:"session_id"`
	TurnID      string    `json:"turn_id"`
	Prompt      string    `json:"prompt"`
	System      string    `json:"system,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// LLMResponse carries model output, streamed as partial chunks then a final.
type LLMResponse struct {
	SessionID        string    `json:"session_id"`
	TurnID           string    `json:"turn_id"`
	Content          string    `json:"content"`
	Partial          bool      `json:"partial"`
	PromptTokens     int       `json:"prompt_tokens,omitempty"`
	CompletionTokens int       `json:"completion_tokens,omitempty"`
	LatencyMS        int64     `json:"latency_ms"`
	Timestamp        time.Time `json:"timestamp"`
}

// TTSRequest asks for speech synthesis of a coach response.
type TTSRequest struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	Text      string `json:"text"`
	Voice     string `json:"voice"`
}

// AudioChunk is synthesized PCM heading back out to the client.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	TurnID     string `json:"turn_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSStatus signals completion of one synthesis request.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Completed bool      `json:"completed"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectLLMRequest        = "llm.request"
	SubjectLLMResponseChunk  = "llm.response.partial"
	SubjectLLMResponseFinal  = "llm.response.final"
	SubjectTTSRequest        = "tts.request"
	SubjectTTSAudio          = "tts.audio"
	SubjectTTSDone           = "tts.done"
)
