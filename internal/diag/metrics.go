package diag

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Canonical service identifiers. Accumulator keys are the lower-cased
// service name; callers must use identifiers that stay distinct after
// folding, which these satisfy.
const (
	ServiceDeepgram   = "deepgram"
	ServiceOpenAI     = "openai"
	ServiceElevenLabs = "elevenlabs"
)

// EventConnectionEstablished is the one transport event label that counts
// toward the connection counter. Any other label is logged but not counted.
const EventConnectionEstablished = "connection_established"

// ErrorRecord is the immutable structured representation of one reported
// failure. Records are retained for the life of the session and flushed
// into the final metrics snapshot.
type ErrorRecord struct {
	Context   string         `json:"context"`
	Kind      string         `json:"error_type"`
	Message   string         `json:"error_message"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Extra     map[string]any `json:"additional_data,omitempty"`
}

// Summary is the fixed-shape session rollup computed by Summarize.
type Summary struct {
	SessionID              string         `json:"session_id"`
	DurationSeconds        float64        `json:"session_duration_seconds"`
	TotalRequests          int            `json:"total_requests"`
	SuccessfulRequests     int            `json:"successful_requests"`
	FailedRequests         int            `json:"failed_requests"`
	AverageResponseSeconds float64        `json:"average_response_seconds"`
	ServiceCalls           map[string]int `json:"service_calls"`
	Connections            int            `json:"connections"`
	ErrorCount             int            `json:"error_count"`
}

// Snapshot is the complete persisted dump of session counters, samples and
// errors written at session end.
type Snapshot struct {
	Summary
	SessionStart  time.Time     `json:"session_start"`
	ResponseTimes []float64     `json:"response_times_seconds"`
	Errors        []ErrorRecord `json:"errors"`
}

// Accumulator maintains counters and samples for exactly one session. All
// operations are O(1) except Summarize, which walks the sample sequence.
// It is not designed for reuse across overlapping sessions.
type Accumulator struct {
	mu           sync.Mutex
	router       *Router
	sessionID    string
	sessionStart time.Time
	total        int
	successful   int
	failed       int
	serviceCalls map[string]int
	connections  int
	samples      []time.Duration
	errors       []ErrorRecord
	clock        func() time.Time
}

// NewAccumulator builds an accumulator that reports through the given
// router.
func NewAccumulator(router *Router) *Accumulator {
	return &Accumulator{
		router:       router,
		sessionStart: time.Now(),
		serviceCalls: make(map[string]int),
		clock:        time.Now,
	}
}

// BindSession attaches the accumulator to a session and resets the
// session-start timestamp. Counters are not cleared: the accumulator
// lives exactly as long as one session.
func (a *Accumulator) BindSession(sessionID string, start time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionID = sessionID
	a.sessionStart = start
}

// RecordAPICall accounts one remote service call and logs it on the api
// channel. The duration joins the response-time sample sequence regardless
// of outcome.
func (a *Accumulator) RecordAPICall(service string, duration time.Duration, success bool, details map[string]any) {
	key := strings.ToLower(service)

	a.mu.Lock()
	a.serviceCalls[key]++
	a.samples = append(a.samples, duration)
	a.total++
	if success {
		a.successful++
	} else {
		a.failed++
	}
	a.mu.Unlock()

	msg := fmt.Sprintf("%s call completed in %.3fs", key, duration.Seconds())
	level := slog.LevelInfo
	if !success {
		msg = fmt.Sprintf("%s call failed after %.3fs", key, duration.Seconds())
		level = slog.LevelError
	}
	a.router.Emit(ChannelAPI, level, msg, anyPayload(details))
}

// RecordTransportEvent logs a transport event and increments the
// connection counter exactly when the label matches
// EventConnectionEstablished.
func (a *Accumulator) RecordTransportEvent(event, clientInfo string, details map[string]any) {
	if event == EventConnectionEstablished {
		a.mu.Lock()
		a.connections++
		a.mu.Unlock()
	}

	msg := event
	if clientInfo != "" {
		msg = fmt.Sprintf("%s [%s]", event, clientInfo)
	}
	a.router.Info(ChannelTransport, msg, anyPayload(details))
}

// RecordError appends an immutable error record and logs it at error
// level on the session channel, short line first then the full dump.
func (a *Accumulator) RecordError(err error, context string, extra map[string]any) {
	a.mu.Lock()
	record := ErrorRecord{
		Context:   context,
		Kind:      fmt.Sprintf("%T", err),
		Message:   err.Error(),
		Timestamp: a.clock(),
		SessionID: a.sessionID,
		Extra:     extra,
	}
	a.errors = append(a.errors, record)
	a.mu.Unlock()

	a.router.Error(ChannelSession, fmt.Sprintf("error in %s: %v", context, err), record)
}

// Summarize computes the session rollup. The average response time is
// recomputed from the full sample sequence on every call rather than
// maintained incrementally, so repeated calls with no new samples return
// identical values.
func (a *Accumulator) Summarize() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summaryLocked()
}

func (a *Accumulator) summaryLocked() Summary {
	var avg float64
	if len(a.samples) > 0 {
		var sum time.Duration
		for _, d := range a.samples {
			sum += d
		}
		avg = sum.Seconds() / float64(len(a.samples))
	}

	calls := make(map[string]int, len(a.serviceCalls))
	for k, v := range a.serviceCalls {
		calls[k] = v
	}

	return Summary{
		SessionID:              a.sessionID,
		DurationSeconds:        a.clock().Sub(a.sessionStart).Seconds(),
		TotalRequests:          a.total,
		SuccessfulRequests:     a.successful,
		FailedRequests:         a.failed,
		AverageResponseSeconds: avg,
		ServiceCalls:           calls,
		Connections:            a.connections,
		ErrorCount:             len(a.errors),
	}
}

// Snapshot returns the point-in-time full dump used for the session-end
// artifact.
func (a *Accumulator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	times := make([]float64, len(a.samples))
	for i, d := range a.samples {
		times[i] = d.Seconds()
	}
	errs := append([]ErrorRecord(nil), a.errors...)

	return Snapshot{
		Summary:       a.summaryLocked(),
		SessionStart:  a.sessionStart,
		ResponseTimes: times,
		Errors:        errs,
	}
}

// anyPayload keeps nil maps from producing a spurious payload line.
func anyPayload(details map[string]any) any {
	if len(details) == 0 {
		return nil
	}
	return details
}
