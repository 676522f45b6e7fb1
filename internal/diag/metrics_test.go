package diag

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func newTestAccumulator(t *testing.T) (*Accumulator, string) {
	t.Helper()
	r, dir := newTestRouter(t, nil)
	return NewAccumulator(r), dir
}

func TestAPICallAccounting(t *testing.T) {
	a, _ := newTestAccumulator(t)

	for i := 0; i < 3; i++ {
		a.RecordAPICall(ServiceDeepgram, 500*time.Millisecond, true, nil)
	}
	a.RecordAPICall(ServiceDeepgram, 2*time.Second, false, nil)

	s := a.Summarize()
	if s.SuccessfulRequests != 3 || s.FailedRequests != 1 {
		t.Fatalf("got %d ok / %d failed, want 3/1", s.SuccessfulRequests, s.FailedRequests)
	}
	if s.TotalRequests != 4 {
		t.Fatalf("got total %d, want 4", s.TotalRequests)
	}
	if s.ServiceCalls[ServiceDeepgram] != 4 {
		t.Fatalf("got %d deepgram calls, want 4", s.ServiceCalls[ServiceDeepgram])
	}
	if math.Abs(s.AverageResponseSeconds-0.875) > 1e-6 {
		t.Fatalf("got average %.6f, want 0.875", s.AverageResponseSeconds)
	}
}

func TestSuccessPlusFailedEqualsCalls(t *testing.T) {
	a, _ := newTestAccumulator(t)
	n := 17
	for i := 0; i < n; i++ {
		a.RecordAPICall(ServiceOpenAI, time.Duration(i)*time.Millisecond, i%3 != 0, nil)
	}
	s := a.Summarize()
	if s.SuccessfulRequests+s.FailedRequests != n {
		t.Fatalf("ok+failed = %d, want %d", s.SuccessfulRequests+s.FailedRequests, n)
	}
}

func TestAverageRecomputedWithoutDrift(t *testing.T) {
	a, _ := newTestAccumulator(t)
	a.RecordAPICall(ServiceElevenLabs, 300*time.Millisecond, true, nil)
	a.RecordAPICall(ServiceElevenLabs, 700*time.Millisecond, true, nil)

	first := a.Summarize()
	second := a.Summarize()
	if first.AverageResponseSeconds != second.AverageResponseSeconds {
		t.Fatalf("average drifted between calls: %.9f vs %.9f",
			first.AverageResponseSeconds, second.AverageResponseSeconds)
	}
	if math.Abs(first.AverageResponseSeconds-0.5) > 1e-6 {
		t.Fatalf("got average %.6f, want 0.5", first.AverageResponseSeconds)
	}
}

func TestAverageZeroWithoutSamples(t *testing.T) {
	a, _ := newTestAccumulator(t)
	if avg := a.Summarize().AverageResponseSeconds; avg != 0 {
		t.Fatalf("expected 0 average with no samples, got %f", avg)
	}
	if total := a.Summarize().TotalRequests; total != 0 {
		t.Fatalf("expected 0 total requests on fresh session, got %d", total)
	}
}

func TestConnectionCounterSentinel(t *testing.T) {
	a, _ := newTestAccumulator(t)

	a.RecordTransportEvent(EventConnectionEstablished, "10.0.0.1:52110", nil)
	if got := a.Summarize().Connections; got != 1 {
		t.Fatalf("expected 1 connection, got %d", got)
	}

	for _, label := range []string{"connection_closed", "message_received", "Connection_Established"} {
		a.RecordTransportEvent(label, "", nil)
	}
	if got := a.Summarize().Connections; got != 1 {
		t.Fatalf("non-matching labels changed the counter: got %d", got)
	}
}

func TestCaseFoldedServiceKeys(t *testing.T) {
	a, _ := newTestAccumulator(t)
	a.RecordAPICall("Deepgram", time.Millisecond, true, nil)
	a.RecordAPICall("DEEPGRAM", time.Millisecond, true, nil)
	if got := a.Summarize().ServiceCalls[ServiceDeepgram]; got != 2 {
		t.Fatalf("expected case-folded key with 2 calls, got %d", got)
	}
}

func TestRecordError(t *testing.T) {
	a, dir := newTestAccumulator(t)
	a.BindSession("voice_session_42", time.Now())

	a.RecordError(errors.New("socket reset"), "deepgram stream", map[string]any{"attempt": 2})

	snap := a.Snapshot()
	if len(snap.Errors) != 1 {
		t.Fatalf("expected 1 error record, got %d", len(snap.Errors))
	}
	rec := snap.Errors[0]
	if rec.Context != "deepgram stream" || rec.Message != "socket reset" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.SessionID != "voice_session_42" {
		t.Fatalf("record missing session id: %+v", rec)
	}

	content := readChannel(t, dir, ChannelSession)
	if !strings.Contains(content, "error in deepgram stream") {
		t.Fatal("session channel missing error line")
	}
	if !strings.Contains(content, "payload:") {
		t.Fatal("session channel missing structured error dump")
	}
}

func TestSnapshotCarriesSamples(t *testing.T) {
	a, _ := newTestAccumulator(t)
	a.RecordAPICall(ServiceDeepgram, 250*time.Millisecond, true, nil)
	snap := a.Snapshot()
	if len(snap.ResponseTimes) != 1 || math.Abs(snap.ResponseTimes[0]-0.25) > 1e-9 {
		t.Fatalf("unexpected response times: %v", snap.ResponseTimes)
	}
}
