package diag

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// SessionRecorder bounds the process-wide session to one start/end pair
// and emits the final summary plus a persisted metrics snapshot.
type SessionRecorder struct {
	router  *Router
	metrics *Accumulator
	dir     string
	id      string
	started time.Time
	clock   func() time.Time
}

// NewSessionRecorder builds a recorder that persists snapshots next to the
// router's channel logs.
func NewSessionRecorder(router *Router, metrics *Accumulator) *SessionRecorder {
	return &SessionRecorder{
		router:  router,
		metrics: metrics,
		dir:     router.Dir(),
		clock:   time.Now,
	}
}

// ID returns the current session identifier, empty before Start.
func (s *SessionRecorder) ID() string {
	return s.id
}

// Start opens the session: derives the id from the current time, logs the
// start banner and configuration dump, and resets the accumulator's
// session-start timestamp.
func (s *SessionRecorder) Start(config any) string {
	s.started = s.clock()
	s.id = fmt.Sprintf("voice_session_%d", s.started.Unix())
	s.metrics.BindSession(s.id, s.started)

	s.router.Info(ChannelSession, "starting coach voice session: "+s.id, nil)
	s.router.Info(ChannelSession, "configuration loaded", config)
	return s.id
}

// End closes the session: logs total duration, emits the summary on the
// performance channel, and persists the full metrics snapshot to a
// session-named file. Calling End again re-emits the summary and
// overwrites the snapshot with the latest state.
func (s *SessionRecorder) End() error {
	duration := s.clock().Sub(s.started)
	s.router.Info(ChannelSession,
		fmt.Sprintf("voice session ended after %.2f seconds", duration.Seconds()), nil)

	summary := s.metrics.Summarize()
	s.emitSummary(summary)

	snapshot := s.metrics.Snapshot()
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metrics snapshot: %w", err)
	}
	path := filepath.Join(s.dir, "metrics_"+s.id+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write metrics snapshot: %w", err)
	}
	return nil
}

func (s *SessionRecorder) emitSummary(summary Summary) {
	s.router.Info(ChannelPerformance, "performance summary", nil)
	s.router.Info(ChannelPerformance,
		fmt.Sprintf("  session duration: %.2fs", summary.DurationSeconds), nil)
	s.router.Info(ChannelPerformance,
		fmt.Sprintf("  requests: %d total, %d ok, %d failed",
			summary.TotalRequests, summary.SuccessfulRequests, summary.FailedRequests), nil)
	s.router.Info(ChannelPerformance,
		fmt.Sprintf("  average response time: %.3fs", summary.AverageResponseSeconds), nil)
	for _, service := range []string{ServiceDeepgram, ServiceOpenAI, ServiceElevenLabs} {
		s.router.Info(ChannelPerformance,
			fmt.Sprintf("  %s calls: %d", service, summary.ServiceCalls[service]), nil)
	}
	s.router.Info(ChannelPerformance,
		fmt.Sprintf("  connections: %d", summary.Connections), nil)
	s.router.Info(ChannelPerformance,
		fmt.Sprintf("  errors: %d", summary.ErrorCount), nil)
}
