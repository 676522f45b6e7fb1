// Package runtime assembles the five-stage voice loop and owns its
// lifecycle: diagnostics first, then the stage bus, then each stage in
// order, with session finalization guaranteed on every exit path.
package runtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snapconnect/coach-core/internal/bus"
	"github.com/snapconnect/coach-core/internal/config"
	"github.com/snapconnect/coach-core/internal/diag"
	"github.com/snapconnect/coach-core/internal/history"
	"github.com/snapconnect/coach-core/internal/llm"
	"github.com/snapconnect/coach-core/internal/natsserver"
	"github.com/snapconnect/coach-core/internal/router"
	"github.com/snapconnect/coach-core/internal/stt"
	"github.com/snapconnect/coach-core/internal/transport"
	"github.com/snapconnect/coach-core/internal/tts"
)

type Runtime struct {
	cfg config.Config

	ready atomic.Bool
	// checks are the per-stage health probes behind /readyz, fixed once
	// the pipeline is assembled.
	checks []func() bool
	wg     sync.WaitGroup
}

func New(cfg config.Config) *Runtime {
	return &Runtime{cfg: cfg}
}

// Start runs the service until ctx is cancelled or startup fails. A
// cancelled context is the normal shutdown path and returns nil.
func (r *Runtime) Start(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logRouter, err := diag.NewRouter(
		r.cfg.Diagnostics.LogDir,
		diag.ParseLevel(r.cfg.Diagnostics.Level),
		r.cfg.Diagnostics.ChannelLevels,
	)
	if err != nil {
		return fmt.Errorf("init diagnostics: %w", err)
	}
	defer logRouter.Close()

	metrics := diag.NewAccumulator(logRouter)
	timing := diag.NewTiming(logRouter, metrics)
	recorder := diag.NewSessionRecorder(logRouter, metrics)
	sessionID := recorder.Start(r.configSummary())

	// Session finalization runs on every exit path. Runtime failures are
	// recorded before the summary so they land in the snapshot.
	defer func() {
		if err != nil {
			metrics.RecordError(err, "service runtime", nil)
		}
		if endErr := recorder.End(); endErr != nil {
			logRouter.Error(diag.ChannelSession, "failed to persist session snapshot",
				map[string]any{"error": endErr.Error()})
		}
	}()

	_, op := timing.Begin(ctx, "telemetry setup")
	telemetryShutdown, metricsHandler, err := setupTelemetry(r.cfg, logRouter)
	if err = op.End(err); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if shutdownErr := telemetryShutdown(shutdownCtx); shutdownErr != nil {
			logRouter.Warn(diag.ChannelPipeline, "telemetry shutdown error",
				map[string]any{"error": shutdownErr.Error()})
		}
	}()

	_, op = timing.Begin(ctx, "stage bus startup")
	embedded, err := natsserver.Start(r.cfg.Bus, logRouter)
	if err = op.End(err); err != nil {
		return err
	}
	defer embedded.Shutdown()

	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
	}
	_, op = timing.Begin(ctx, "stage bus connect")
	busClient, err := bus.Connect(busCfg, logRouter)
	if err = op.End(err); err != nil {
		return err
	}
	defer busClient.Close()

	_, op = timing.Begin(ctx, "history store open")
	store, err := history.Open(ctx, r.cfg.History, logRouter)
	if err = op.End(err); err != nil {
		return err
	}
	defer store.Close()
	if err := store.BeginSession(ctx, sessionID); err != nil {
		logRouter.Warn(diag.ChannelSession, "failed to register session in history",
			map[string]any{"error": err.Error()})
	}

	logRouter.Info(diag.ChannelPipeline, "initializing deepgram stt",
		map[string]any{"model": r.cfg.Deepgram.Model, "language": r.cfg.Deepgram.Language})
	_, op = timing.Begin(ctx, "speech recognition stage")
	sttService := stt.NewService(ctx, r.cfg.Deepgram, busClient, stt.NewDeepgramRecognizer(r.cfg.Deepgram), metrics)
	if err = op.End(sttService.Start()); err != nil {
		return err
	}
	defer sttService.Close()

	logRouter.Info(diag.ChannelPipeline, "initializing openai llm",
		map[string]any{"model": r.cfg.OpenAI.Model})
	_, op = timing.Begin(ctx, "coach turn stage")
	llmService := llm.NewService(ctx, r.cfg.OpenAI, busClient, llm.NewOpenAIGenerator(r.cfg.OpenAI), metrics)
	if err = op.End(llmService.Start()); err != nil {
		return err
	}
	defer llmService.Close()

	logRouter.Info(diag.ChannelPipeline, "initializing elevenlabs tts",
		map[string]any{"voice_id": r.cfg.ElevenLabs.VoiceID, "model": r.cfg.ElevenLabs.Model})
	_, op = timing.Begin(ctx, "speech synthesis stage")
	ttsService := tts.NewService(ctx, r.cfg.ElevenLabs, busClient,
		tts.NewElevenLabsSynth(r.cfg.ElevenLabs, r.cfg.Deepgram.SampleRate), metrics)
	if err = op.End(ttsService.Start()); err != nil {
		return err
	}
	defer ttsService.Close()

	_, op = timing.Begin(ctx, "turn routing stage")
	turnRouter := router.NewService(ctx, r.cfg, busClient, store)
	if err = op.End(turnRouter.Start()); err != nil {
		return err
	}
	defer turnRouter.Close()

	logRouter.Info(diag.ChannelPipeline, "starting websocket transport",
		map[string]any{"host": r.cfg.Server.Bind, "port": r.cfg.Server.Port})
	_, op = timing.Begin(ctx, "client transport stage")
	server := transport.NewServer(ctx, r.cfg.Server, r.cfg.Deepgram, busClient, metrics, sessionID)
	if err = op.End(server.Start()); err != nil {
		return err
	}
	defer server.Close()

	r.checks = []func() bool{
		busClient.Healthy,
		sttService.Healthy,
		llmService.Healthy,
		ttsService.Healthy,
		turnRouter.Healthy,
		server.Healthy,
	}
	adminServer := r.startAdminServer(logRouter, metricsHandler)
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = adminServer.Shutdown(shutdownCtx)
	}()

	r.ready.Store(true)
	logRouter.Info(diag.ChannelSession,
		fmt.Sprintf("coach voice service listening on %s:%d", r.cfg.Server.Bind, r.cfg.Server.Port), nil)

	<-ctx.Done()
	r.ready.Store(false)
	logRouter.Info(diag.ChannelSession, "shutdown requested, stopping pipeline", nil)
	return nil
}

// configSummary is the structured dump logged at session start. It names
// the knobs that matter and never includes credentials.
func (r *Runtime) configSummary() map[string]any {
	return map[string]any{
		"host":                r.cfg.Server.Bind,
		"port":                r.cfg.Server.Port,
		"deepgram_model":      r.cfg.Deepgram.Model,
		"openai_model":        r.cfg.OpenAI.Model,
		"elevenlabs_voice_id": r.cfg.ElevenLabs.VoiceID,
		"elevenlabs_model":    r.cfg.ElevenLabs.Model,
		"log_dir":             r.cfg.Diagnostics.LogDir,
	}
}

func (r *Runtime) adminMux(metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !r.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		for _, healthy := range r.checks {
			if !healthy() {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("degraded"))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	return mux
}

func (r *Runtime) startAdminServer(logRouter *diag.Router, metricsHandler http.Handler) *http.Server {
	mux := r.adminMux(metricsHandler)

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, fmt.Sprintf("%d", r.cfg.HTTP.Port))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logRouter.Warn(diag.ChannelPipeline, "admin server failed",
				map[string]any{"error": err.Error()})
		}
	}()
	return server
}
