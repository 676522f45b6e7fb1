package natsserver

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/snapconnect/coach-core/internal/config"
	"github.com/snapconnect/coach-core/internal/diag"
)

// EmbeddedServer runs an in-process NATS broker so the voice service is a
// single binary with no external bus dependency.
type EmbeddedServer struct {
	ns     *server.Server
	router *diag.Router
}

// Start brings up the embedded broker when embedded mode is enabled;
// returns (nil, nil) otherwise.
func Start(cfg config.BusConfig, router *diag.Router) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	opts := &server.Options{
		Host: "127.0.0.1",
		Port: cfg.Port,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded bus: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded bus failed to start within 5 seconds")
	}

	router.Info(diag.ChannelPipeline, "embedded stage bus started", map[string]any{"port": cfg.Port})

	return &EmbeddedServer{ns: ns, router: router}, nil
}

func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.router.Info(diag.ChannelPipeline, "shutting down embedded stage bus", nil)
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
