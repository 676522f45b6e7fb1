package bus

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/snapconnect/coach-core/internal/config"
	"github.com/snapconnect/coach-core/internal/diag"
)

// Client wraps the NATS connection carrying frames between pipeline
// stages.
type Client struct {
	conn   *nats.Conn
	router *diag.Router
}

func Connect(cfg config.BusConfig, router *diag.Router) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("no bus servers configured")
	}

	options := []nats.Option{
		nats.Name("coach-voice"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to bus: %w", err)
	}

	router.Info(diag.ChannelPipeline, "connected to stage bus", map[string]any{"servers": cfg.Servers})

	return &Client{conn: conn, router: router}, nil
}

func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.router.Info(diag.ChannelPipeline, "closing stage bus connection", nil)
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) Router() *diag.Router {
	return c.router
}
