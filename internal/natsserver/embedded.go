// Package natsserver runs an in-process NATS server so a single voxd
// binary needs no external broker.
package natsserver

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/voxread-labs/voxread-core/internal/config"
)

// EmbeddedServer wraps a NATS server instance for zero-dependency
// deployment.
type EmbeddedServer struct {
	ns  *server.Server
	log *slog.Logger
}

// Start creates and starts an embedded NATS server. Returns (nil, nil)
// when the config does not ask for one.
func Start(cfg config.BusConfig, log *slog.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	opts := &server.Options{
		Host:  "127.0.0.1",
		Port:  cfg.Port,
		Trace: false,
		Debug: false,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}

	log.Info("embedded NATS server started", slog.Int("port", cfg.Port))

	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL returns the URL local clients should connect to.
func (e *EmbeddedServer) ClientURL() string {
	if e == nil || e.ns == nil {
		return ""
	}
	return e.ns.ClientURL()
}

// Shutdown gracefully stops the embedded server.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.log.Info("shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
