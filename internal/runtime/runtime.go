// Package runtime is the composition root: it wires telemetry, the bus,
// the progress store, the speech device, and the playback controller
// behind one HTTP API and manages their lifecycle.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxread-labs/voxread-core/internal/bus"
	"github.com/voxread-labs/voxread-core/internal/config"
	"github.com/voxread-labs/voxread-core/internal/device"
	"github.com/voxread-labs/voxread-core/internal/extract"
	"github.com/voxread-labs/voxread-core/internal/natsserver"
	"github.com/voxread-labs/voxread-core/internal/playback"
	"github.com/voxread-labs/voxread-core/internal/progress"
	"github.com/voxread-labs/voxread-core/internal/segment"
	"github.com/voxread-labs/voxread-core/internal/voices"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded   *natsserver.EmbeddedServer
	busClient  *bus.Client
	store      *progress.Store
	controller *playback.Controller
	extractor  extract.Extractor
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every subsystem up, serves the API, and blocks until ctx
// is canceled, then tears down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	pub, err := r.connectBus(ctx)
	if err != nil {
		return err
	}

	r.store, err = progress.Open(ctx, r.cfg.Progress, r.logger)
	if err != nil {
		return fmt.Errorf("open progress store: %w", err)
	}

	r.extractor, err = extract.New(r.cfg.Extract)
	if err != nil {
		return fmt.Errorf("build extractor: %w", err)
	}

	dev, err := buildDevice(r.cfg.Device)
	if err != nil {
		return fmt.Errorf("build speech device: %w", err)
	}
	adapter := device.NewAdapter(dev, device.PolicyFromConfig(r.cfg.Device), r.logger)

	voice, _ := voices.Find(voices.Criteria{
		Locale:  r.cfg.Playback.VoiceLocale,
		Quality: r.cfg.Playback.VoiceQuality,
	})
	r.controller = playback.New(ctx, adapter, r.store, pub, playback.Options{
		Segmenter: segment.Options{
			MaxChunkChars: r.cfg.Segmenter.MaxChunkChars,
			MinChunkChars: r.cfg.Segmenter.MinChunkChars,
		},
		Rate:  r.cfg.Playback.Rate,
		Pitch: r.cfg.Playback.Pitch,
		Voice: voice,
	}, r.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	r.registerAPI(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("device_mode", r.cfg.Device.Mode),
		slog.String("voice", voices.DisplayName(voice)))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.controller.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Error("progress store close error", slog.String("error", err.Error()))
	}
	r.busClient.Close()
	r.embedded.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// connectBus starts the embedded server when asked and connects the
// client. With the bus disabled it returns a publisher that drops
// everything.
func (r *Runtime) connectBus(ctx context.Context) (playback.Publisher, error) {
	if !r.cfg.Bus.Enabled {
		return playback.NopPublisher(), nil
	}

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return nil, fmt.Errorf("start embedded bus: %w", err)
	}
	r.embedded = embedded

	busCfg := r.cfg.Bus
	if embedded != nil && len(busCfg.Servers) == 0 {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		r.embedded.Shutdown()
		return nil, fmt.Errorf("connect bus: %w", err)
	}
	r.busClient = client
	return bus.NewPublisher(client, r.logger), nil
}

func buildDevice(cfg config.DeviceConfig) (device.Device, error) {
	switch cfg.Mode {
	case "mock", "":
		return device.NewMockDevice(50 * time.Millisecond), nil
	case "exec":
		return device.NewExecDevice(cfg.Command)
	}
	return nil, fmt.Errorf("unknown device mode %q", cfg.Mode)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load()
	if ready && r.cfg.Bus.Enabled && !r.busClient.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
