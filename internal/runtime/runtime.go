package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voiceclone/internal/audio"
	"github.com/loqalabs/loqa-voiceclone/internal/bus"
	"github.com/loqalabs/loqa-voiceclone/internal/capability"
	"github.com/loqalabs/loqa-voiceclone/internal/config"
	"github.com/loqalabs/loqa-voiceclone/internal/eventstore"
	"github.com/loqalabs/loqa-voiceclone/internal/natsserver"
	"github.com/loqalabs/loqa-voiceclone/internal/synth"
	"github.com/loqalabs/loqa-voiceclone/internal/tts"
	"github.com/loqalabs/loqa-voiceclone/internal/webui"
)

// ErrModelUnavailable is returned by Start when the model directory cannot be loaded.
var ErrModelUnavailable = errors.New("model unavailable")

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	history     *eventstore.Store
	natsServer  *natsserver.EmbeddedServer
	bus         *bus.Client
	service     *synth.Service
	registry    *capability.Registry
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	model, err := tts.Load(r.cfg.Model, r.logger)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}

	writer := audio.Writer{Dir: r.cfg.Output.Dir, Prefix: r.cfg.Output.Prefix, BitDepth: r.cfg.Output.BitDepth}
	minPrompt := time.Duration(r.cfg.Model.MinPromptSeconds * float64(time.Second))
	opts := []synth.Option{synth.WithMinPromptDuration(minPrompt)}
	if r.cfg.Model.NormalizeText {
		opts = append(opts, synth.WithTextNormalization())
	}
	pipeline := synth.NewPipeline(model, writer, r.logger, opts...)

	r.history, err = eventstore.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	handler := synth.Recorded(pipeline, r.history, r.logger)

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx, handler, model.SampleRate()); err != nil {
			return err
		}
	}

	ui, err := webui.New(handler, r.history, webui.Options{
		OutputDir:        r.cfg.Output.Dir,
		OutputPrefix:     r.cfg.Output.Prefix,
		MaxUploadBytes:   int64(r.cfg.HTTP.MaxUploadMB) << 20,
		MinPromptSeconds: r.cfg.Model.MinPromptSeconds,
		Metrics:          metricsHandler,
		Ready:            r.isReady,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build web ui: %w", err)
	}

	addr := net.JoinHostPort(r.cfg.HTTP.ListenHost(), strconv.Itoa(r.cfg.HTTP.Port))
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           ui.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.Bool("share", r.cfg.HTTP.Share))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context, handler synth.Handler, sampleRate int) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.natsServer = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	timeout := time.Duration(busCfg.RequestTimeoutMS) * time.Millisecond
	r.service = synth.NewService(ctx, handler, r.bus, r.cfg.Node.ID, timeout, r.logger)
	if err := r.service.Start(); err != nil {
		return err
	}

	local := []capability.Capability{{
		Name: capability.ZeroShotTTS,
		Attributes: map[string]string{
			"sample_rate": strconv.Itoa(sampleRate),
			"model":       filepath.Base(r.cfg.Model.Dir),
		},
	}}
	r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, local, r.bus, r.logger)
	return err
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.service != nil && !r.service.Healthy() {
		return false
	}
	return r.registry == nil || r.registry.Healthy()
}

// shutdown releases everything Start acquired, in reverse order.
func (r *Runtime) shutdown() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.service != nil {
		r.service.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.natsServer.Shutdown()
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Error("history close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
