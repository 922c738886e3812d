package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/api"
	"github.com/loqalabs/loqa-tts/internal/audio"
	"github.com/loqalabs/loqa-tts/internal/bus"
	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/loqalabs/loqa-tts/internal/engine"
	"github.com/loqalabs/loqa-tts/internal/engine/kokoro"
	"github.com/loqalabs/loqa-tts/internal/gate"
	"github.com/loqalabs/loqa-tts/internal/natsserver"
	"github.com/loqalabs/loqa-tts/internal/observe"
	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/loqalabs/loqa-tts/internal/worker"
)

// Runtime owns the process lifecycle: telemetry, engine, transports.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  *telemetry
	pipeline   engine.Pipeline
	pool       *worker.Pool
	svc        *tts.Service
	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	responder  *tts.Responder
	ready      atomic.Bool
	wg         sync.WaitGroup

	addr    atomic.Value
	started chan struct{}
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		started: make(chan struct{}),
	}
}

// Started is closed once the HTTP listener accepts connections.
func (r *Runtime) Started() <-chan struct{} { return r.started }

// Addr returns the bound listener address after Started.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Start loads the engine, starts every transport, and blocks until ctx is
// cancelled or the HTTP server fails. It always releases what it started.
func (r *Runtime) Start(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.shutdown()

	r.telemetry, err = setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	metrics, err := observe.NewMetrics(r.telemetry.meterProvider)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	g := gate.New(r.cfg.Concurrency.MaxInflight, r.cfg.Concurrency.MaxQueue)
	if err := metrics.ObserveGate(g); err != nil {
		return fmt.Errorf("failed to register gate metrics: %w", err)
	}
	r.pool = worker.New(r.cfg.Concurrency.PoolSize)
	r.svc = tts.NewService(r.cfg, g, r.pool, audio.NewAssembler(r.cfg.Kokoro.SampleRate), metrics, r.logger)

	loadStart := time.Now()
	r.pipeline, err = r.loadPipeline(ctx)
	if err != nil {
		return fmt.Errorf("failed to load engine: %w", err)
	}
	r.svc.SetPipeline(r.pipeline)
	info := r.pipeline.Info()
	r.logger.Info("engine loaded",
		slog.String("engine", info.Name),
		slog.String("lang_code", r.cfg.Kokoro.LangCode),
		slog.Bool("cuda", info.Accelerated),
		slog.Duration("elapsed", time.Since(loadStart)),
	)

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx, metrics); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if r.telemetry.metricsHandler != nil {
		path := r.cfg.Telemetry.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, r.telemetry.metricsHandler)
	}
	api.New(r.cfg, r.svc, metrics, r.logger).Register(mux)

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	r.httpServer = &http.Server{
		Handler:           observe.Middleware(metrics, r.logger)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	r.addr.Store(listener.Addr().String())
	r.ready.Store(true)
	close(r.started)
	r.logger.Info("runtime started",
		slog.String("addr", listener.Addr().String()),
		slog.Int("max_inflight_per_worker", r.cfg.Concurrency.MaxInflight),
	)

	select {
	case <-ctx.Done():
		r.logger.Info("runtime stopping")
	case err = <-serveErr:
		r.logger.Error("http server failed", slog.String("error", err.Error()))
		err = fmt.Errorf("http server: %w", err)
	}
	return err
}

func (r *Runtime) loadPipeline(ctx context.Context) (engine.Pipeline, error) {
	k := r.cfg.Kokoro
	e := r.cfg.Engine
	switch e.Mode {
	case "mock":
		return engine.NewMock(k.LangCode, k.SampleRate, e.ChunkDurationMS), nil
	case "exec":
		return engine.NewExec(e.Command, k.LangCode, k.SampleRate)
	case "worker":
		startCtx, cancel := context.WithTimeout(ctx, time.Duration(e.StartTimeoutMS)*time.Millisecond)
		defer cancel()
		return engine.NewWorker(startCtx, engine.WorkerOptions{
			Command:      e.Command,
			Processes:    e.Processes,
			LangCode:     k.LangCode,
			Voice:        k.Voice,
			WarmupText:   e.WarmupText,
			StartTimeout: time.Duration(e.StartTimeoutMS) * time.Millisecond,
		}, r.logger)
	case "sherpa":
		provider := strings.ToLower(e.Provider)
		if provider == "auto" {
			provider = "cpu"
			if engine.CUDAAvailable() {
				provider = "cuda"
			}
		}
		return kokoro.New(kokoro.Options{
			ModelDir:   e.ModelDir,
			LangCode:   k.LangCode,
			Provider:   provider,
			NumThreads: e.NumThreads,
			Speed:      e.Speed,
			SampleRate: k.SampleRate,
			Speakers:   e.Speakers,
		}, r.logger)
	default:
		return nil, fmt.Errorf("unknown engine mode %q", e.Mode)
	}
}

func (r *Runtime) startBus(ctx context.Context, metrics *observe.Metrics) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	// Bus requests outlive the signal so Close can drain them.
	r.responder = tts.NewResponder(context.WithoutCancel(ctx), busCfg, r.bus, r.svc, metrics, r.logger)
	if err := r.responder.Start(); err != nil {
		return fmt.Errorf("failed to subscribe for bus requests: %w", err)
	}
	return nil
}

// shutdown stops transports first so no new work arrives, then drains the
// worker pool before closing the engine.
func (r *Runtime) shutdown() {
	r.ready.Store(false)
	timeout := time.Duration(r.cfg.HTTP.ShutdownTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.responder != nil {
		r.responder.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()

	if r.pool != nil {
		r.pool.Close()
	}
	if r.svc != nil {
		r.svc.SetPipeline(nil)
	}
	if r.pipeline != nil {
		if err := r.pipeline.Close(); err != nil {
			r.logger.Error("engine close error", slog.String("error", err.Error()))
		}
	}

	if r.telemetry != nil {
		if err := r.telemetry.shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.svc.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
