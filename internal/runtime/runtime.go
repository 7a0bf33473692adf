package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/audio"
	"github.com/loqalabs/loqa-greeter/internal/bus"
	"github.com/loqalabs/loqa-greeter/internal/config"
	"github.com/loqalabs/loqa-greeter/internal/console"
	"github.com/loqalabs/loqa-greeter/internal/dispatch"
	"github.com/loqalabs/loqa-greeter/internal/eventstore"
	"github.com/loqalabs/loqa-greeter/internal/natsserver"
	"github.com/loqalabs/loqa-greeter/internal/playback"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
	"github.com/loqalabs/loqa-greeter/internal/source"
)

// EngineFactory builds the playback engine named by playback.engine.
type EngineFactory func(cfg config.PlaybackConfig, log *slog.Logger) (audio.Engine, error)

type Option func(*Runtime)

// WithEngine registers an engine factory under name, replacing any
// built-in factory of the same name.
func WithEngine(name string, f EngineFactory) Option {
	return func(r *Runtime) {
		r.engines[name] = f
	}
}

type Runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	engines map[string]EngineFactory

	httpServer   *http.Server
	metrics      http.Handler
	telemetryEnd func(context.Context) error

	embedded   *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	recorder   *Recorder
	manager    *playback.Manager
	dispatcher *dispatch.Dispatcher
	source     *source.Service
	console    *console.Service

	broadcastID string
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Runtime {
	r := &Runtime{
		cfg:    cfg,
		logger: logger,
		engines: map[string]EngineFactory{
			"mock": mockEngine,
			"exec": execEngine,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := r.open(ctx); err != nil {
		if cerr := r.close(); cerr != nil {
			r.logger.Error("cleanup after failed start", slogError(cerr))
		}
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("broadcast_id", r.broadcastID))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	r.wg.Wait()

	return r.close()
}

// open brings up every component in dependency order. On error the
// components opened so far are left for close to release.
func (r *Runtime) open(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryEnd = shutdownTelemetry
	r.metrics = metricsHandler

	r.embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	busCfg := r.cfg.Bus
	if r.embedded != nil {
		busCfg.Servers = []string{r.embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.broadcastID = r.cfg.Source.Room
	if r.broadcastID == "" {
		r.broadcastID = "default"
	}
	if err := r.store.BeginBroadcast(ctx, r.broadcastID, r.cfg.Source.Room); err != nil {
		return fmt.Errorf("begin broadcast: %w", err)
	}
	r.recorder = NewRecorder(r.store, r.bus, r.broadcastID, r.logger)

	factory, ok := r.engines[r.cfg.Playback.Engine]
	if !ok {
		return fmt.Errorf("playback engine %q is not available in this build", r.cfg.Playback.Engine)
	}
	engine, err := factory(r.cfg.Playback, r.logger)
	if err != nil {
		return fmt.Errorf("create playback engine: %w", err)
	}
	pb := r.cfg.Playback
	r.manager = playback.New(ctx, engine, playback.Options{
		LoadTimeout:    time.Duration(pb.LoadTimeoutMS) * time.Millisecond,
		RetryDelay:     time.Duration(pb.RetryDelayMS) * time.Millisecond,
		MaxPending:     pb.MaxPending,
		StatusInterval: time.Duration(pb.StatusIntervalMS) * time.Millisecond,
		AutoPlay:       pb.AutoPlay,
		Volume:         pb.Volume,
		Observer:       r.recorder.ObservePlayback,
	}, r.logger)

	gen, err := dispatch.NewGenerator(r.cfg.TTS)
	if err != nil {
		return err
	}
	r.dispatcher = dispatch.New(ctx, r.cfg.TTS, gen, r.manager, r.recorder.ObserveGeneration, r.logger)
	r.checkBackend(ctx)

	r.source, err = source.NewService(ctx, r.cfg.Source, r.bus, r.dispatcher, r.recorder.ObserveJoin, r.logger)
	if err != nil {
		return err
	}
	if err := r.source.Start(); err != nil {
		return fmt.Errorf("start source: %w", err)
	}

	r.console = console.NewService(r.cfg, r.bus, r.manager, r.dispatcher, r.logger)
	if err := r.console.Start(); err != nil {
		return fmt.Errorf("start console: %w", err)
	}
	return nil
}

// checkBackend logs the generation backend's health once at startup. An
// unreachable backend is not fatal; events keep flowing and fail per item.
func (r *Runtime) checkBackend(ctx context.Context) {
	if !r.dispatcher.Enabled() {
		r.logger.Info("speech generation disabled")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	h := r.dispatcher.Health(ctx)
	attrs := []any{
		slog.String("base_url", r.dispatcher.BaseURL()),
		slog.Bool("reachable", h.Reachable),
		slog.Bool("model_loaded", h.ModelLoaded),
		slog.String("status", h.Status),
	}
	if h.Version != "" {
		attrs = append(attrs, slog.String("version", h.Version))
	}
	if !h.Reachable || !h.ModelLoaded {
		if h.Error != "" {
			attrs = append(attrs, slog.String("error", h.Error))
		}
		r.logger.Warn("speech backend not ready", attrs...)
		return
	}
	r.logger.Info("speech backend ready", attrs...)
}

// close releases components in reverse start order. Safe to call on a
// partially opened runtime.
func (r *Runtime) close() error {
	var errs []error
	if r.source != nil {
		r.source.Close()
	}
	if r.console != nil {
		r.console.Close()
	}
	if r.dispatcher != nil {
		r.dispatcher.Close()
	}
	if r.manager != nil {
		r.manager.Close()
	}
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	if r.telemetryEnd != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetryEnd(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// healthy reports whether every long-lived component is up.
func (r *Runtime) healthy() bool {
	return r.bus.Healthy() && r.source.Healthy() && r.console.Healthy()
}

func (r *Runtime) publishJoin(ev protocol.ParticipantJoined) error {
	return r.bus.PublishJSON(protocol.SubjectParticipantJoined, ev)
}

func mockEngine(_ config.PlaybackConfig, _ *slog.Logger) (audio.Engine, error) {
	return audio.NewMockEngine(100*time.Millisecond, 2*time.Second), nil
}

func execEngine(cfg config.PlaybackConfig, log *slog.Logger) (audio.Engine, error) {
	eng, err := audio.NewExecEngine(cfg.Command, log.With(slog.String("component", "exec-engine")))
	if err != nil {
		return nil, err
	}
	return eng, nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
