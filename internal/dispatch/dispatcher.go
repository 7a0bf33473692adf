// Package dispatch turns participant names into synthesized welcome clips
// and hands each finished clip to the playback queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-greeter/internal/config"
	"github.com/loqalabs/loqa-greeter/internal/playback"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
)

// Enqueuer receives every successfully generated clip.
type Enqueuer interface {
	Enqueue(item playback.Item) error
}

// Report describes the outcome of one generation request.
type Report struct {
	TaskID  string
	Label   string
	Ref     string
	Err     error
	Latency time.Duration
}

type healthChecker interface {
	Health(ctx context.Context) protocol.ServiceHealth
}

type baseURLSetter interface {
	SetBaseURL(raw string) error
	BaseURL() string
}

type Dispatcher struct {
	cfg      config.TTSConfig
	gen      Generator
	queue    Enqueuer
	onReport func(Report)

	enabled atomic.Bool
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu      sync.RWMutex
	baseURL string

	tracer   trace.Tracer
	requests metric.Int64Counter
	latency  metric.Float64Histogram

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	// closeMu orders wg.Add in Dispatch before wg.Wait in Close.
	closeMu sync.Mutex
	closed  bool
}

// New builds a Dispatcher. onReport, when set, is called after every
// request from the request's goroutine.
func New(parent context.Context, cfg config.TTSConfig, gen Generator, queue Enqueuer, onReport func(Report), log *slog.Logger) *Dispatcher {
	ctx, cancel := context.WithCancel(parent)
	inflight := cfg.MaxInflight
	if inflight <= 0 {
		inflight = 1
	}
	d := &Dispatcher{
		cfg:      cfg,
		gen:      gen,
		queue:    queue,
		onReport: onReport,
		sem:      semaphore.NewWeighted(int64(inflight)),
		baseURL:  cfg.BaseURL,
		tracer:   otel.Tracer("github.com/loqalabs/loqa-greeter/dispatch"),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "dispatcher")),
	}
	if cfg.RatePerMinute > 0 {
		d.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1)
	}
	if s, ok := gen.(baseURLSetter); ok {
		d.baseURL = s.BaseURL()
	}
	d.enabled.Store(cfg.Enabled)
	d.initMetrics()
	return d
}

// NewGenerator builds the generator selected by cfg.Mode.
func NewGenerator(cfg config.TTSConfig) (Generator, error) {
	switch cfg.Mode {
	case "http":
		return NewHTTPGenerator(cfg.BaseURL, time.Duration(cfg.RequestTimeoutMS)*time.Millisecond)
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "mock", "":
		return NewMockGenerator(200 * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
}

func (d *Dispatcher) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-greeter/dispatch")
	var err error
	d.requests, err = meter.Int64Counter("greeter.tts.requests",
		metric.WithDescription("Generation requests by status"))
	if err != nil {
		d.logger.Warn("failed to create tts request counter", slogError(err))
	}
	d.latency, err = meter.Float64Histogram("greeter.tts.latency",
		metric.WithDescription("Generation request latency"),
		metric.WithUnit("ms"))
	if err != nil {
		d.logger.Warn("failed to create tts latency histogram", slogError(err))
	}
}

// Close cancels outstanding requests and waits for them to return. Later
// calls to Dispatch fail with ErrClosed.
func (d *Dispatcher) Close() {
	d.closeMu.Lock()
	d.closed = true
	d.closeMu.Unlock()
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) Enabled() bool { return d.enabled.Load() }
func (d *Dispatcher) SetEnabled(on bool) { d.enabled.Store(on) }

func (d *Dispatcher) BaseURL() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.baseURL
}

// SetBaseURL changes the synthesis API location for later requests.
func (d *Dispatcher) SetBaseURL(raw string) error {
	if s, ok := d.gen.(baseURLSetter); ok {
		if err := s.SetBaseURL(raw); err != nil {
			return err
		}
		raw = s.BaseURL()
	} else {
		probe, err := NewHTTPGenerator(raw, 0)
		if err != nil {
			return err
		}
		raw = probe.BaseURL()
	}
	d.mu.Lock()
	d.baseURL = raw
	d.mu.Unlock()
	d.logger.Info("tts base url changed", slog.String("base_url", raw))
	return nil
}

// Health reports on the synthesis backend. Generators without a remote
// backend always report healthy.
func (d *Dispatcher) Health(ctx context.Context) protocol.ServiceHealth {
	if h, ok := d.gen.(healthChecker); ok {
		return h.Health(ctx)
	}
	return protocol.ServiceHealth{Reachable: true, Status: d.cfg.Mode, ModelLoaded: true}
}

// WelcomeText renders the phrase spoken for label.
func (d *Dispatcher) WelcomeText(label string) string {
	return d.cfg.WelcomePrefix + label + d.cfg.WelcomeSuffix
}

// Dispatch starts generation for label in the background and returns the
// task id. Completion order across calls is not preserved; the queue
// orders clips by when they finish generating.
func (d *Dispatcher) Dispatch(label string) (string, error) {
	if !d.Enabled() {
		return "", ErrDisabled
	}
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closed {
		return "", ErrClosed
	}
	if err := d.ctx.Err(); err != nil {
		return "", err
	}
	taskID := uuid.NewString()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(taskID, label)
	}()
	return taskID, nil
}

func (d *Dispatcher) run(taskID, label string) {
	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		return
	}
	defer d.sem.Release(1)
	if d.limiter != nil {
		if err := d.limiter.Wait(d.ctx); err != nil {
			return
		}
	}

	ctx, cancel := context.WithTimeout(d.ctx, time.Duration(d.cfg.RequestTimeoutMS)*time.Millisecond)
	defer cancel()
	ctx, span := d.tracer.Start(ctx, "tts.generate", trace.WithAttributes(
		attribute.String("greeter.task_id", taskID),
		attribute.String("greeter.label", label),
		attribute.String("greeter.tts_mode", d.cfg.Mode),
	))
	defer span.End()

	start := time.Now()
	res, err := d.gen.Generate(ctx, Request{TaskID: taskID, Text: d.WelcomeText(label), Voice: d.cfg.Voice})
	latency := time.Since(start)

	if err == nil {
		err = d.queue.Enqueue(playback.Item{Ref: res.Ref, Label: label})
		if err != nil {
			err = fmt.Errorf("enqueue clip: %w", err)
		}
	}

	status := "ok"
	switch {
	case err == nil:
		d.logger.Info("welcome clip generated",
			slog.String("label", label),
			slog.String("task_id", taskID),
			slog.String("ref", res.Ref),
			slog.Duration("latency", latency))
	case errors.Is(err, context.Canceled) && d.ctx.Err() != nil:
		status = "cancelled"
	default:
		status = "error"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Warn("welcome clip generation failed",
			slog.String("label", label),
			slog.String("task_id", taskID),
			slogError(err))
	}
	d.record(status, latency)

	if d.onReport != nil {
		d.onReport(Report{TaskID: taskID, Label: label, Ref: res.Ref, Err: err, Latency: latency})
	}
}

func (d *Dispatcher) record(status string, latency time.Duration) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("status", status))
	if d.requests != nil {
		d.requests.Add(ctx, 1, attrs)
	}
	if d.latency != nil {
		d.latency.Record(ctx, float64(latency)/float64(time.Millisecond), attrs)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
