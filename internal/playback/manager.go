// Package playback serializes audio-ready notifications into gapless,
// non-overlapping FIFO playback.
//
// All queue state lives on a single loop goroutine. Public methods post a
// closure to that loop and wait for it to run, so calls are applied in the
// order they arrive. Engine signals and timer expiries are posted to the
// same loop, tagged with the generation of the load that produced them.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-greeter/internal/audio"
)

const (
	DefaultLoadTimeout = 10 * time.Second
	DefaultRetryDelay  = time.Second
)

type Options struct {
	// LoadTimeout bounds the time between Load and Ready.
	LoadTimeout time.Duration
	// RetryDelay is how long to wait before promoting the next item after
	// the engine failed to create a handle.
	RetryDelay time.Duration
	// MaxPending caps the pending queue; zero means unbounded.
	MaxPending int
	// StatusInterval enables periodic status logging while non-idle.
	StatusInterval time.Duration
	AutoPlay       bool
	Volume         float64
	Observer       Observer
	Clock          func() time.Time
}

type loopEvent struct {
	gen     uint64
	signal  audio.Signal
	timeout bool
	retry   bool
}

// Manager owns the pending queue and the single active slot.
type Manager struct {
	engine  audio.Engine
	opts    Options
	log     *slog.Logger
	metrics *metrics

	ops    chan func()
	events chan loopEvent
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	state     queueState
}

// New starts a Manager. It runs until Close or until parent is cancelled.
func New(parent context.Context, engine audio.Engine, opts Options, log *slog.Logger) *Manager {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		engine: engine,
		opts:   opts,
		log:    log.With(slog.String("component", "playback")),
		ops:    make(chan func()),
		events: make(chan loopEvent, 16),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  queueState{autoPlay: opts.AutoPlay, volume: audio.ClampVolume(opts.Volume)},
	}
	m.metrics = newMetrics(m.log)
	go m.run()
	return m
}

// Close aborts any active clip, drops the queue and stops the loop.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.done
		m.metrics.close()
	})
}

// Enqueue appends item to the tail of the queue and starts it right away
// when nothing is active and auto-play is on.
func (m *Manager) Enqueue(item Item) error {
	var err error
	if callErr := m.do(func() {
		s := &m.state
		if m.opts.MaxPending > 0 && len(s.pending) >= m.opts.MaxPending {
			err = ErrQueueFull
			return
		}
		item.EnqueuedAt = m.opts.Clock()
		s.push(item)
		m.log.Info("clip queued",
			slog.String("label", item.Label),
			slog.Int("pending", len(s.pending)),
			slog.String("order", strings.Join(s.labels(), " -> ")))
		m.notify(Transition{Kind: TransitionEnqueued, Item: item})
		if !s.busy {
			m.promote()
		}
	}); callErr != nil {
		return callErr
	}
	return err
}

// Advance releases the active clip, if any, and promotes the next pending
// one. With an empty queue it leaves the Manager idle.
func (m *Manager) Advance() error {
	return m.do(func() {
		if m.state.busy {
			m.finish(OutcomeSkipped, nil)
			return
		}
		m.promote()
	})
}

// Stop aborts the active clip, discards every pending item and cancels any
// scheduled promotion. It returns how many pending items were discarded.
func (m *Manager) Stop() int {
	var discarded int
	_ = m.do(func() {
		s := &m.state
		discarded = s.clearPending()
		m.cancelRetry()
		if s.busy {
			item := *s.active
			m.releaseActive()
			m.metrics.finished(OutcomeStopped)
			m.notify(Transition{Kind: TransitionFinished, Item: item, Outcome: OutcomeStopped})
		}
		m.log.Info("playback stopped", slog.Int("discarded", discarded))
		m.notify(Transition{Kind: TransitionCleared, Discarded: discarded})
	})
	return discarded
}

// Status returns a snapshot of the queue. A closed Manager reports idle.
func (m *Manager) Status() Status {
	var st Status
	if err := m.do(func() { st = m.state.snapshot() }); err != nil {
		return Status{PendingLabels: []string{}}
	}
	return st
}

// SetVolume changes the volume of the active clip and of clips loaded later.
func (m *Manager) SetVolume(v float64) error {
	if !(v >= 0 && v <= 1) {
		return ErrInvalidVolume
	}
	return m.do(func() {
		m.state.volume = v
		if m.state.handle != nil {
			m.state.handle.SetVolume(v)
		}
	})
}

// SetAutoPlay opens or closes the gate on starting clips. Opening it while
// idle with pending items starts the head of the queue.
func (m *Manager) SetAutoPlay(on bool) error {
	return m.do(func() {
		m.state.autoPlay = on
		if on {
			m.promote()
		}
	})
}

// ToggleAutoPlay flips the auto-play gate and returns the new value.
func (m *Manager) ToggleAutoPlay() (bool, error) {
	var on bool
	err := m.do(func() {
		m.state.autoPlay = !m.state.autoPlay
		on = m.state.autoPlay
		if on {
			m.promote()
		}
	})
	return on, err
}

func (m *Manager) do(fn func()) error {
	ran := make(chan struct{})
	select {
	case m.ops <- func() { fn(); close(ran) }:
	case <-m.done:
		return ErrClosed
	}
	<-ran
	return nil
}

func (m *Manager) post(ev loopEvent) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

func (m *Manager) run() {
	defer close(m.done)

	var tick <-chan time.Time
	if m.opts.StatusInterval > 0 {
		ticker := time.NewTicker(m.opts.StatusInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-m.ctx.Done():
			m.shutdown()
			return
		case op := <-m.ops:
			op()
		case ev := <-m.events:
			m.handle(ev)
		case <-tick:
			m.reportStatus()
		}
		m.metrics.setDepth(len(m.state.pending))
	}
}

func (m *Manager) handle(ev loopEvent) {
	s := &m.state
	if ev.retry {
		if ev.gen == s.retryGen && s.retry != nil {
			s.retry = nil
			m.promote()
		}
		return
	}
	if !s.busy || ev.gen != s.gen {
		m.log.Debug("dropping stale signal", slog.Uint64("gen", ev.gen), slog.String("kind", ev.signal.Kind.String()))
		return
	}
	if ev.timeout {
		if s.phase == StateLoading {
			m.log.Warn("clip load timed out",
				slog.String("label", s.active.Label),
				slog.Duration("timeout", m.opts.LoadTimeout))
			m.finish(OutcomeLoadTimeout, ErrLoadTimeout)
		}
		return
	}

	switch ev.signal.Kind {
	case audio.SignalReady:
		if s.phase != StateLoading {
			return
		}
		m.stopTimeout()
		if err := s.handle.Play(); err != nil {
			m.finish(OutcomePlaybackError, fmt.Errorf("%w: %w", ErrPlayback, err))
			return
		}
		s.phase = StatePlaying
		m.log.Info("clip playing", slog.String("label", s.active.Label))
		m.notify(Transition{Kind: TransitionPlaying, Item: *s.active})
	case audio.SignalEnded:
		if s.phase != StatePlaying {
			return
		}
		m.finish(OutcomeEnded, nil)
	case audio.SignalError:
		if s.phase == StateLoading {
			m.finish(OutcomeLoadError, fmt.Errorf("%w: %w", ErrLoad, ev.signal.Err))
		} else {
			m.finish(OutcomePlaybackError, fmt.Errorf("%w: %w", ErrPlayback, ev.signal.Err))
		}
	}
}

// promote starts the head of the queue if the slot is free and the gate is
// open.
func (m *Manager) promote() {
	s := &m.state
	if s.busy || !s.autoPlay {
		return
	}
	item, ok := s.pop()
	if !ok {
		return
	}
	m.cancelRetry()

	handle, err := m.engine.Load(item.Ref, s.volume)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrResourceCreation, err)
		m.log.Error("engine could not load clip", slog.String("label", item.Label), slogError(err))
		m.metrics.finished(OutcomeResourceError)
		m.notify(Transition{Kind: TransitionFinished, Item: item, Outcome: OutcomeResourceError, Err: err})
		m.scheduleRetry()
		return
	}

	s.gen++
	gen := s.gen
	s.active = &item
	s.busy = true
	s.phase = StateLoading
	s.handle = handle
	s.release = make(chan struct{})
	s.timeout = time.AfterFunc(m.opts.LoadTimeout, func() {
		m.post(loopEvent{gen: gen, timeout: true})
	})
	go m.forward(gen, handle, s.release)

	m.metrics.waited(m.opts.Clock().Sub(item.EnqueuedAt))
	m.log.Info("clip loading", slog.String("label", item.Label), slog.String("ref", item.Ref))
	m.notify(Transition{Kind: TransitionLoading, Item: item})
}

// finish releases the active item with the given outcome and moves on.
func (m *Manager) finish(outcome Outcome, err error) {
	s := &m.state
	item := *s.active
	m.releaseActive()

	m.metrics.finished(outcome)
	if err != nil {
		m.log.Warn("clip skipped", slog.String("label", item.Label), slog.String("outcome", string(outcome)), slogError(err))
	} else {
		m.log.Info("clip finished", slog.String("label", item.Label), slog.String("outcome", string(outcome)))
	}
	m.notify(Transition{Kind: TransitionFinished, Item: item, Outcome: outcome, Err: err})

	if len(s.pending) == 0 {
		m.log.Info("playback queue drained")
	}
	m.promote()
}

func (m *Manager) releaseActive() {
	s := &m.state
	m.stopTimeout()
	if s.release != nil {
		close(s.release)
		s.release = nil
	}
	if s.handle != nil {
		s.handle.Abort()
		s.handle = nil
	}
	s.active = nil
	s.busy = false
	s.phase = StateIdle
}

func (m *Manager) stopTimeout() {
	if m.state.timeout != nil {
		m.state.timeout.Stop()
		m.state.timeout = nil
	}
}

func (m *Manager) scheduleRetry() {
	s := &m.state
	m.cancelRetry()
	gen := s.retryGen
	s.retry = time.AfterFunc(m.opts.RetryDelay, func() {
		m.post(loopEvent{gen: gen, retry: true})
	})
}

func (m *Manager) cancelRetry() {
	s := &m.state
	s.retryGen++
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

// forward relays handle signals into the loop until the lifecycle is
// released.
func (m *Manager) forward(gen uint64, h audio.Handle, release <-chan struct{}) {
	events := h.Events()
	for {
		select {
		case <-release:
			return
		case <-m.ctx.Done():
			return
		case sig, ok := <-events:
			if !ok {
				return
			}
			select {
			case m.events <- loopEvent{gen: gen, signal: sig}:
			case <-release:
				return
			case <-m.ctx.Done():
				return
			}
		}
	}
}

func (m *Manager) notify(t Transition) {
	if m.opts.Observer == nil {
		return
	}
	t.Pending = len(m.state.pending)
	if t.At.IsZero() {
		t.At = m.opts.Clock()
	}
	m.opts.Observer(t)
}

func (m *Manager) reportStatus() {
	s := &m.state
	if !s.busy && len(s.pending) == 0 {
		return
	}
	st := s.snapshot()
	m.log.Info("playback queue status",
		slog.String("state", st.State.String()),
		slog.String("current", st.CurrentLabel),
		slog.String("next", st.NextLabel),
		slog.Int("queue_length", st.QueueLength),
		slog.String("order", strings.Join(st.PendingLabels, " -> ")))
}

func (m *Manager) shutdown() {
	s := &m.state
	m.cancelRetry()
	if s.busy {
		m.releaseActive()
	}
	if n := s.clearPending(); n > 0 {
		m.log.Info("dropping pending clips on shutdown", slog.Int("discarded", n))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
