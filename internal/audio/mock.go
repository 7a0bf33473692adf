package audio

import (
	"errors"
	"strings"
	"sync"
	"time"
)

// MockEngine is an in-memory engine. In timed mode it reports Ready after
// LoadDelay and Ended PlayDuration after Play. In manual mode nothing fires
// on its own and tests drive each handle through Fire* calls.
type MockEngine struct {
	loadDelay    time.Duration
	playDuration time.Duration
	manual       bool

	mu         sync.Mutex
	failCreate error
	leaky      bool
	handles    []*MockHandle
	loaded     chan *MockHandle
}

// NewMockEngine returns a timed mock engine. Refs containing "fail" report
// a load error, which lets dry runs exercise the skip path.
func NewMockEngine(loadDelay, playDuration time.Duration) *MockEngine {
	return &MockEngine{
		loadDelay:    loadDelay,
		playDuration: playDuration,
		loaded:       make(chan *MockHandle, 64),
	}
}

// NewManualEngine returns a mock engine whose handles only signal when told to.
func NewManualEngine() *MockEngine {
	return &MockEngine{
		manual: true,
		loaded: make(chan *MockHandle, 64),
	}
}

// FailNextLoads makes Load return err until cleared with nil.
func (e *MockEngine) FailNextLoads(err error) {
	e.mu.Lock()
	e.failCreate = err
	e.mu.Unlock()
}

// IgnoreAbort makes handles keep delivering signals after Abort, imitating
// a misbehaving adapter.
func (e *MockEngine) IgnoreAbort(on bool) {
	e.mu.Lock()
	e.leaky = on
	e.mu.Unlock()
}

func (e *MockEngine) Load(ref string, volume float64) (Handle, error) {
	e.mu.Lock()
	if e.failCreate != nil {
		err := e.failCreate
		e.mu.Unlock()
		return nil, err
	}
	h := &MockHandle{
		Ref:     ref,
		engine:  e,
		events:  make(chan Signal, 4),
		volume:  volume,
		leaky:   e.leaky,
		aborted: make(chan struct{}),
	}
	e.handles = append(e.handles, h)
	e.mu.Unlock()

	select {
	case e.loaded <- h:
	default:
	}

	if !e.manual {
		go h.runLoad(e.loadDelay, strings.Contains(ref, "fail"))
	}
	return h, nil
}

// Loaded delivers each handle as it is created.
func (e *MockEngine) Loaded() <-chan *MockHandle {
	return e.loaded
}

// Handles returns every handle created so far, in load order.
func (e *MockEngine) Handles() []*MockHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*MockHandle(nil), e.handles...)
}

// MockHandle records what the owner did with it.
type MockHandle struct {
	Ref    string
	engine *MockEngine
	events chan Signal
	leaky  bool

	mu        sync.Mutex
	volume    float64
	played    bool
	abortOnce sync.Once
	aborted   chan struct{}
}

func (h *MockHandle) Events() <-chan Signal { return h.events }

func (h *MockHandle) Play() error {
	h.mu.Lock()
	if h.isAborted() {
		h.mu.Unlock()
		return ErrAborted
	}
	h.played = true
	h.mu.Unlock()
	if !h.engine.manual {
		go h.runPlay(h.engine.playDuration)
	}
	return nil
}

func (h *MockHandle) SetVolume(v float64) {
	h.mu.Lock()
	h.volume = v
	h.mu.Unlock()
}

func (h *MockHandle) Abort() {
	h.abortOnce.Do(func() { close(h.aborted) })
}

func (h *MockHandle) Volume() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.volume
}

func (h *MockHandle) Played() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.played
}

func (h *MockHandle) Aborted() bool { return h.isAborted() }

func (h *MockHandle) FireReady()          { h.emit(Signal{Kind: SignalReady}) }
func (h *MockHandle) FireEnded()          { h.emit(Signal{Kind: SignalEnded}) }
func (h *MockHandle) FireError(err error) { h.emit(Signal{Kind: SignalError, Err: err}) }

func (h *MockHandle) isAborted() bool {
	select {
	case <-h.aborted:
		return true
	default:
		return false
	}
}

func (h *MockHandle) emit(sig Signal) {
	if h.isAborted() && !h.leaky {
		return
	}
	select {
	case h.events <- sig:
	default:
	}
}

func (h *MockHandle) runLoad(delay time.Duration, fail bool) {
	select {
	case <-h.aborted:
		return
	case <-time.After(delay):
	}
	if fail {
		h.FireError(errors.New("mock: clip unavailable"))
		return
	}
	h.FireReady()
}

func (h *MockHandle) runPlay(d time.Duration) {
	select {
	case <-h.aborted:
		return
	case <-time.After(d):
	}
	h.FireEnded()
}
