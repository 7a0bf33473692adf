package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-greeter/internal/audio"
)

const waitFor = 2 * time.Second

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recorder struct {
	mu  sync.Mutex
	all []Transition
}

func (r *recorder) observe(t Transition) {
	r.mu.Lock()
	r.all = append(r.all, t)
	r.mu.Unlock()
}

func (r *recorder) finished() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Transition
	for _, t := range r.all {
		if t.Kind == TransitionFinished {
			out = append(out, t)
		}
	}
	return out
}

func newTestManager(t *testing.T, opts Options) (*Manager, *audio.MockEngine, *recorder) {
	t.Helper()
	eng := audio.NewManualEngine()
	rec := &recorder{}
	if opts.LoadTimeout == 0 {
		opts.LoadTimeout = time.Minute
	}
	if opts.Volume == 0 {
		opts.Volume = 0.8
	}
	opts.Observer = rec.observe
	m := New(context.Background(), eng, opts, newLogger())
	t.Cleanup(m.Close)
	return m, eng, rec
}

func nextHandle(t *testing.T, eng *audio.MockEngine) *audio.MockHandle {
	t.Helper()
	select {
	case h := <-eng.Loaded():
		return h
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a clip to load")
		return nil
	}
}

func noHandle(t *testing.T, eng *audio.MockEngine, d time.Duration) {
	t.Helper()
	select {
	case h := <-eng.Loaded():
		t.Fatalf("unexpected load of %q", h.Ref)
	case <-time.After(d):
	}
}

func waitState(t *testing.T, m *Manager, state State, current string) {
	t.Helper()
	require.Eventually(t, func() bool {
		st := m.Status()
		return st.State == state && st.CurrentLabel == current
	}, waitFor, 5*time.Millisecond, "want %s %q, have %+v", state, current, m.Status())
}

func checkInvariants(t *testing.T, m *Manager) {
	t.Helper()
	var err error
	require.NoError(t, m.do(func() {
		err = m.state.check()
		if err == nil && m.state.active != nil {
			for _, p := range m.state.pending {
				if p == *m.state.active {
					err = fmt.Errorf("%q is both active and pending", p.Label)
				}
			}
		}
	}))
	require.NoError(t, err)
}

func enqueue(t *testing.T, m *Manager, labels ...string) {
	t.Helper()
	for _, l := range labels {
		require.NoError(t, m.Enqueue(Item{Ref: "ref-" + l, Label: l}))
	}
}

func TestWelcomeSequence(t *testing.T) {
	m, eng, rec := newTestManager(t, Options{AutoPlay: true})

	// A, B and C arrive while A is still loading.
	enqueue(t, m, "A", "B", "C")
	hA := nextHandle(t, eng)
	require.Equal(t, "ref-A", hA.Ref)
	st := m.Status()
	assert.Equal(t, StateLoading, st.State)
	assert.Equal(t, "A", st.CurrentLabel)
	assert.Equal(t, "B", st.NextLabel)
	assert.Equal(t, []string{"B", "C"}, st.PendingLabels)
	checkInvariants(t, m)

	hA.FireReady()
	waitState(t, m, StatePlaying, "A")
	assert.True(t, hA.Played())
	hA.FireEnded()

	hB := nextHandle(t, eng)
	require.Equal(t, "ref-B", hB.Ref)
	assert.True(t, hA.Aborted(), "finished handle must be released")
	hB.FireReady()
	waitState(t, m, StatePlaying, "B")

	// D lands behind C.
	enqueue(t, m, "D")
	assert.Equal(t, []string{"C", "D"}, m.Status().PendingLabels)
	checkInvariants(t, m)
	hB.FireEnded()

	// C fails to load and D starts without waiting for any timer.
	hC := nextHandle(t, eng)
	require.Equal(t, "ref-C", hC.Ref)
	hC.FireError(errors.New("decode failed"))
	hD := nextHandle(t, eng)
	require.Equal(t, "ref-D", hD.Ref)
	waitState(t, m, StateLoading, "D")
	checkInvariants(t, m)

	hD.FireReady()
	waitState(t, m, StatePlaying, "D")
	hD.FireEnded()
	waitState(t, m, StateIdle, "")

	fin := rec.finished()
	require.Len(t, fin, 4)
	var order []string
	for _, f := range fin {
		order = append(order, f.Item.Label)
	}
	assert.Equal(t, []string{"A", "B", "C", "D"}, order)
	assert.Equal(t, OutcomeEnded, fin[0].Outcome)
	assert.Equal(t, OutcomeLoadError, fin[2].Outcome)
	assert.ErrorIs(t, fin[2].Err, ErrLoad)
	checkInvariants(t, m)
}

func TestFIFOUnderMixedOutcomes(t *testing.T) {
	m, eng, rec := newTestManager(t, Options{AutoPlay: true})
	rng := rand.New(rand.NewSource(7))

	const n = 12
	for i := 0; i < n; i++ {
		require.NoError(t, m.Enqueue(Item{Ref: fmt.Sprint(i), Label: fmt.Sprint(i)}))
	}
	for i := 0; i < n; i++ {
		h := nextHandle(t, eng)
		require.Equal(t, fmt.Sprint(i), h.Ref)
		checkInvariants(t, m)
		switch rng.Intn(3) {
		case 0:
			h.FireReady()
			waitState(t, m, StatePlaying, fmt.Sprint(i))
			h.FireEnded()
		case 1:
			h.FireError(errors.New("broken clip"))
		default:
			h.FireReady()
			waitState(t, m, StatePlaying, fmt.Sprint(i))
			h.FireError(errors.New("device lost"))
		}
	}
	waitState(t, m, StateIdle, "")
	assert.Len(t, rec.finished(), n)
	for i, f := range rec.finished() {
		assert.Equal(t, fmt.Sprint(i), f.Item.Label)
	}
}

func TestLoadTimeoutAbandonsClip(t *testing.T) {
	m, eng, rec := newTestManager(t, Options{AutoPlay: true, LoadTimeout: 50 * time.Millisecond})

	enqueue(t, m, "D")
	hD := nextHandle(t, eng)
	waitState(t, m, StateIdle, "")

	st := m.Status()
	assert.Zero(t, st.QueueLength)
	assert.False(t, st.IsPlaying)
	assert.True(t, hD.Aborted())

	fin := rec.finished()
	require.Len(t, fin, 1)
	assert.Equal(t, OutcomeLoadTimeout, fin[0].Outcome)
	assert.ErrorIs(t, fin[0].Err, ErrLoadTimeout)

	// A late ready for the abandoned clip changes nothing.
	hD.FireReady()
	noHandle(t, eng, 30*time.Millisecond)
	assert.Equal(t, StateIdle, m.Status().State)
}

func TestLoadTimeoutAdvancesToNext(t *testing.T) {
	m, eng, _ := newTestManager(t, Options{AutoPlay: true, LoadTimeout: 50 * time.Millisecond})

	enqueue(t, m, "x", "y")
	nextHandle(t, eng)
	hY := nextHandle(t, eng)
	assert.Equal(t, "ref-y", hY.Ref)
	hY.FireReady()
	waitState(t, m, StatePlaying, "y")
}

func TestReadyCancelsLoadTimeout(t *testing.T) {
	m, eng, _ := newTestManager(t, Options{AutoPlay: true, LoadTimeout: 40 * time.Millisecond})

	enqueue(t, m, "long")
	h := nextHandle(t, eng)
	h.FireReady()
	waitState(t, m, StatePlaying, "long")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StatePlaying, m.Status().State)
}

func TestStopWhilePlaying(t *testing.T) {
	m, eng, rec := newTestManager(t, Options{AutoPlay: true})
	eng.IgnoreAbort(true)

	enqueue(t, m, "P", "Q", "R", "S")
	hP := nextHandle(t, eng)
	hP.FireReady()
	waitState(t, m, StatePlaying, "P")

	assert.Equal(t, 3, m.Stop())
	st := m.Status()
	assert.Zero(t, st.QueueLength)
	assert.False(t, st.IsPlaying)
	assert.Empty(t, st.CurrentLabel)
	assert.Empty(t, st.NextLabel)
	assert.Empty(t, st.PendingLabels)
	assert.True(t, hP.Aborted())
	checkInvariants(t, m)

	// The handle keeps talking after abort; the manager must not listen.
	hP.FireEnded()
	hP.FireError(errors.New("late"))
	noHandle(t, eng, 50*time.Millisecond)
	assert.Equal(t, StateIdle, m.Status().State)

	fin := rec.finished()
	require.Len(t, fin, 1)
	assert.Equal(t, OutcomeStopped, fin[0].Outcome)
}

type captureHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *captureHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.records = append(h.records, r.Clone())
	h.mu.Unlock()
	return nil
}

// logged returns the attributes of every record with message msg.
func (h *captureHandler) logged(msg string) []map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []map[string]string
	for _, r := range h.records {
		if r.Message != msg {
			continue
		}
		attrs := map[string]string{}
		r.Attrs(func(a slog.Attr) bool {
			attrs[a.Key] = a.Value.String()
			return true
		})
		out = append(out, attrs)
	}
	return out
}

func TestQueueLogging(t *testing.T) {
	h := &captureHandler{}
	eng := audio.NewManualEngine()
	m := New(context.Background(), eng, Options{
		AutoPlay:       true,
		Volume:         0.8,
		LoadTimeout:    time.Minute,
		StatusInterval: 10 * time.Millisecond,
	}, slog.New(h))
	t.Cleanup(m.Close)

	// Idle and empty: the ticker must stay quiet.
	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, h.logged("playback queue status"))

	enqueue(t, m, "A", "B", "C")
	nextHandle(t, eng)

	queued := h.logged("clip queued")
	require.Len(t, queued, 3)
	assert.Equal(t, "A", queued[0]["order"])
	assert.Equal(t, "B", queued[1]["order"])
	assert.Equal(t, "B -> C", queued[2]["order"])
	assert.Equal(t, "2", queued[2]["pending"])

	require.Eventually(t, func() bool { return len(h.logged("playback queue status")) > 0 }, waitFor, 5*time.Millisecond)
	status := h.logged("playback queue status")[0]
	assert.Equal(t, "loading", status["state"])
	assert.Equal(t, "A", status["current"])
	assert.Equal(t, "B", status["next"])
	assert.Equal(t, "B -> C", status["order"])

	m.Stop()
	settled := len(h.logged("playback queue status"))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.logged("playback queue status"), settled)
}

func TestStopInEveryState(t *testing.T) {
	m, eng, _ := newTestManager(t, Options{AutoPlay: true})

	assert.Zero(t, m.Stop())

	enqueue(t, m, "a", "b")
	h := nextHandle(t, eng)
	assert.Equal(t, 1, m.Stop())
	assert.True(t, h.Aborted())
	assert.Equal(t, StateIdle, m.Status().State)

	// A fresh enqueue behaves like on a new manager.
	enqueue(t, m, "c")
	hC := nextHandle(t, eng)
	assert.Equal(t, "ref-c", hC.Ref)
	checkInvariants(t, m)
}

func TestStaleSignalsIgnored(t *testing.T) {
	m, eng, _ := newTestManager(t, Options{AutoPlay: true})

	enqueue(t, m, "old")
	nextHandle(t, eng)
	m.Stop()
	enqueue(t, m, "new")
	nextHandle(t, eng)

	var gen uint64
	require.NoError(t, m.do(func() { gen = m.state.gen }))
	m.post(loopEvent{gen: gen - 1, signal: audio.Signal{Kind: audio.SignalError, Err: errors.New("stale")}})
	m.post(loopEvent{gen: gen - 1, timeout: true})

	st := m.Status()
	assert.Equal(t, StateLoading, st.State)
	assert.Equal(t, "new", st.CurrentLabel)
	checkInvariants(t, m)
}

func TestAdvanceWhenIdleIsNoop(t *testing.T) {
	m, eng, rec := newTestManager(t, Options{AutoPlay: true})

	require.NoError(t, m.Advance())
	require.NoError(t, m.Advance())
	assert.Equal(t, StateIdle, m.Status().State)
	assert.Empty(t, eng.Handles())
	assert.Empty(t, rec.finished())
	checkInvariants(t, m)
}

func TestAdvanceSkipsActive(t *testing.T) {
	m, eng, rec := newTestManager(t, Options{AutoPlay: true})

	enqueue(t, m, "one", "two")
	h1 := nextHandle(t, eng)
	h1.FireReady()
	waitState(t, m, StatePlaying, "one")

	require.NoError(t, m.Advance())
	h2 := nextHandle(t, eng)
	assert.Equal(t, "ref-two", h2.Ref)
	assert.True(t, h1.Aborted())
	fin := rec.finished()
	require.Len(t, fin, 1)
	assert.Equal(t, OutcomeSkipped, fin[0].Outcome)

	require.NoError(t, m.Advance())
	assert.Equal(t, StateIdle, m.Status().State)
}

func TestPlaybackErrorAdvances(t *testing.T) {
	m, eng, rec := newTestManager(t, Options{AutoPlay: true})

	enqueue(t, m, "bad", "good")
	h := nextHandle(t, eng)
	h.FireReady()
	waitState(t, m, StatePlaying, "bad")
	h.FireError(errors.New("underrun"))

	nextHandle(t, eng)
	fin := rec.finished()
	require.Len(t, fin, 1)
	assert.Equal(t, OutcomePlaybackError, fin[0].Outcome)
	assert.ErrorIs(t, fin[0].Err, ErrPlayback)
}

func TestAutoPlayGate(t *testing.T) {
	m, eng, _ := newTestManager(t, Options{AutoPlay: false})

	enqueue(t, m, "a", "b")
	st := m.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, 2, st.QueueLength)
	assert.False(t, st.AutoPlay)

	require.NoError(t, m.Advance())
	noHandle(t, eng, 30*time.Millisecond)

	require.NoError(t, m.SetAutoPlay(true))
	h := nextHandle(t, eng)
	assert.Equal(t, "ref-a", h.Ref)
	assert.Equal(t, []string{"b"}, m.Status().PendingLabels)

	on, err := m.ToggleAutoPlay()
	require.NoError(t, err)
	assert.False(t, on)

	// Closing the gate does not interrupt the active clip but holds the rest.
	h.FireReady()
	waitState(t, m, StatePlaying, "a")
	h.FireEnded()
	waitState(t, m, StateIdle, "")
	assert.Equal(t, 1, m.Status().QueueLength)
}

func TestResourceErrorRetriesAfterDelay(t *testing.T) {
	m, eng, rec := newTestManager(t, Options{AutoPlay: false, RetryDelay: 80 * time.Millisecond})

	enqueue(t, m, "a", "b")
	eng.FailNextLoads(errors.New("no audio device"))
	require.NoError(t, m.SetAutoPlay(true))
	eng.FailNextLoads(nil)

	fin := rec.finished()
	require.Len(t, fin, 1)
	assert.Equal(t, "a", fin[0].Item.Label)
	assert.Equal(t, OutcomeResourceError, fin[0].Outcome)
	assert.ErrorIs(t, fin[0].Err, ErrResourceCreation)

	// b is kept and waits out the retry delay instead of loading at once.
	st := m.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, []string{"b"}, st.PendingLabels)
	noHandle(t, eng, 20*time.Millisecond)

	h := nextHandle(t, eng)
	assert.Equal(t, "ref-b", h.Ref)
}

func TestStopCancelsRetry(t *testing.T) {
	m, eng, _ := newTestManager(t, Options{AutoPlay: false, RetryDelay: 50 * time.Millisecond})

	enqueue(t, m, "a", "b")
	eng.FailNextLoads(errors.New("busy"))
	require.NoError(t, m.SetAutoPlay(true))
	eng.FailNextLoads(nil)

	scheduled := func() bool {
		var on bool
		require.NoError(t, m.do(func() { on = m.state.retry != nil }))
		return on
	}
	assert.True(t, scheduled())
	assert.Equal(t, 1, m.Stop())
	assert.False(t, scheduled())
	noHandle(t, eng, 120*time.Millisecond)
	assert.Equal(t, StateIdle, m.Status().State)
}

func TestQueueCapacity(t *testing.T) {
	m, _, _ := newTestManager(t, Options{AutoPlay: false, MaxPending: 2})

	enqueue(t, m, "a", "b")
	err := m.Enqueue(Item{Ref: "c", Label: "c"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, []string{"a", "b"}, m.Status().PendingLabels)
}

func TestDuplicateLabelsPlayOncePerEnqueue(t *testing.T) {
	m, eng, _ := newTestManager(t, Options{AutoPlay: true})

	enqueue(t, m, "Sam", "Sam")
	h1 := nextHandle(t, eng)
	h1.FireReady()
	waitState(t, m, StatePlaying, "Sam")
	h1.FireEnded()
	h2 := nextHandle(t, eng)
	assert.NotSame(t, h1, h2)
	assert.Equal(t, 0, m.Status().QueueLength)
}

func TestSetVolume(t *testing.T) {
	m, eng, _ := newTestManager(t, Options{AutoPlay: true, Volume: 0.5})

	enqueue(t, m, "a", "b")
	hA := nextHandle(t, eng)
	assert.InDelta(t, 0.5, hA.Volume(), 1e-9)

	require.NoError(t, m.SetVolume(0.3))
	assert.InDelta(t, 0.3, hA.Volume(), 1e-9)
	assert.ErrorIs(t, m.SetVolume(1.5), ErrInvalidVolume)
	assert.ErrorIs(t, m.SetVolume(-0.1), ErrInvalidVolume)
	assert.ErrorIs(t, m.SetVolume(math.NaN()), ErrInvalidVolume)

	hA.FireError(errors.New("x"))
	hB := nextHandle(t, eng)
	assert.InDelta(t, 0.3, hB.Volume(), 1e-9)
	assert.InDelta(t, 0.3, m.Status().Volume, 1e-9)
}

func TestClosedManager(t *testing.T) {
	m, eng, _ := newTestManager(t, Options{AutoPlay: true})

	enqueue(t, m, "a", "b")
	h := nextHandle(t, eng)
	m.Close()
	assert.True(t, h.Aborted())

	assert.ErrorIs(t, m.Enqueue(Item{Ref: "c"}), ErrClosed)
	assert.ErrorIs(t, m.Advance(), ErrClosed)
	assert.Zero(t, m.Stop())
	st := m.Status()
	assert.False(t, st.IsPlaying)
	assert.Zero(t, st.QueueLength)
}

func TestQueueStatePop(t *testing.T) {
	var s queueState
	_, ok := s.pop()
	assert.False(t, ok)

	s.push(Item{Label: "1"})
	s.push(Item{Label: "2"})
	first, ok := s.pop()
	require.True(t, ok)
	assert.Equal(t, "1", first.Label)
	assert.Equal(t, []string{"2"}, s.labels())
	assert.Equal(t, 1, s.clearPending())
	assert.NoError(t, s.check())
}

func TestQueueStateCheck(t *testing.T) {
	s := queueState{busy: true, phase: StateLoading}
	assert.Error(t, s.check())

	s.active = &Item{Label: "a"}
	assert.Error(t, s.check(), "busy without a handle")

	s = queueState{phase: StatePlaying}
	assert.Error(t, s.check())
}
