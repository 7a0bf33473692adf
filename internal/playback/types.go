package playback

import (
	"errors"
	"fmt"
	"time"
)

// Item is one clip awaiting playback.
type Item struct {
	Ref        string
	Label      string
	EnqueuedAt time.Time
}

// State is the Manager's coarse lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a point-in-time snapshot. CurrentLabel and NextLabel are empty
// when there is no such item.
type Status struct {
	QueueLength   int
	IsPlaying     bool
	State         State
	CurrentLabel  string
	NextLabel     string
	PendingLabels []string
	AutoPlay      bool
	Volume        float64
}

var (
	ErrLoad             = errors.New("playback: clip failed to load")
	ErrLoadTimeout      = errors.New("playback: clip load timed out")
	ErrPlayback         = errors.New("playback: clip failed during playback")
	ErrResourceCreation = errors.New("playback: engine could not create a handle")
	ErrQueueFull        = errors.New("playback: queue is full")
	ErrClosed           = errors.New("playback: manager closed")
	ErrInvalidVolume    = errors.New("playback: volume must be between 0.0 and 1.0")
)

// Outcome is how a clip left the active slot.
type Outcome string

const (
	OutcomeEnded         Outcome = "ended"
	OutcomeLoadError     Outcome = "load_error"
	OutcomeLoadTimeout   Outcome = "load_timeout"
	OutcomePlaybackError Outcome = "playback_error"
	OutcomeResourceError Outcome = "resource_error"
	OutcomeSkipped       Outcome = "skipped"
	OutcomeStopped       Outcome = "stopped"
)

// TransitionKind labels observer notifications.
type TransitionKind string

const (
	TransitionEnqueued TransitionKind = "enqueued"
	TransitionLoading  TransitionKind = "loading"
	TransitionPlaying  TransitionKind = "playing"
	TransitionFinished TransitionKind = "finished"
	TransitionCleared  TransitionKind = "cleared"
)

// Transition is delivered to the Observer after every state change.
type Transition struct {
	Kind      TransitionKind
	Item      Item
	Outcome   Outcome
	Err       error
	Discarded int
	Pending   int
	At        time.Time
}

// Observer receives transitions on the Manager's loop goroutine. It must
// return quickly and must not call back into the Manager.
type Observer func(Transition)
