package audio

import (
	"errors"
	"fmt"
	"math"
)

// SignalKind enumerates lifecycle notifications emitted by a Handle.
type SignalKind int

const (
	SignalReady SignalKind = iota + 1
	SignalEnded
	SignalError
)

func (k SignalKind) String() string {
	switch k {
	case SignalReady:
		return "ready"
	case SignalEnded:
		return "ended"
	case SignalError:
		return "error"
	default:
		return fmt.Sprintf("signal(%d)", int(k))
	}
}

// Signal is one lifecycle notification. Err is set only for SignalError.
type Signal struct {
	Kind SignalKind
	Err  error
}

// Engine prepares audio references for playback. A non-nil error from Load
// means no handle could be created at all; failures while preparing the
// clip are reported asynchronously as a SignalError instead.
type Engine interface {
	Load(ref string, volume float64) (Handle, error)
}

// Handle is a single load/play lifecycle.
//
// Exactly one of Ready or Error follows Load. After Ready the owner calls
// Play, after which exactly one of Ended or Error follows. Abort releases
// the underlying resources and guarantees no further signals.
type Handle interface {
	Events() <-chan Signal
	Play() error
	SetVolume(v float64)
	Abort()
}

var ErrAborted = errors.New("audio: handle aborted")

// ClampVolume bounds v to [0, 1]. NaN maps to 0.
func ClampVolume(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
