package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-shellwords"
)

// ExecEngine plays each clip by running an external player process, for
// example `ffplay -nodisp -autoexit -loglevel quiet {ref}`. The {ref} and
// {volume} placeholders are substituted per clip; when {ref} is absent the
// ref is appended as the last argument.
type ExecEngine struct {
	cmd []string
	log *slog.Logger
}

func NewExecEngine(command string, log *slog.Logger) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command empty")
	}
	return &ExecEngine{cmd: args, log: log}, nil
}

func (e *ExecEngine) Load(ref string, volume float64) (Handle, error) {
	path, err := exec.LookPath(e.cmd[0])
	if err != nil {
		return nil, fmt.Errorf("locate player %q: %w", e.cmd[0], err)
	}
	args := e.expand(ref, volume)

	ctx, cancel := context.WithCancel(context.Background())
	h := &execHandle{
		cmd:    exec.CommandContext(ctx, path, args...),
		cancel: cancel,
		events: make(chan Signal, 2),
		log:    e.log,
	}
	// The process itself does the loading, so the clip is ready as soon as
	// the command is built.
	h.emit(Signal{Kind: SignalReady})
	return h, nil
}

func (e *ExecEngine) expand(ref string, volume float64) []string {
	vol := strconv.FormatFloat(ClampVolume(volume), 'f', 2, 64)
	var out []string
	sawRef := false
	for _, arg := range e.cmd[1:] {
		if strings.Contains(arg, "{ref}") {
			sawRef = true
		}
		arg = strings.ReplaceAll(arg, "{ref}", ref)
		arg = strings.ReplaceAll(arg, "{volume}", vol)
		out = append(out, arg)
	}
	if !sawRef {
		out = append(out, ref)
	}
	return out
}

type execHandle struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	events chan Signal
	log    *slog.Logger

	mu      sync.Mutex
	aborted bool
}

func (h *execHandle) Events() <-chan Signal { return h.events }

func (h *execHandle) Play() error {
	h.mu.Lock()
	if h.aborted {
		h.mu.Unlock()
		return ErrAborted
	}
	if err := h.cmd.Start(); err != nil {
		h.mu.Unlock()
		return fmt.Errorf("start player: %w", err)
	}
	h.mu.Unlock()

	go func() {
		err := h.cmd.Wait()
		if err != nil {
			h.emit(Signal{Kind: SignalError, Err: fmt.Errorf("player exited: %w", err)})
			return
		}
		h.emit(Signal{Kind: SignalEnded})
	}()
	return nil
}

// SetVolume cannot reach a running player process.
func (h *execHandle) SetVolume(v float64) {
	h.log.Debug("exec player ignores live volume changes", slog.Float64("volume", v))
}

func (h *execHandle) Abort() {
	h.mu.Lock()
	h.aborted = true
	h.mu.Unlock()
	h.cancel()
}

func (h *execHandle) emit(sig Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.aborted {
		return
	}
	select {
	case h.events <- sig:
	default:
	}
}
