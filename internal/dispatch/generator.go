package dispatch

import (
	"context"
	"errors"
	"time"
)

// Request asks a backend to synthesize one welcome clip.
type Request struct {
	TaskID string
	Text   string
	Voice  string
}

// Result locates a synthesized clip.
type Result struct {
	Ref      string
	TaskID   string
	Duration time.Duration
}

// Generator is the contract for turning text into a playable reference.
type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

var (
	ErrGeneration = errors.New("dispatch: generation failed")
	ErrDisabled   = errors.New("dispatch: generation disabled")
	ErrInvalidURL = errors.New("dispatch: base url must be an absolute http(s) url")
	ErrClosed     = errors.New("dispatch: dispatcher closed")
)
