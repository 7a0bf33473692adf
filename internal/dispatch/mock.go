package dispatch

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	delay time.Duration
}

// NewMockGenerator returns a generator that answers with mock://<task id>
// after delay. Text containing "fail" is rejected, which is handy for dry
// runs of the failure path.
func NewMockGenerator(delay time.Duration) Generator {
	return &mockGenerator{delay: delay}
}

func (m *mockGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-time.After(m.delay):
	}
	if strings.Contains(strings.ToLower(req.Text), "fail") {
		return Result{}, ErrGeneration
	}
	return Result{
		Ref:      "mock://" + req.TaskID,
		TaskID:   req.TaskID,
		Duration: time.Second,
	}, nil
}

func secondsToDuration(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
