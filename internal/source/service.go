// Package source turns participant-joined events from the bus into
// welcome generation requests.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-greeter/internal/bus"
	"github.com/loqalabs/loqa-greeter/internal/config"
	"github.com/loqalabs/loqa-greeter/internal/dispatch"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
)

// Dispatcher starts generation for one participant.
type Dispatcher interface {
	Dispatch(label string) (string, error)
}

// Result labels how an inbound event was handled.
type Result string

const (
	ResultAccepted  Result = "accepted"
	ResultDuplicate Result = "duplicate"
	ResultIgnored   Result = "ignored"
	ResultOtherRoom Result = "other_room"
	ResultDisabled  Result = "disabled"
	ResultFailed    Result = "failed"
)

type Service struct {
	cfg      config.SourceConfig
	bus      *bus.Client
	dispatch Dispatcher
	onJoin   func(protocol.ParticipantJoined)

	seen   *lru.Cache[string, struct{}]
	events metric.Int64Counter
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewService builds the event source. onJoin, when set, is called for
// every accepted event before generation starts.
func NewService(parent context.Context, cfg config.SourceConfig, busClient *bus.Client, d Dispatcher, onJoin func(protocol.ParticipantJoined), log *slog.Logger) (*Service, error) {
	size := cfg.DedupeSize
	if size <= 0 {
		size = 1
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:      cfg,
		bus:      busClient,
		dispatch: d,
		onJoin:   onJoin,
		seen:     seen,
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "event-source")),
	}
	s.events, err = otel.Meter("github.com/loqalabs/loqa-greeter/source").Int64Counter("greeter.source.events",
		metric.WithDescription("Participant events by handling result"))
	if err != nil {
		s.logger.Warn("failed to create source counter", slogError(err))
	}
	return s, nil
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectParticipantJoined, s.handleMessage)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("listening for participants", slog.String("subject", protocol.SubjectParticipantJoined), slog.String("room", s.cfg.Room))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

// forget clears the dedupe cache, so previously seen event ids are
// accepted again.
func (s *Service) forget() {
	s.seen.Purge()
}

func (s *Service) handleMessage(msg *nats.Msg) {
	var ev protocol.ParticipantJoined
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn("failed to decode participant event", slogError(err))
		s.count(ResultIgnored)
		return
	}
	s.count(s.Handle(ev))
}

// Handle applies the acceptance rules to ev and dispatches generation
// for accepted events.
func (s *Service) Handle(ev protocol.ParticipantJoined) Result {
	ev.EventID = strings.TrimSpace(ev.EventID)
	ev.Name = strings.TrimSpace(ev.Name)
	if ev.EventID == "" || ev.Name == "" {
		s.logger.Debug("ignoring incomplete participant event", slog.String("event_id", ev.EventID))
		return ResultIgnored
	}
	if s.cfg.Room != "" && ev.Room != "" && ev.Room != s.cfg.Room {
		return ResultOtherRoom
	}

	if dup, _ := s.seen.ContainsOrAdd(ev.EventID, struct{}{}); dup {
		return ResultDuplicate
	}

	if ev.Action == "" {
		ev.Action = s.cfg.DefaultAction
	}
	if ev.Room == "" {
		ev.Room = s.cfg.Room
	}
	s.logger.Info("participant joined",
		slog.String("name", ev.Name),
		slog.String("action", ev.Action),
		slog.String("event_id", ev.EventID))

	if s.onJoin != nil {
		s.onJoin(ev)
	}

	if _, err := s.dispatch.Dispatch(ev.Name); err != nil {
		if errors.Is(err, dispatch.ErrDisabled) {
			s.logger.Debug("welcome generation disabled", slog.String("name", ev.Name))
			return ResultDisabled
		}
		s.logger.Warn("failed to dispatch welcome", slog.String("name", ev.Name), slogError(err))
		return ResultFailed
	}
	return ResultAccepted
}

func (s *Service) count(r Result) {
	if s.events == nil {
		return
	}
	s.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", string(r))))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
