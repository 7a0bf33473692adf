// Package console exposes operator controls for the playback queue over
// bus request/reply.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-greeter/internal/bus"
	"github.com/loqalabs/loqa-greeter/internal/config"
	"github.com/loqalabs/loqa-greeter/internal/playback"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
)

// Queue is the part of the playback manager an operator can drive.
type Queue interface {
	Status() playback.Status
	Stop() int
	Advance() error
	SetVolume(v float64) error
	SetAutoPlay(on bool) error
	ToggleAutoPlay() (bool, error)
}

// Backend is the part of the dispatcher an operator can drive.
type Backend interface {
	Enabled() bool
	SetEnabled(on bool)
	BaseURL() string
	SetBaseURL(raw string) error
	Health(ctx context.Context) protocol.ServiceHealth
}

var ErrUnknownOp = errors.New("console: unknown operation")

type Service struct {
	cfg     config.Config
	bus     *bus.Client
	queue   Queue
	backend Backend
	sub     *nats.Subscription
	logger  *slog.Logger
}

func NewService(cfg config.Config, busClient *bus.Client, queue Queue, backend Backend, log *slog.Logger) *Service {
	return &Service{
		cfg:     cfg,
		bus:     busClient,
		queue:   queue,
		backend: backend,
		logger:  log.With(slog.String("component", "console")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectControlPrefix+".*", s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
}

func (s *Service) Healthy() bool { return s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	op := strings.TrimPrefix(msg.Subject, protocol.SubjectControlPrefix+".")
	var req protocol.ControlRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.respond(msg, protocol.ControlReply{Error: fmt.Sprintf("decode request: %v", err)})
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, err := s.Execute(ctx, op, req)
	if err != nil {
		s.logger.Warn("console operation failed", slog.String("op", op), slogError(err))
		reply.Error = err.Error()
	} else {
		reply.OK = true
	}
	s.respond(msg, reply)
}

func (s *Service) respond(msg *nats.Msg, reply protocol.ControlReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal console reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send console reply", slogError(err))
	}
}

// Execute runs one console operation. It is also used by the HTTP API.
func (s *Service) Execute(ctx context.Context, op string, req protocol.ControlRequest) (protocol.ControlReply, error) {
	var reply protocol.ControlReply
	switch op {
	case protocol.OpStatus:
	case protocol.OpStop:
		reply.Discarded = s.queue.Stop()
		s.logger.Info("operator stopped playback", slog.Int("discarded", reply.Discarded))
	case protocol.OpNext:
		if err := s.queue.Advance(); err != nil {
			return reply, err
		}
		s.logger.Info("operator skipped to next clip")
	case protocol.OpVolume:
		if req.Volume == nil {
			return reply, errors.New("volume is required")
		}
		if err := s.queue.SetVolume(*req.Volume); err != nil {
			return reply, err
		}
		s.logger.Info("operator set volume", slog.Float64("volume", *req.Volume))
	case protocol.OpAutoPlay:
		on, err := s.setAutoPlay(req.AutoPlay)
		if err != nil {
			return reply, err
		}
		reply.AutoPlay = &on
		s.logger.Info("operator set auto-play", slog.Bool("auto_play", on))
	case protocol.OpConfig:
		cfg := s.runtimeConfig()
		reply.Config = &cfg
		return reply, nil
	case protocol.OpAPIURL:
		if err := s.backend.SetBaseURL(req.BaseURL); err != nil {
			return reply, err
		}
		cfg := s.runtimeConfig()
		reply.Config = &cfg
		return reply, nil
	case protocol.OpTTS:
		switch strings.ToLower(req.TTS) {
		case "on", "true":
			s.backend.SetEnabled(true)
		case "off", "false":
			s.backend.SetEnabled(false)
		default:
			return reply, fmt.Errorf("tts must be on or off, got %q", req.TTS)
		}
		s.logger.Info("operator switched speech generation", slog.Bool("enabled", s.backend.Enabled()))
		cfg := s.runtimeConfig()
		reply.Config = &cfg
		return reply, nil
	case protocol.OpHealth:
		h := s.backend.Health(ctx)
		reply.Health = &h
		return reply, nil
	default:
		return reply, fmt.Errorf("%w %q", ErrUnknownOp, op)
	}
	st := StatusMessage(s.queue.Status())
	reply.Status = &st
	return reply, nil
}

func (s *Service) setAutoPlay(mode string) (bool, error) {
	switch strings.ToLower(mode) {
	case "on", "true":
		return true, s.queue.SetAutoPlay(true)
	case "off", "false":
		return false, s.queue.SetAutoPlay(false)
	case "toggle", "":
		return s.queue.ToggleAutoPlay()
	default:
		return false, fmt.Errorf("auto_play must be on, off or toggle, got %q", mode)
	}
}

func (s *Service) runtimeConfig() protocol.RuntimeConfig {
	st := s.queue.Status()
	base := s.backend.BaseURL()
	return protocol.RuntimeConfig{
		TTSEnabled:    s.backend.Enabled(),
		TTSMode:       s.cfg.TTS.Mode,
		BaseURL:       base,
		APIURL:        base + "/tts",
		HealthURL:     base + "/health",
		WelcomePrefix: s.cfg.TTS.WelcomePrefix,
		WelcomeSuffix: s.cfg.TTS.WelcomeSuffix,
		Engine:        s.cfg.Playback.Engine,
		AutoPlay:      st.AutoPlay,
		Volume:        st.Volume,
		LoadTimeoutMS: s.cfg.Playback.LoadTimeoutMS,
	}
}

// StatusMessage converts a queue snapshot to its wire form. Missing
// current or next labels become null.
func StatusMessage(st playback.Status) protocol.QueueStatus {
	out := protocol.QueueStatus{
		QueueLength:   st.QueueLength,
		IsPlaying:     st.IsPlaying,
		State:         st.State.String(),
		PendingLabels: st.PendingLabels,
		AutoPlay:      st.AutoPlay,
		Volume:        st.Volume,
	}
	if out.PendingLabels == nil {
		out.PendingLabels = []string{}
	}
	if st.IsPlaying {
		label := st.CurrentLabel
		out.CurrentLabel = &label
	}
	if st.QueueLength > 0 {
		label := st.NextLabel
		out.NextLabel = &label
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
