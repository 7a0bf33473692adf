// Package otoengine plays WAV clips on the local sound device through oto.
package otoengine

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/loqalabs/loqa-greeter/internal/audio"
)

const drainPoll = 20 * time.Millisecond

// Engine owns the process-wide oto context. oto allows only one context
// per process, so create a single Engine and share it.
type Engine struct {
	ctx        *oto.Context
	sampleRate int
	channels   int
	client     *http.Client
	log        *slog.Logger
}

func New(sampleRate, channels int, client *http.Client, log *slog.Logger) (*Engine, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	}
	switch runtime.GOOS {
	case "darwin":
		opts.BufferSize = 100 * time.Millisecond
	default:
		opts.BufferSize = 50 * time.Millisecond
	}
	octx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("create audio context: %w", err)
	}
	<-ready
	if client == nil {
		client = http.DefaultClient
	}
	return &Engine{
		ctx:        octx,
		sampleRate: sampleRate,
		channels:   channels,
		client:     client,
		log:        log.With(slog.String("component", "oto-engine")),
	}, nil
}

func (e *Engine) Load(ref string, volume float64) (audio.Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	h := &handle{
		engine: e,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan audio.Signal, 2),
		volume: audio.ClampVolume(volume),
	}
	go h.prepare(ref)
	return h, nil
}

type handle struct {
	engine *Engine
	ctx    context.Context
	cancel context.CancelFunc
	events chan audio.Signal

	mu      sync.Mutex
	pcm     []byte
	player  *oto.Player
	volume  float64
	aborted bool
}

func (h *handle) Events() <-chan audio.Signal { return h.events }

func (h *handle) prepare(ref string) {
	data, err := audio.Fetch(h.ctx, h.engine.client, ref)
	if err != nil {
		h.emit(audio.Signal{Kind: audio.SignalError, Err: fmt.Errorf("fetch clip: %w", err)})
		return
	}
	pcm, err := audio.DecodeWAV(bytes.NewReader(data))
	if err != nil {
		h.emit(audio.Signal{Kind: audio.SignalError, Err: err})
		return
	}
	if pcm.SampleRate != h.engine.sampleRate || pcm.Channels != h.engine.channels {
		h.emit(audio.Signal{Kind: audio.SignalError, Err: fmt.Errorf(
			"clip format %dHz/%dch does not match output %dHz/%dch",
			pcm.SampleRate, pcm.Channels, h.engine.sampleRate, h.engine.channels)})
		return
	}
	h.mu.Lock()
	h.pcm = pcm.Data
	h.mu.Unlock()
	h.emit(audio.Signal{Kind: audio.SignalReady})
}

func (h *handle) Play() error {
	h.mu.Lock()
	if h.aborted {
		h.mu.Unlock()
		return audio.ErrAborted
	}
	if h.pcm == nil {
		h.mu.Unlock()
		return fmt.Errorf("clip not loaded")
	}
	p := h.engine.ctx.NewPlayer(bytes.NewReader(h.pcm))
	p.SetVolume(h.volume)
	p.Play()
	h.player = p
	h.mu.Unlock()

	go h.watch(p)
	return nil
}

func (h *handle) watch(p *oto.Player) {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
		}
		if p.IsPlaying() {
			continue
		}
		if err := p.Err(); err != nil {
			h.emit(audio.Signal{Kind: audio.SignalError, Err: err})
		} else {
			h.emit(audio.Signal{Kind: audio.SignalEnded})
		}
		h.release()
		return
	}
}

func (h *handle) SetVolume(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.volume = audio.ClampVolume(v)
	if h.player != nil {
		h.player.SetVolume(h.volume)
	}
}

func (h *handle) Abort() {
	h.mu.Lock()
	h.aborted = true
	if h.player != nil {
		h.player.Pause()
	}
	h.mu.Unlock()
	h.cancel()
	h.release()
}

func (h *handle) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.player != nil {
		if err := h.player.Close(); err != nil {
			h.engine.log.Debug("close player", slog.String("error", err.Error()))
		}
		h.player = nil
	}
	h.pcm = nil
}

func (h *handle) emit(sig audio.Signal) {
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
