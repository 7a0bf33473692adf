package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-greeter/internal/audio"
	"github.com/loqalabs/loqa-greeter/internal/bus"
	"github.com/loqalabs/loqa-greeter/internal/bus/bustest"
	"github.com/loqalabs/loqa-greeter/internal/config"
	"github.com/loqalabs/loqa-greeter/internal/console"
	"github.com/loqalabs/loqa-greeter/internal/dispatch"
	"github.com/loqalabs/loqa-greeter/internal/natsserver"
	"github.com/loqalabs/loqa-greeter/internal/playback"
	"github.com/loqalabs/loqa-greeter/internal/protocol"
)

type stubBackend struct {
	base string
	off  atomic.Bool
}

func (b *stubBackend) Enabled() bool { return !b.off.Load() }
func (b *stubBackend) SetEnabled(on bool) { b.off.Store(!on) }
func (b *stubBackend) BaseURL() string { return b.base }

func (b *stubBackend) SetBaseURL(raw string) error {
	if raw == "" {
		return dispatch.ErrInvalidURL
	}
	b.base = raw
	return nil
}

func (b *stubBackend) Health(context.Context) protocol.ServiceHealth {
	return protocol.ServiceHealth{Reachable: true, Status: "healthy", ModelLoaded: true}
}

type daemon struct {
	url     string
	bus     *bus.Client
	manager *playback.Manager
	engine  *audio.MockEngine
}

func startDaemon(t *testing.T) daemon {
	t.Helper()
	srv, err := natsserver.StartLocal(bustest.Logger())
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), bustest.Config(srv), bustest.Logger())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	eng := audio.NewManualEngine()
	m := playback.New(context.Background(), eng, playback.Options{AutoPlay: true, Volume: 0.8, LoadTimeout: time.Minute}, bustest.Logger())
	t.Cleanup(m.Close)

	svc := console.NewService(config.Default(), client, m, &stubBackend{base: "http://localhost:8000"}, bustest.Logger())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	require.NoError(t, client.Conn().Flush())

	return daemon{url: srv.ClientURL(), bus: client, manager: m, engine: eng}
}

func (d daemon) run(args ...string) (string, error) {
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--server", d.url, "--timeout", "2s"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusCommand(t *testing.T) {
	d := startDaemon(t)

	out, err := d.run("status")
	require.NoError(t, err)
	assert.Contains(t, out, "state:     idle")
	assert.Contains(t, out, "current:   -")
	assert.Contains(t, out, "auto-play: on")

	out, err = d.run("status", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Status string               `json:"status"`
		Data   protocol.ControlReply `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	require.NotNil(t, resp.Data.Status)
	assert.Equal(t, "idle", resp.Data.Status.State)
}

func TestStopAndNextCommands(t *testing.T) {
	d := startDaemon(t)
	for _, l := range []string{"Ana", "Bo", "Cy"} {
		require.NoError(t, d.manager.Enqueue(playback.Item{Ref: "r-" + l, Label: l}))
	}

	out, err := d.run("next")
	require.NoError(t, err)
	assert.Contains(t, out, "current:   Bo")

	out, err = d.run("stop")
	require.NoError(t, err)
	assert.Contains(t, out, "discarded 1 queued clip(s)")
	assert.Zero(t, d.manager.Status().QueueLength)
}

func TestVolumeCommand(t *testing.T) {
	d := startDaemon(t)

	_, err := d.run("volume", "0.3")
	require.NoError(t, err)
	assert.InDelta(t, 0.3, d.manager.Status().Volume, 1e-9)

	_, err = d.run("volume", "3")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = d.run("volume", "loud")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestAutoPlayCommand(t *testing.T) {
	d := startDaemon(t)

	out, err := d.run("autoplay", "off")
	require.NoError(t, err)
	assert.Contains(t, out, "auto-play off")
	assert.False(t, d.manager.Status().AutoPlay)

	out, err = d.run("autoplay")
	require.NoError(t, err)
	assert.Contains(t, out, "auto-play on")

	_, err = d.run("autoplay", "maybe")
	assert.Error(t, err)
}

func TestTTSCommand(t *testing.T) {
	d := startDaemon(t)

	out, err := d.run("tts", "off")
	require.NoError(t, err)
	assert.Contains(t, out, "speech generation off")

	out, err = d.run("config")
	require.NoError(t, err)
	assert.Contains(t, out, "tts:       off")

	out, err = d.run("tts", "on")
	require.NoError(t, err)
	assert.Contains(t, out, "speech generation on")

	_, err = d.run("tts", "maybe")
	assert.Error(t, err)
}

func TestConfigAndAPIURLCommands(t *testing.T) {
	d := startDaemon(t)

	out, err := d.run("config")
	require.NoError(t, err)
	assert.Contains(t, out, "api url:   http://localhost:8000/tts")

	out, err = d.run("set-api-url", "http://tts.lan:9000")
	require.NoError(t, err)
	assert.Contains(t, out, "health:    http://tts.lan:9000/health")

	out, err = d.run("health")
	require.NoError(t, err)
	assert.Contains(t, out, "model:     loaded")
}

func TestAnnounceCommand(t *testing.T) {
	d := startDaemon(t)
	received := make(chan protocol.ParticipantJoined, 1)
	sub, err := d.bus.Conn().Subscribe(protocol.SubjectParticipantJoined, func(msg *nats.Msg) {
		var ev protocol.ParticipantJoined
		if json.Unmarshal(msg.Data, &ev) == nil {
			received <- ev
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, d.bus.Conn().Flush())

	out, err := d.run("announce", "Ana", "--room", "lobby")
	require.NoError(t, err)
	assert.Contains(t, out, "announced Ana")

	select {
	case ev := <-received:
		assert.Equal(t, "Ana", ev.Name)
		assert.Equal(t, "lobby", ev.Room)
		assert.NotEmpty(t, ev.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("announce was not published")
	}

	_, err = d.run("announce", "  ")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestUnreachableBus(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--server", "nats://127.0.0.1:1", "--timeout", "500ms", "status"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetArgs([]string{"--format", "yaml", "status"})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
