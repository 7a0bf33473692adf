// Package bustest runs a throwaway NATS server for tests.
package bustest

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/loqa-greeter/internal/bus"
	"github.com/loqalabs/loqa-greeter/internal/config"
	"github.com/loqalabs/loqa-greeter/internal/natsserver"
)

func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Connect starts a loopback NATS server and returns a client connected to
// it. Both are torn down when the test ends.
func Connect(t testing.TB) *bus.Client {
	t.Helper()
	srv, err := natsserver.StartLocal(Logger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), Config(srv), Logger())
	if err != nil {
		t.Fatalf("connect nats: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// Config returns bus settings that dial srv.
func Config(srv *natsserver.EmbeddedServer) config.BusConfig {
	return config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
		RequestTimeout: 2000,
	}
}
