// Package brokertest runs an embedded JetStream-enabled NATS server for tests.
package brokertest

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/jaakkos/relaywork/internal/broker"
)

// RunServer starts an in-process server on a random port with a temporary store.
// It is shut down when the test finishes.
func RunServer(t testing.TB) *server.Server {
	t.Helper()
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	}
	s, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		s.Shutdown()
		t.Fatal("nats server not ready")
	}
	t.Cleanup(func() {
		s.Shutdown()
		s.WaitForShutdown()
	})
	return s
}

// NewClient starts a server and returns a client connected to it.
func NewClient(t testing.TB) *broker.Client {
	t.Helper()
	return Connect(t, RunServer(t))
}

// Connect returns an additional client for an already running server.
func Connect(t testing.TB, s *server.Server) *broker.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := broker.Connect(ctx, s.ClientURL(), log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("broker connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}
