package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/replaysMike/binner-auth/internal/config"
	"github.com/replaysMike/binner-auth/internal/service"
)

type countingPruner struct{ calls atomic.Int32 }

func (p *countingPruner) PruneExpired(context.Context) (service.PruneStats, error) {
	p.calls.Add(1)
	return service.PruneStats{}, nil
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func TestNewCopiesTimeouts(t *testing.T) {
	cfg := &config.Config{ShutdownTimeout: 10 * time.Second, PruneInterval: time.Minute}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := &http.Server{Addr: ":8080", ReadHeaderTimeout: time.Second}

	a := New(cfg, logger, server, nil, nil)
	if a.Config != cfg || a.Logger != logger || a.Server != server {
		t.Fatal("expected app dependencies to be assigned")
	}
	if a.ShutdownTimeout != cfg.ShutdownTimeout || a.PruneInterval != cfg.PruneInterval {
		t.Fatal("expected timings copied from config")
	}
}

func TestRunStopsOnCancelAndClosesResources(t *testing.T) {
	cfg := &config.Config{ShutdownTimeout: time.Second, PruneInterval: 5 * time.Millisecond}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := &http.Server{
		Addr:              freeAddr(t),
		Handler:           http.NotFoundHandler(),
		ReadHeaderTimeout: time.Second,
	}
	pruner := &countingPruner{}
	var closed []string
	a := New(cfg, logger, server, nil, pruner,
		func() error { closed = append(closed, "db"); return nil },
		func() error { closed = append(closed, "redis"); return errors.New("redis close failed") },
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for pruner.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err == nil || err.Error() != "redis close failed" {
			t.Fatalf("expected closer error to surface, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if pruner.calls.Load() == 0 {
		t.Fatal("expected scheduled prune to run")
	}
	if len(closed) != 2 || closed[0] != "redis" || closed[1] != "db" {
		t.Fatalf("closers must run in reverse order, got %v", closed)
	}
}

func TestRunReportsListenFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	cfg := &config.Config{ShutdownTimeout: time.Second}
	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), &http.Server{Addr: l.Addr().String(), ReadHeaderTimeout: time.Second}, nil, nil)
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}
