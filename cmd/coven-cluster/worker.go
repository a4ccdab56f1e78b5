// ABOUTME: Worker role of coven-cluster, run when the binary was forked by a primary
// ABOUTME: Answers ping and echo requests and exits when the primary lets go

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/2389/coven-cluster/internal/cluster"
	"github.com/2389/coven-cluster/internal/config"
)

// workerHandlers is the worker role's message table. Failed replies are logged.
func workerHandlers(logger *slog.Logger) cluster.Handlers[*cluster.Worker] {
	reply := func(w *cluster.Worker, request string, message any) {
		if err := w.Send(message); err != nil {
			logger.Warn("reply failed", "request", request, "error", err)
		}
	}

	return cluster.Handlers[*cluster.Worker]{
		"ping": func(w *cluster.Worker, e *cluster.Event) {
			m := e.Message.(map[string]any)
			reply(w, "ping", map[string]any{
				cluster.TypeKey: "pong",
				"seq":           m["seq"],
				"worker_id":     w.ID(),
			})
		},
		"echo": func(w *cluster.Worker, e *cluster.Event) {
			m := e.Message.(map[string]any)
			reply(w, "echo", map[string]any{
				cluster.TypeKey: "echoed",
				"text":          m["text"],
			})
		},
	}
}

// runWorker runs the worker role and returns the process exit code.
func runWorker() int {
	cfg := config.Default()
	if path, err := config.Path(); err == nil {
		if loaded, err := config.LoadOrDefault(path); err == nil {
			cfg = loaded
		}
	}
	logger := setupLogger(cfg.Logging, os.Stderr).With("worker_id", cluster.WorkerID())

	// Interrupts reach the whole process group; the primary decides when workers stop.
	signal.Ignore(syscall.SIGINT)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	w, err := cluster.NewWorker(cluster.WorkerOptions{
		Logger:          logger,
		MessageHandlers: workerHandlers(logger),
		KillGracePeriod: cfg.Workers.KillGracePeriod,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return serveWorker(ctx, w)
}

// serveWorker blocks until the primary disconnects or ctx is cancelled.
func serveWorker(ctx context.Context, w *cluster.Worker) int {
	select {
	case <-w.Done():
	case <-ctx.Done():
		w.Destroy()
	}
	return 0
}
