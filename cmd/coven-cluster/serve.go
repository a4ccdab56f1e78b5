// ABOUTME: The serve command: runs the primary, health endpoints, journal and ping loop
// ABOUTME: Everything runs under one errgroup and stops when the context is cancelled

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-cluster/internal/cluster"
	"github.com/2389/coven-cluster/internal/config"
	"github.com/2389/coven-cluster/internal/health"
	"github.com/2389/coven-cluster/internal/journal"
)

// closeMargin is added to the kill grace period when waiting for workers on exit.
const closeMargin = 5 * time.Second

type serveOptions struct {
	workers      int
	pingInterval time.Duration
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the primary and fork workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := root.resolveConfigPath()
			if err != nil {
				return err
			}
			cfg, err := config.LoadOrDefault(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			if cmd.Flags().Changed("workers") {
				cfg.Workers.Count = opts.workers
			}
			if cmd.Flags().Changed("ping-interval") {
				cfg.Workers.PingInterval = opts.pingInterval
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			printStartup(cmd.OutOrStdout(), path, cfg)
			logger := setupLogger(cfg.Logging, os.Stdout)
			return runServe(cmd.Context(), path, cfg, logger)
		},
	}

	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 1, "number of workers to fork (overrides config)")
	cmd.Flags().DurationVar(&opts.pingInterval, "ping-interval", 0, "round-robin ping interval, 0 disables (overrides config)")
	return cmd
}

func printStartup(w io.Writer, path string, cfg *config.Config) {
	fmt.Fprint(w, color.CyanString(banner))
	fmt.Fprint(w, color.HiBlackString("    version: %s\n\n", version))

	bullet := color.GreenString("    ▶ ")
	fmt.Fprintf(w, "%sConfig:    %s\n", bullet, path)
	fmt.Fprintf(w, "%sWorkers:   %d\n", bullet, cfg.Workers.Count)
	if cfg.Health.GRPCAddr != "" {
		fmt.Fprintf(w, "%sgRPC:      %s\n", bullet, cfg.Health.GRPCAddr)
	}
	if cfg.Health.HTTPAddr != "" {
		fmt.Fprintf(w, "%sHTTP:      %s\n", bullet, cfg.Health.HTTPAddr)
	}
	if cfg.Journal.Path != "" {
		fmt.Fprintf(w, "%sJournal:   %s\n", bullet, cfg.Journal.Path)
	}
	fmt.Fprintln(w)
}

// primaryHandlers answers the worker role's replies.
func primaryHandlers(pongs *pongTracker, logger *slog.Logger) cluster.Handlers[*cluster.Primary] {
	return cluster.Handlers[*cluster.Primary]{
		"pong": func(_ *cluster.Primary, e *cluster.Event) {
			pongs.record(e.Worker.ID, e.Message)
		},
		"echoed": func(_ *cluster.Primary, e *cluster.Event) {
			m := e.Message.(map[string]any)
			logger.Info("worker echoed", "worker_id", e.Worker.ID, "text", m["text"])
		},
	}
}

func runServe(ctx context.Context, path string, cfg *config.Config, logger *slog.Logger) error {
	clusterID := uuid.New().String()
	logger = logger.With("cluster_id", clusterID)

	logger.Info("starting coven-cluster",
		"config", path,
		"workers", cfg.Workers.Count,
		"grpc_addr", cfg.Health.GRPCAddr,
		"http_addr", cfg.Health.HTTPAddr,
	)

	// Listeners and the journal open before the primary; a failure here leaves nothing running.
	grpcLn, httpLn, err := listenHealth(cfg.Health)
	if err != nil {
		return err
	}

	var store *journal.Store
	if cfg.Journal.Path != "" {
		store, err = journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			closeListeners(grpcLn, httpLn)
			return fmt.Errorf("opening journal: %w", err)
		}
		defer store.Close()
	}

	pongs := newPongTracker()
	p := cluster.NewPrimary(cluster.PrimaryOptions{
		Exec:            cfg.Workers.Exec,
		Args:            cfg.Workers.Args,
		Env:             []string{config.EnvConfigPath + "=" + path},
		Silent:          cfg.Workers.Silent,
		Logger:          logger,
		MessageHandlers: primaryHandlers(pongs, logger),
	})

	if store != nil {
		rec := journal.Attach(p, store, clusterID, logger)
		defer rec.Close()
	}

	hs := health.New(p, logger)
	defer hs.Attach(p)()

	if err := p.Fork(cfg.Workers.Count); err != nil {
		closeListeners(grpcLn, httpLn)
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Workers.KillGracePeriod+closeMargin)
		defer cancel()
		_ = p.Close(closeCtx)
		return fmt.Errorf("forking workers: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hs.Serve(gctx, grpcLn, httpLn)
	})
	if cfg.Workers.PingInterval > 0 {
		g.Go(func() error {
			return pingLoop(gctx, p, cfg.Workers.PingInterval, logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Workers.KillGracePeriod+closeMargin)
		defer cancel()
		return p.Close(closeCtx)
	})

	return g.Wait()
}

// listenHealth opens the configured health listeners; an empty address yields a nil listener.
func listenHealth(cfg config.HealthConfig) (grpcLn, httpLn net.Listener, err error) {
	if cfg.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address %s: %w", cfg.GRPCAddr, err)
		}
	}
	if cfg.HTTPAddr != "" {
		httpLn, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			closeListeners(grpcLn, nil)
			return nil, nil, fmt.Errorf("listening on HTTP address %s: %w", cfg.HTTPAddr, err)
		}
	}
	return grpcLn, httpLn, nil
}

func closeListeners(lns ...net.Listener) {
	for _, ln := range lns {
		if ln != nil {
			ln.Close()
		}
	}
}

// pingLoop sends a sequenced ping to the next worker in rotation every interval.
func pingLoop(ctx context.Context, p *cluster.Primary, interval time.Duration, logger *slog.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		h, err := p.RoundRobin("ping")
		if errors.Is(err, cluster.ErrNoWorkers) {
			logger.Debug("no workers to ping")
			continue
		}
		if err != nil {
			return fmt.Errorf("selecting worker: %w", err)
		}

		seq++
		if err := h.Send(map[string]any{cluster.TypeKey: "ping", "seq": seq}); err != nil {
			logger.Warn("ping failed", "worker_id", h.ID, "seq", seq, "error", err)
		}
	}
}

// pongTracker remembers the latest pong sequence per worker.
type pongTracker struct {
	mu    sync.Mutex
	last  map[int]int
	total int
}

func newPongTracker() *pongTracker {
	return &pongTracker{last: make(map[int]int)}
}

func (t *pongTracker) record(workerID int, message any) {
	m, ok := message.(map[string]any)
	if !ok {
		return
	}
	seq, _ := m["seq"].(float64)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[workerID] = int(seq)
	t.total++
}

// snapshot returns the latest sequence per worker and the total pong count.
func (t *pongTracker) snapshot() (map[int]int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	last := make(map[int]int, len(t.last))
	for id, seq := range t.last {
		last[id] = seq
	}
	return last, t.total
}
