// ABOUTME: Operator commands: init, health, journal and version
// ABOUTME: They work against the config file and a running primary's health and journal

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coven-cluster/internal/config"
	"github.com/2389/coven-cluster/internal/health"
	"github.com/2389/coven-cluster/internal/journal"
)

func newInitCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := root.resolveConfigPath()
			if err != nil {
				return err
			}
			if err := config.Default().Write(path); err != nil {
				if errors.Is(err, os.ErrExist) {
					return fmt.Errorf("config already exists at %s", path)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Wrote %s\n", color.GreenString("✓"), path)
			return nil
		},
	}
}

type healthOptions struct {
	addr    string
	timeout time.Duration
}

func newHealthCmd(root *rootOptions) *cobra.Command {
	opts := &healthOptions{}

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the pool status of a running primary",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			addr := opts.addr
			if addr == "" {
				cfg, err := loadConfig(root)
				if err != nil {
					return err
				}
				addr = cfg.Health.GRPCAddr
			}
			if addr == "" {
				return errors.New("no gRPC health address configured")
			}

			conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", addr, err)
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return printHealth(ctx, cmd.OutOrStdout(), conn, addr)
		},
	}

	cmd.Flags().StringVar(&opts.addr, "addr", "", "gRPC health address (default from config)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "how long to wait for an answer")
	return cmd
}

// printHealth writes the pool status and fails unless it is SERVING.
func printHealth(ctx context.Context, w io.Writer, cc grpc.ClientConnInterface, addr string) error {
	status, err := health.Check(ctx, cc, health.ServiceName)
	if err != nil {
		return err
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		fmt.Fprintf(w, "%s %s %s\n", color.RedString("✗"), addr, status)
		return fmt.Errorf("pool is %s", status)
	}
	fmt.Fprintf(w, "%s %s %s\n", color.GreenString("✓"), addr, status)
	return nil
}

type journalOptions struct {
	limit    int
	event    string
	workerID int
	since    time.Duration
}

func newJournalCmd(root *rootOptions) *cobra.Command {
	opts := &journalOptions{}

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List recorded lifecycle events, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if cfg.Journal.Path == "" {
				return errors.New("journal is disabled (journal.path is empty)")
			}

			store, err := journal.Open(cfg.Journal.Path, slog.New(slog.NewTextHandler(io.Discard, nil)))
			if err != nil {
				return err
			}
			defer store.Close()

			f := journal.Filter{Limit: opts.limit}
			if opts.event != "" {
				f.Event = &opts.event
			}
			if cmd.Flags().Changed("worker") {
				f.WorkerID = &opts.workerID
			}
			if opts.since > 0 {
				since := time.Now().Add(-opts.since)
				f.Since = &since
			}

			entries, err := store.List(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "maximum entries to show")
	cmd.Flags().StringVarP(&opts.event, "event", "e", "", "only show this event")
	cmd.Flags().IntVar(&opts.workerID, "worker", 0, "only show this worker")
	cmd.Flags().DurationVar(&opts.since, "since", 0, "only show entries newer than this")
	return cmd
}

func printEntries(w io.Writer, entries []journal.Entry) error {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No entries.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tEVENT\tWORKER\tPID\tDETAIL")
	for _, e := range entries {
		worker := "-"
		if e.WorkerID != 0 {
			worker = fmt.Sprint(e.WorkerID)
		}
		pid := "-"
		if e.Pid != 0 {
			pid = fmt.Sprint(e.Pid)
		}
		detail, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("encoding detail: %w", err)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.DateTime), e.Event, worker, pid, detail)
	}
	return tw.Flush()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coven-cluster %s\n", version)
		},
	}
}

// loadConfig loads the config the way serve does, falling back to defaults.
func loadConfig(root *rootOptions) (*config.Config, error) {
	path, err := root.resolveConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}
