package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/Ansteorra/KMP-sub014/internal/config"
	"github.com/Ansteorra/KMP-sub014/internal/database"
	"github.com/Ansteorra/KMP-sub014/internal/worker"
)

func workerConfig(cfg *config.Config) worker.Config {
	return worker.Config{
		PollInterval:    cfg.PollInterval,
		WorkerTimeout:   cfg.WorkerTimeout,
		ReclaimInterval: cfg.ReclaimInterval,
		MaxRuntime:      cfg.WorkerMaxRuntime,
		Host:            cfg.ServerName,
	}
}

// ── run ───────────────────────────────────────────────────────────────────────

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Claim and execute at most one job, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			w := worker.New(a.queue, workerConfig(a.cfg), worker.WithLogger(a.log))
			ran, err := w.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if ran {
				fmt.Fprintln(cmd.OutOrStdout(), "1 job processed")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "no job available")
			}
			return nil
		},
	}
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	var (
		maxRuntime time.Duration
		maxJobs    int
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the worker loop until terminated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			wcfg := workerConfig(a.cfg)
			if cmd.Flags().Changed("max-runtime") {
				wcfg.MaxRuntime = maxRuntime
			}
			wcfg.MaxJobs = maxJobs

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			w := worker.New(a.queue, wcfg,
				worker.WithLogger(a.log),
				worker.WithMetrics(worker.NewMetrics(reg)),
			)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if a.cfg.MetricsAddr != "" {
				go func() {
					if err := worker.ServeOps(ctx, a.cfg.MetricsAddr, worker.OpsHandler(w, reg)); err != nil {
						slog.Error("ops server", "error", err)
					}
				}()
			}
			return w.Run(ctx)
		},
	}
	cmd.Flags().DurationVar(&maxRuntime, "max-runtime", 0, "Stop after this long (default QUEUE_WORKER_MAX_RUNTIME)")
	cmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "Stop after this many jobs; 0 for no limit")
	return cmd
}

// ── processes ─────────────────────────────────────────────────────────────────

func processesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "processes",
		Short: "List worker processes; stale ones have missed their heartbeat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			procs, err := a.store.ListProcesses(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(procs) == 0 {
				fmt.Fprintln(out, "No workers")
				return nil
			}
			// Staleness is judged by the database clock, as reclaim does.
			staleKeys, err := a.store.ListStale(cmd.Context(), a.cfg.WorkerTimeout)
			if err != nil {
				return err
			}
			stale := make(map[string]bool, len(staleKeys))
			for _, k := range staleKeys {
				stale[k] = true
			}
			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "WORKER KEY\tHOST\tPID\tSTARTED\tLAST HEARTBEAT\tACTIVE JOB\tSTATE")
			for _, p := range procs {
				active := "-"
				if p.ActiveJobID != nil {
					active = fmt.Sprint(*p.ActiveJobID)
				}
				state := "alive"
				switch {
				case stale[p.WorkerKey]:
					state = "stale"
				case p.Terminate:
					state = "terminating"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
					p.WorkerKey, p.Host, p.PID,
					p.StartedAt.Local().Format(timeLayout),
					p.LastHeartbeatAt.Local().Format(timeLayout),
					active, state)
			}
			return w.Flush()
		},
	}

	var all bool
	end := &cobra.Command{
		Use:   "end [worker-key]",
		Short: "Ask a worker, or all with --all, to exit after its current job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("pass either a worker key or --all")
			}
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if all {
				n, err := a.store.RequestTerminateAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "terminate requested for %d workers\n", n)
				return nil
			}
			if err := a.store.RequestTerminate(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "terminate requested for %s\n", args[0])
			return nil
		},
	}
	end.Flags().BoolVar(&all, "all", false, "Terminate every worker")
	cmd.AddCommand(end)
	return cmd
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			slog.Info("running migrations", "driver", cfg.DatabaseDriver)
			migrateURL := cfg.DatabaseURL
			if cfg.DatabaseURLMigrate != "" {
				migrateURL = cfg.DatabaseURLMigrate
			}
			version, err := database.Migrate(cfg.DatabaseDriver, migrateURL)
			if err != nil {
				return err
			}
			slog.Info("migrations complete", "version", version)
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
}
