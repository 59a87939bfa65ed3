// Command queue is the operator CLI of the job queue.
//
// Subcommands:
//
//	add          enqueue a job for a registered task
//	info         registered tasks and per-task job counts
//	run          one claim/execute pass
//	worker       long-lived worker loop
//	job, jobs    inspect, reset or remove jobs
//	processes    list workers or request their termination
//	reset, flush, hard-reset, cleanup   bulk maintenance
//	migrate      run pending database migrations and exit
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	// Embeds the IANA timezone database so time.LoadLocation works in
	// distroless containers.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/spf13/cobra"

	"github.com/Ansteorra/KMP-sub014/internal/config"
	"github.com/Ansteorra/KMP-sub014/internal/database"
	"github.com/Ansteorra/KMP-sub014/internal/queue"
	"github.com/Ansteorra/KMP-sub014/internal/task"
	"github.com/Ansteorra/KMP-sub014/internal/tasks/builtin"
	"github.com/Ansteorra/KMP-sub014/internal/tasks/email"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

// printError writes err as "<Kind>: <message>".
func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s: %v\n", queue.Kind(err), err)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "queue",
		Short: "Database-backed job queue and worker",
		// Errors are printed by main with their kind.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		addCmd(),
		infoCmd(),
		runCmd(),
		workerCmd(),
		jobCmd(),
		jobsCmd(),
		processesCmd(),
		resetCmd(),
		flushCmd(),
		hardResetCmd(),
		cleanupCmd(),
		migrateCmd(),
	)
	return root
}

// app bundles what every store-backed command needs.
type app struct {
	cfg   *config.Config
	store queue.Store
	queue *queue.Queue
	log   *slog.Logger
}

// setup loads config, installs the logger, opens the store and builds the
// registry. The caller must call close.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	reg, err := newRegistry(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("task registry: %w", err)
	}

	st, err := database.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	q := queue.New(st, reg,
		queue.WithBackoff(newBackoff(cfg)),
		queue.WithDefaultPriority(cfg.DefaultPriority),
		queue.WithLogger(logger),
	)
	return &app{cfg: cfg, store: st, queue: q, log: logger}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", "error", err)
	}
}

// newRegistry merges the application module with the built-in modules.
func newRegistry(cfg *config.Config, log *slog.Logger) (*task.Registry, error) {
	return task.NewRegistry(
		task.Defaults{Timeout: cfg.DefaultTaskTimeout, MaxRetries: cfg.DefaultMaxRetries},
		task.Module{}, // application tasks
		builtin.Module(builtin.NewSafeClient(), log),
		email.Module(email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			TLS:      cfg.SMTPTLS,
		}),
	)
}

func newBackoff(cfg *config.Config) queue.Backoff {
	exp := queue.Exponential{Initial: cfg.BackoffBase, Max: cfg.BackoffMax}
	if cfg.BackoffJitter {
		return queue.Jittered{Exponential: exp}
	}
	return exp
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
