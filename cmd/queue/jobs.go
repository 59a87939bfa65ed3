package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ansteorra/KMP-sub014/internal/queue"
)

const timeLayout = "2006-01-02 15:04:05"

// ── add ───────────────────────────────────────────────────────────────────────

func addCmd() *cobra.Command {
	var (
		data       string
		priority   int
		delay      time.Duration
		group      string
		reference  string
		maxRetries int
	)
	cmd := &cobra.Command{
		Use:   "add <task>",
		Short: "Enqueue a job for a registered task",
		Example: `  queue add Queue.Example
  queue add Email.Send --data '{"to":["a@example.com"],"subject":"Hi","body":"Hello"}'
  queue add Queue.Execute --data '{"command":"echo","args":["hi"]}' --delay 10m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := parsePayload(data)
			if err != nil {
				return err
			}

			var opts []queue.EnqueueOption
			if cmd.Flags().Changed("priority") {
				opts = append(opts, queue.WithPriority(priority))
			}
			if delay > 0 {
				opts = append(opts, queue.WithDelay(delay))
			}
			if group != "" {
				opts = append(opts, queue.WithGroup(group))
			}
			if reference != "" {
				opts = append(opts, queue.WithReference(reference))
			}
			if cmd.Flags().Changed("max-retries") {
				opts = append(opts, queue.WithMaxRetries(maxRetries))
			}

			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			id, err := a.queue.Enqueue(cmd.Context(), args[0], payload, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d enqueued\n", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "Job payload as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", queue.DefaultPriority, "Priority; lower runs first")
	cmd.Flags().DurationVar(&delay, "delay", 0, "Do not run before now+delay")
	cmd.Flags().StringVar(&group, "group", "", "Job group")
	cmd.Flags().StringVar(&reference, "reference", "", "Producer reference, e.g. an entity id")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Override the task's retry budget")
	return cmd
}

func parsePayload(data string) (queue.Payload, error) {
	if strings.TrimSpace(data) == "" {
		return queue.Payload{}, nil
	}
	var p queue.Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("--data must be a JSON object: %w", err)
	}
	if p == nil {
		return queue.Payload{}, nil
	}
	return p, nil
}

// ── info ──────────────────────────────────────────────────────────────────────

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show registered tasks and per-task job counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			procs, err := a.store.ListProcesses(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			reg := a.queue.Registry()
			fmt.Fprintln(out, "Registered tasks:")
			w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "NAME\tTIMEOUT\tMAX RETRIES")
			for _, name := range reg.Names() {
				d, _ := reg.Get(name)
				fmt.Fprintf(w, "%s\t%s\t%d\n", d.Name, d.Timeout, d.MaxRetries)
			}
			w.Flush() //nolint:errcheck

			fmt.Fprintln(out)
			fmt.Fprintln(out, "Jobs:")
			if len(stats) == 0 {
				fmt.Fprintln(out, "  none")
			} else {
				w = tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
				fmt.Fprintln(w, "TASK\tSTATUS\tCOUNT")
				for _, s := range stats {
					fmt.Fprintf(w, "%s\t%s\t%d\n", s.TaskName, s.Status, s.Count)
				}
				w.Flush() //nolint:errcheck
			}

			fmt.Fprintln(out)
			fmt.Fprintf(out, "Workers: %d\n", len(procs))
			return nil
		},
	}
}

// ── job ───────────────────────────────────────────────────────────────────────

func jobCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "job <id>",
		Short: "Show one job, including attempts and last error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			j, err := a.store.GetJob(cmd.Context(), id)
			if err != nil {
				return err
			}
			switch output {
			case "json":
				return writeJSON(cmd.OutOrStdout(), j)
			case "table":
				writeJob(cmd.OutOrStdout(), j)
				return nil
			default:
				return fmt.Errorf("invalid output format: %s (use 'table' or 'json')", output)
			}
		},
	}
	cmd.Flags().StringVar(&output, "output", "table", "Output format: table or json")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "reset <id>",
			Short: "Return a job to pending with attempts cleared",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseJobID(args[0])
				if err != nil {
					return err
				}
				a, err := setup(cmd.Context())
				if err != nil {
					return err
				}
				defer a.close()

				if err := a.store.Reset(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d reset\n", id)
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <id>",
			Short: "Delete a job",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parseJobID(args[0])
				if err != nil {
					return err
				}
				a, err := setup(cmd.Context())
				if err != nil {
					return err
				}
				defer a.close()

				if err := a.store.Remove(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "job %d removed\n", id)
				return nil
			},
		},
	)
	return cmd
}

func parseJobID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return id, nil
}

func writeJob(out io.Writer, j *queue.Job) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%d\n", j.ID)
	fmt.Fprintf(w, "Task:\t%s\n", j.TaskName)
	fmt.Fprintf(w, "Status:\t%s\n", j.Status)
	fmt.Fprintf(w, "Priority:\t%d\n", j.Priority)
	fmt.Fprintf(w, "Attempts:\t%d of %d\n", j.Attempts, j.MaxRetries+1)
	fmt.Fprintf(w, "Not before:\t%s\n", j.NotBefore.Local().Format(timeLayout))
	fmt.Fprintf(w, "Worker:\t%s\n", orDash(j.WorkerKey))
	fmt.Fprintf(w, "Claimed:\t%s\n", formatTime(j.ClaimedAt))
	fmt.Fprintf(w, "Completed:\t%s\n", formatTime(j.CompletedAt))
	fmt.Fprintf(w, "Group:\t%s\n", orDash(j.Group))
	fmt.Fprintf(w, "Reference:\t%s\n", orDash(j.Reference))
	fmt.Fprintf(w, "Created:\t%s\n", j.CreatedAt.Local().Format(timeLayout))
	payload, _ := json.Marshal(j.Payload)
	fmt.Fprintf(w, "Payload:\t%s\n", payload)
	fmt.Fprintf(w, "Last error:\t%s\n", orDash(j.LastError))
	w.Flush() //nolint:errcheck
}

// ── jobs ──────────────────────────────────────────────────────────────────────

func jobsCmd() *cobra.Command {
	var (
		status string
		task   string
		group  string
		limit  uint64
		output string
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs, newest first",
		Example: `  queue jobs --status failed_final
  queue jobs --status pending,claimed,running --task Email.Send`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := queue.JobFilter{TaskName: task, Group: group, Limit: limit}
			if status != "" {
				for _, s := range strings.Split(status, ",") {
					st := queue.Status(strings.TrimSpace(s))
					if !st.Valid() {
						return fmt.Errorf("invalid status %q", s)
					}
					filter.Statuses = append(filter.Statuses, st)
				}
			}

			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if task != "" {
				// Accept short names too; unknown names still filter verbatim
				// so rows of removed tasks stay listable.
				if name, err := a.queue.Registry().Resolve(task); err == nil {
					filter.TaskName = name
				}
			}

			jobs, err := a.store.ListJobs(cmd.Context(), filter)
			if err != nil {
				return err
			}
			switch output {
			case "json":
				return writeJSON(cmd.OutOrStdout(), jobs)
			case "table":
				writeJobs(cmd.OutOrStdout(), jobs)
				return nil
			default:
				return fmt.Errorf("invalid output format: %s (use 'table' or 'json')", output)
			}
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Comma-separated statuses to include")
	cmd.Flags().StringVar(&task, "task", "", "Only jobs of this task")
	cmd.Flags().StringVar(&group, "group", "", "Only jobs in this group")
	cmd.Flags().Uint64Var(&limit, "limit", 50, "Maximum rows; 0 for all")
	cmd.Flags().StringVar(&output, "output", "table", "Output format: table or json")
	return cmd
}

func writeJobs(out io.Writer, jobs []queue.Job) {
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tTASK\tSTATUS\tPRIORITY\tATTEMPTS\tNOT BEFORE\tWORKER\tLAST ERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d/%d\t%s\t%s\t%s\n",
			j.ID, j.TaskName, j.Status, j.Priority, j.Attempts, j.MaxRetries+1,
			j.NotBefore.Local().Format(timeLayout), orDash(j.WorkerKey), truncate(j.LastError, 60))
	}
	w.Flush() //nolint:errcheck
}

// ── bulk maintenance ──────────────────────────────────────────────────────────

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Return every failed job, including pending retries, to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.store.ResetFailed(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d failed jobs reset\n", n)
			return nil
		},
	}
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Delete every failed job, including pending retries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.store.Flush(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d failed jobs removed\n", n)
			return nil
		},
	}
}

func hardResetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "hard-reset",
		Short: "Delete every job regardless of status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("hard-reset deletes all jobs; pass --yes to confirm")
			}
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.store.HardReset(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d jobs removed\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm deletion of all jobs")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge old finished jobs and dead worker rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			horizon := a.cfg.CleanupHorizon
			if cmd.Flags().Changed("older-than") {
				horizon = olderThan
			}
			jobs, err := a.store.Cleanup(cmd.Context(), horizon)
			if err != nil {
				return err
			}
			procs, err := a.store.CleanupProcesses(cmd.Context(), a.cfg.WorkerTimeout)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d finished jobs and %d dead worker rows removed\n", jobs, procs)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Override QUEUE_CLEANUP_HORIZON")
	return cmd
}

// ── output helpers ────────────────────────────────────────────────────────────

func writeJSON(out io.Writer, v any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
