package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/codesense/codesense/internal/campaign"
	"github.com/codesense/codesense/internal/logging"
	"github.com/codesense/codesense/internal/poller"
)

// taskCmd represents the task command
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect e-mail tasks",
	Long:  `Read task state from the result backend through the API.`,
}

var taskStatusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show the current state of a task",
	Long: `Show the state, result and progress metadata of a task.

Example:
  codesensectl task status 3f0c9b0e-8a55-4c9e-9a9e-9f3c5a1f7d21`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		res, err := newAPIClient().TaskStatus(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get task status: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, res)
		}
		fmt.Fprintf(out, "Task %s\n", args[0])
		fmt.Fprintf(out, "  State:    %s\n", res.State)
		fmt.Fprintf(out, "  Campaign: %s\n", campaign.StatusFromState(res.State))
		if current, total, ok := res.Progress(); ok {
			fmt.Fprintf(out, "  Progress: %d/%d\n", current, total)
		}
		if msg := res.ErrorMessage(); msg != "" {
			fmt.Fprintf(out, "  Error:    %s\n", msg)
		}
		return nil
	},
}

var taskWatchCmd = &cobra.Command{
	Use:   "watch [task-id]",
	Short: "Poll a task until it finishes",
	Long: `Poll a task every --interval until it succeeds or fails. After
--max-polls polls the watch stops and the task keeps running in the
background.

Example:
  codesensectl task watch 3f0c9b0e-8a55-4c9e-9a9e-9f3c5a1f7d21 --interval 3s`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		maxPolls, _ := cmd.Flags().GetInt("max-polls")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return watchTask(ctx, cmd.OutOrStdout(), newAPIClient(), args[0], interval, maxPolls)
	},
}

// watchTask drives a poller against the API and prints each update.
func watchTask(ctx context.Context, out io.Writer, c *apiClient, taskID string, interval time.Duration, maxPolls int) error {
	w := &poller.Watcher{
		Fetch:    c.TaskStatus,
		Interval: interval,
		MaxPolls: maxPolls,
		Log:      logging.NewWithWriter("codesensectl", os.Stderr),
		OnUpdate: func(u poller.Update) {
			if outputJSON {
				return
			}
			if u.Total > 0 {
				fmt.Fprintf(out, "[%d] %s %d/%d (%.0f%%)\n", u.Poll, u.Phase, u.Current, u.Total, u.Fraction*100)
			} else {
				fmt.Fprintf(out, "[%d] %s\n", u.Poll, u.Phase)
			}
		},
	}

	outcome, err := w.Watch(ctx, taskID)
	if err != nil {
		return fmt.Errorf("watch %s: %w", taskID, err)
	}

	if outputJSON {
		return printJSON(out, map[string]any{
			"taskId":  taskID,
			"phase":   outcome.Phase,
			"polls":   outcome.Polls,
			"state":   outcome.Result.State,
			"summary": outcome.Summary,
		})
	}

	fmt.Fprintf(out, "Task %s: %s after %d polls\n", taskID, outcome.Message(), outcome.Polls)
	if s := outcome.Summary; s != nil {
		fmt.Fprintf(out, "  Sent:   %d/%d\n", s.Sent, s.Total)
		fmt.Fprintf(out, "  Failed: %d\n", s.Failed)
		for _, e := range s.Errors {
			fmt.Fprintf(out, "    %s: %s\n", e.Email, e.Error)
		}
	}
	if outcome.Phase == poller.PhaseFailure {
		if msg := outcome.Result.ErrorMessage(); msg != "" {
			fmt.Fprintf(out, "  Error: %s\n", msg)
		}
		return fmt.Errorf("task %s failed", taskID)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskWatchCmd)

	taskWatchCmd.Flags().Duration("interval", poller.DefaultInterval, "time between polls")
	taskWatchCmd.Flags().Int("max-polls", poller.DefaultMaxPolls, "polls before leaving the task to run in the background")
}
