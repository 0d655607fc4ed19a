package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"relay/internal/config"
	"relay/internal/queue"
	"relay/internal/queue/backend"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the action queues",
	}
	cmd.AddCommand(queueListCmd(), queueStatsCmd())
	return cmd
}

func openQueue(cmd *cobra.Command) (queue.Queue, func(), error) {
	cfg := config.LoadCtl()
	s, err := backend.FromConfig(cfg.QueueConfig)
	if err != nil {
		return nil, nil, err
	}
	conns := backend.NewConnections(s)
	q := backend.Setup(cmd.Context(), conns, logger)
	if q.Backend() == "memory" {
		logger.Warn("no queue broker reachable; the in-process queue of a running relay cannot be inspected from here")
	}
	return q, func() {
		_ = q.Close(cmd.Context())
		_ = conns.Shutdown()
	}, nil
}

func queueListCmd() *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list <EMAIL|WEBHOOK|REPLY>",
		Short: "List waiting, failed or completed jobs of one kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, done, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer done()

			kind := strings.ToUpper(args[0])
			var jobs []*queue.Job
			switch state {
			case "waiting":
				jobs, err = q.ListWaiting(cmd.Context(), kind, limit)
			case "failed":
				jobs, err = q.ListFailed(cmd.Context(), kind, limit)
			case "completed":
				jobs, err = q.ListCompleted(cmd.Context(), kind, limit)
			default:
				return fmt.Errorf("unknown state %q (want waiting, failed or completed)", state)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, j := range jobs {
				fmt.Fprintf(out, "%s\t%s\t%s\t%d/%d\t%s\t%s\n", j.ID, j.Lane, j.State, j.Attempt, j.MaxAttempts,
					j.UpdatedAt.Format(time.RFC3339), j.LastError)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "failed", "waiting, failed or completed")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum jobs to print")
	return cmd
}

func queueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <EMAIL|WEBHOOK|REPLY>",
		Short: "Print job counts per state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, done, err := openQueue(cmd)
			if err != nil {
				return err
			}
			defer done()
			st, err := q.Stats(cmd.Context(), strings.ToUpper(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}
