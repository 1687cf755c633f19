package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"reservation-engine/coordination/application"
	"reservation-engine/queue"
	"reservation-engine/reservation"

	"github.com/spf13/cobra"
)

var (
	enqueueCmd = &cobra.Command{
		Use:   "enqueue <queue> <job-name> [json-payload]",
		Short: "Add a job to one of the queues",
		Long: `Add a job to one of the queues and print it as JSON. Payloads for the
reservation queue are validated the same way the worker validates them.

Example:
  reservd enqueue reservation create '{"reservationId":"r1","action":"create"}'`,
		Args: cobra.RangeArgs(2, 3),
		RunE: runEnqueue,
	}

	cleanupCmd = &cobra.Command{
		Use:   "cleanup",
		Short: "Schedule the cleanup job for the current window",
		Long: `Enqueue the cleanup job that expires stale PENDING reservations. The job id
is derived from the cleanup interval window, so running this next to the
worker scheduler never produces a second job for the same window.`,
		Args: cobra.NoArgs,
		RunE: runCleanup,
	}
)

func init() {
	flags := enqueueCmd.Flags()
	flags.String("job-id", "", "custom job id; an existing id returns the existing job")
	flags.Int("priority", 0, fmt.Sprintf("priority between 1 (highest) and %d; 0 uses the FIFO lane, drained first", queue.MaxPriority))
	flags.Duration("delay", 0, "delay before the job becomes runnable")
	flags.Int("attempts", 0, "max attempts (0 uses the queue default)")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	queueName, jobName := args[0], args[1]
	payload := json.RawMessage(`{}`)
	if len(args) == 3 {
		if !json.Valid([]byte(args[2])) {
			return errors.New("payload must be valid JSON")
		}
		payload = json.RawMessage(args[2])
	}

	if queueName == queue.QueueReservation {
		var in reservation.Payload
		if err := json.Unmarshal(payload, &in); err != nil {
			return fmt.Errorf("decode reservation payload: %w", err)
		}
		if err := reservation.NewJobHandler(nil, nil, application.LockService{}).ValidatePayload(in); err != nil {
			return err
		}
	}

	flags := cmd.Flags()
	var opts []queue.JobOption
	if id, _ := flags.GetString("job-id"); id != "" {
		opts = append(opts, queue.WithJobID(id))
	}
	if p, _ := flags.GetInt("priority"); p != 0 {
		opts = append(opts, queue.WithPriority(p))
	}
	if delay, _ := flags.GetDuration("delay"); delay != 0 {
		opts = append(opts, queue.WithDelay(delay))
	}
	if n, _ := flags.GetInt("attempts"); n > 0 {
		opts = append(opts, queue.WithAttempts(n))
	}

	rc, err := openRedis(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	job, err := queue.NewRuntime(rc, cfg.QueueOptions(), log).Enqueue(cmd.Context(), queueName, jobName, payload, opts...)
	if err != nil {
		return err
	}
	return printJSON(cmd, job)
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	rc, err := openRedis(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	runtime := queue.NewRuntime(rc, cfg.QueueOptions(), log)
	job, err := reservation.Scheduler{Enqueuer: runtime, Interval: cfg.CleanupInterval, Log: log}.Tick(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, job)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
