// Package main implements the job-runner CLI, which runs one scheduler task
// once outside the Lambda runtime.
//
// It is meant for local development, manual backfills and operational
// debugging. The run goes through the same Runner as the scheduler, so it
// takes the job lock and records job history.
//
// Usage:
//
//	go run ./cmd/tools/job-runner --task=reconcile_subscriptions
//	go run ./cmd/tools/job-runner --task=expire_grace_periods --reference-time=2026-01-15T02:00:00Z
//	go run ./cmd/tools/job-runner --dry-run --task=send_cancellation_reminders
//	go run ./cmd/tools/job-runner --list
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"qrcloud/internal/app"
	"qrcloud/internal/scheduler"
)

var taskDescriptions = map[scheduler.TaskType]string{
	scheduler.TaskReconcileSubscriptions:    "Repair drift against Stripe and record subscriptions whose webhooks were lost",
	scheduler.TaskExpireGracePeriods:        "Disable custom domains of users whose grace period ended",
	scheduler.TaskSendCancellationReminders: "Remind users whose canceled subscription ends soon",
	scheduler.TaskRetrySubscriberReactions:  "Re-run lifecycle emails and domain changes that failed after an event",
}

func main() {
	taskFlag := flag.String("task", "", "Task type to execute (e.g., reconcile_subscriptions)")
	refTimeFlag := flag.String("reference-time", "", "Override reference time (RFC3339, e.g., 2026-01-15T02:00:00Z)")
	listFlag := flag.Bool("list", false, "List all available task types and exit")
	dryRunFlag := flag.Bool("dry-run", false, "Print the JSON payload without executing")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: job-runner [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Run one scheduler task directly, bypassing Lambda.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *listFlag {
		printAvailableTasks(os.Stdout)
		return
	}

	payload, err := buildPayload(*taskFlag, *refTimeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		printAvailableTasks(os.Stderr)
		os.Exit(1)
	}

	if *dryRunFlag {
		printPayload(os.Stdout, payload)
		return
	}

	result, err := execute(payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(result)
}

// buildPayload validates the flags and builds the payload.
func buildPayload(task, refTime string) (scheduler.MaintenancePayload, error) {
	if task == "" {
		return scheduler.MaintenancePayload{}, fmt.Errorf("--task is required")
	}
	taskType := scheduler.TaskType(task)
	if _, ok := taskDescriptions[taskType]; !ok {
		return scheduler.MaintenancePayload{}, fmt.Errorf("unknown task type %q", task)
	}

	payload := scheduler.MaintenancePayload{Task: taskType}
	if refTime != "" {
		t, err := time.Parse(time.RFC3339, refTime)
		if err != nil {
			return scheduler.MaintenancePayload{}, fmt.Errorf("invalid --reference-time %q: expected RFC3339", refTime)
		}
		payload.ReferenceTime = &t
	}
	return payload, nil
}

func execute(payload scheduler.MaintenancePayload) (string, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return "", fmt.Errorf("loading configuration: %w", err)
	}
	logger := app.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return "", fmt.Errorf("wiring dependencies: %w", err)
	}
	defer a.Close()

	runner, err := a.Runner(ctx, "job-runner-"+uuid.NewString()[:8])
	if err != nil {
		return "", err
	}
	return runner.Run(ctx, payload)
}

func printAvailableTasks(w io.Writer) {
	fmt.Fprintln(w, "Available tasks:")
	for _, task := range scheduler.AllTasks {
		fmt.Fprintf(w, "  %-30s %s\n", task, taskDescriptions[task])
	}
}

func printPayload(w io.Writer, payload scheduler.MaintenancePayload) {
	data, _ := json.MarshalIndent(payload, "", "  ")
	fmt.Fprintln(w, string(data))
}
