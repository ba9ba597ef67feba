// Package main is the entry point of the qrcloud billing scheduler.
//
// Inside AWS Lambda it handles EventBridge invocations carrying a
// scheduler.MaintenancePayload:
//
//	{"task": "reconcile_subscriptions"}
//	{"task": "expire_grace_periods", "reference_time": "2026-02-06T03:00:00Z"}
//
// Elsewhere it runs the configured cron schedules in-process until SIGINT or
// SIGTERM. Either way each run takes the job lock and records job history, so
// several instances can run side by side.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/google/uuid"

	"qrcloud/internal/app"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := app.NewLogger(cfg.LogLevel)

	id := workerID(cfg.Scheduler.WorkerID)
	logger.Info("qrcloud scheduler starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"worker_id", id,
		"lambda", isLambdaEnvironment(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("wiring dependencies: %w", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("failed to close dependencies", "error", err)
		}
	}()

	runner, err := a.Runner(ctx, id)
	if err != nil {
		return fmt.Errorf("building job runner: %w", err)
	}

	if isLambdaEnvironment() {
		lambda.Start(runner.Run)
		return nil
	}

	if err := runner.RunCron(ctx, a.Schedules()); err != nil {
		return err
	}
	logger.Info("scheduler stopped cleanly")
	return nil
}

// workerID identifies this process in job_locks. Lambda containers and
// replicas without WORKER_ID get a random one.
func workerID(configured string) string {
	if configured != "" {
		return configured
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "scheduler"
	}
	return host + "-" + uuid.NewString()[:8]
}

// isLambdaEnvironment reports whether the process runs inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}
