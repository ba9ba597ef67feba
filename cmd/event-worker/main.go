// Package main is the entry point of the qrcloud subscription event worker.
//
// It runs the registered subscribers (domain enable/disable, lifecycle
// emails) for events forwarded by the API and the scheduler:
//
//   - In AWS Lambda it handles SQS batches and reports partial failures.
//   - With APP_ENV=local and the sqs transport it reads one SQS event from
//     stdin, so a batch can be replayed without the Lambda runtime:
//     echo '{"Records":[...]}' | go run ./cmd/event-worker
//   - With the rabbitmq transport it consumes the durable queue until
//     SIGINT or SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"qrcloud/internal/app"
	"qrcloud/internal/events"
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
	logger.Info("qrcloud event worker starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"transport", cfg.Events.Transport,
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

	switch cfg.Events.Transport {
	case "sqs":
		handler := events.NewSQSBatchHandler(a.Registry, logger)
		if cfg.Environment == "local" {
			return replayStdin(ctx, handler, os.Stdin, os.Stderr)
		}
		lambda.Start(handler.Handle)
		return nil
	case "rabbitmq":
		consumer, err := a.AMQPConsumer()
		if err != nil {
			return fmt.Errorf("connecting consumer: %w", err)
		}
		if err := consumer.Run(ctx); err != nil {
			return fmt.Errorf("consuming events: %w", err)
		}
		logger.Info("event worker stopped cleanly")
		return nil
	default:
		return fmt.Errorf("event worker needs EVENTS_TRANSPORT sqs or rabbitmq, got %q", cfg.Events.Transport)
	}
}

// batchHandler is the SQS batch entry point.
type batchHandler interface {
	Handle(ctx context.Context, sqsEvent lambdaevents.SQSEvent) (lambdaevents.SQSEventResponse, error)
}

// replayStdin feeds one JSON SQS event from in to h. Partial failures are
// written to out.
func replayStdin(ctx context.Context, h batchHandler, in io.Reader, out io.Writer) error {
	payload, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	if len(payload) == 0 {
		return errors.New("no input received on stdin")
	}

	var sqsEvent lambdaevents.SQSEvent
	if err := json.Unmarshal(payload, &sqsEvent); err != nil {
		return fmt.Errorf("parsing stdin as SQS event: %w", err)
	}

	resp, err := h.Handle(ctx, sqsEvent)
	if err != nil {
		return err
	}
	if len(resp.BatchItemFailures) > 0 {
		respJSON, _ := json.MarshalIndent(resp, "", "  ")
		fmt.Fprintln(out, string(respJSON))
		return fmt.Errorf("%d of %d records failed", len(resp.BatchItemFailures), len(sqsEvent.Records))
	}
	return nil
}
