package events

import (
	"context"
	"fmt"
	"log/slog"

	lambdaevents "github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"qrcloud/internal/types"
)

// kindAttribute is the SQS message attribute carrying the event kind.
const kindAttribute = "kind"

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher forwards events to an SQS queue consumed by the event worker.
type SQSPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewSQSPublisher creates an SQSPublisher.
func NewSQSPublisher(client SQSSender, queueURL string, logger *slog.Logger) *SQSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSPublisher{client: client, queueURL: queueURL, logger: logger}
}

// Publish implements Publisher.
func (p *SQSPublisher) Publish(ctx context.Context, evt types.SubscriptionEvent) error {
	body, err := Encode(evt)
	if err != nil {
		return err
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			kindAttribute: {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(evt.Kind)),
			},
		},
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamEventBus, fmt.Sprintf("failed to send %s event to SQS", evt.Kind), err)
	}

	p.logger.InfoContext(ctx, "subscription event sent",
		"transport", "sqs",
		"kind", string(evt.Kind),
		"user_id", evt.UserID,
		"message_id", aws.ToString(out.MessageId),
	)
	return nil
}

var _ Publisher = (*SQSPublisher)(nil)

// SQSBatchHandler is the Lambda handler of the event worker. Each record is
// dispatched independently and failures are reported as partial batch
// failures so SQS redelivers only those records.
type SQSBatchHandler struct {
	registry *Registry
	logger   *slog.Logger
}

// NewSQSBatchHandler creates an SQSBatchHandler.
func NewSQSBatchHandler(registry *Registry, logger *slog.Logger) *SQSBatchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSBatchHandler{registry: registry, logger: logger}
}

// Handle processes one SQS batch.
func (h *SQSBatchHandler) Handle(ctx context.Context, sqsEvent lambdaevents.SQSEvent) (lambdaevents.SQSEventResponse, error) {
	response := lambdaevents.SQSEventResponse{}

	for _, record := range sqsEvent.Records {
		var kind string
		if attr, ok := record.MessageAttributes[kindAttribute]; ok && attr.StringValue != nil {
			kind = *attr.StringValue
		}

		evt, err := Decode([]byte(record.Body), kind)
		if err != nil {
			// Permanent parse failure; retrying cannot help.
			h.logger.ErrorContext(ctx, "discarding undecodable event",
				"message_id", record.MessageId,
				"error", err,
			)
			continue
		}

		if err := h.registry.Dispatch(ctx, evt); err != nil {
			response.BatchItemFailures = append(response.BatchItemFailures,
				lambdaevents.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
			)
		}
	}

	return response, nil
}
