package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric dimension and name constants.
const (
	DimJob             = "Job"
	MetricJobDuration  = "JobDuration"
	MetricJobItemCount = "JobItems"
	DimOutcome         = "Outcome"
)

// JobMetrics records per-run counters of the periodic jobs.
type JobMetrics interface {
	RecordRun(ctx context.Context, job string, counts map[string]int, duration time.Duration)
}

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchJobMetrics emits job counters to CloudWatch:
//
//   - JobItems: Dims {Job, Outcome}, one datum per counter
//   - JobDuration: Dims {Job}, milliseconds
type CloudWatchJobMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

var _ JobMetrics = (*CloudWatchJobMetrics)(nil)

// NewCloudWatchJobMetrics creates a CloudWatchJobMetrics.
func NewCloudWatchJobMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchJobMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchJobMetrics{client: client, namespace: namespace, logger: logger}
}

// RecordRun implements JobMetrics. Failures are logged only.
func (m *CloudWatchJobMetrics) RecordRun(ctx context.Context, job string, counts map[string]int, duration time.Duration) {
	jobDim := cwtypes.Dimension{Name: aws.String(DimJob), Value: aws.String(job)}

	data := make([]cwtypes.MetricDatum, 0, len(counts)+1)
	for outcome, n := range counts {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(MetricJobItemCount),
			Value:      aws.Float64(float64(n)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				jobDim,
				{Name: aws.String(DimOutcome), Value: aws.String(outcome)},
			},
		})
	}
	data = append(data, cwtypes.MetricDatum{
		MetricName: aws.String(MetricJobDuration),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{jobDim},
	})

	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to record job metrics", "job", job, "error", err)
	}
}

// NopJobMetrics discards metrics.
type NopJobMetrics struct{}

// RecordRun implements JobMetrics.
func (NopJobMetrics) RecordRun(context.Context, string, map[string]int, time.Duration) {}
