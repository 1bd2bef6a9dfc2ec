package core

import (
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"qsldigest/internal/types"
)

// Metric names and dimensions.
const (
	MetricDigestDelivery = "DigestDelivery"
	MetricDigestLatency  = "DigestDeliveryLatency"
	MetricDigestJob      = "DigestJobItems"

	DimChannel = "Channel"
	DimResult  = "Result"
	DimJob     = "Job"
	DimOutcome = "Outcome"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

var _ NotificationMetrics = (*CloudWatchNotificationMetrics)(nil)

// CloudWatchNotificationMetrics emits digest metrics to CloudWatch.
//
//   - DigestDelivery: Dims {Channel, Result}, one per channel outcome
//   - DigestDeliveryLatency: Dims {Channel}, milliseconds per send
//   - DigestJobItems: Dims {Job, Outcome}, run counters from the driver
//
// Failures to publish are logged and swallowed; metrics never fail a dispatch.
type CloudWatchNotificationMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchNotificationMetrics publishes into namespace.
func NewCloudWatchNotificationMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchNotificationMetrics {
	return &CloudWatchNotificationMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func (m *CloudWatchNotificationMetrics) RecordDelivery(ctx context.Context, channel types.ChannelType, result MetricResult) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricDigestDelivery),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimChannel), Value: aws.String(string(channel))},
			{Name: aws.String(DimResult), Value: aws.String(string(result))},
		},
	})
}

func (m *CloudWatchNotificationMetrics) RecordLatency(ctx context.Context, channel types.ChannelType, duration time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(MetricDigestLatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(DimChannel), Value: aws.String(string(channel))},
		},
	})
}

// RecordJobCounts emits one datum per counter in a single call.
// Keys are sorted so the request is deterministic.
func (m *CloudWatchNotificationMetrics) RecordJobCounts(ctx context.Context, job string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := make([]cwtypes.MetricDatum, 0, len(keys))
	for _, k := range keys {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(MetricDigestJob),
			Value:      aws.Float64(float64(counts[k])),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(DimJob), Value: aws.String(job)},
				{Name: aws.String(DimOutcome), Value: aws.String(k)},
			},
		})
	}
	m.put(ctx, data...)
}

func (m *CloudWatchNotificationMetrics) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to put metric data",
			"error", err.Error(),
			"metric", aws.ToString(data[0].MetricName),
		)
	}
}

// NopMetrics discards all metrics. Used in local mode and when metrics are disabled.
type NopMetrics struct{}

func (NopMetrics) RecordDelivery(context.Context, types.ChannelType, MetricResult)  {}
func (NopMetrics) RecordLatency(context.Context, types.ChannelType, time.Duration) {}
func (NopMetrics) RecordJobCounts(context.Context, string, map[string]int)         {}
