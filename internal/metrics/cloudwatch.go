package metrics

import (
	"context"
	"log/slog"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/imrishuroy/screening-gateway/internal/aws"
	"github.com/imrishuroy/screening-gateway/internal/errs"
)

// Metric names.
const (
	MetricDispatchOutcome = "DispatchOutcome"
	MetricIngestResult    = "DicomIngestResult"
	MetricSweepDue        = "SweepDueActions"
)

// Recorder publishes counters to CloudWatch. Publishing is best effort:
// failures are logged and never returned to the caller.
type Recorder struct {
	cw        aws.CloudWatchAPI
	namespace string
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// NewRecorder returns a Recorder. A nil client or empty namespace yields a
// Recorder that drops every datum.
func NewRecorder(cw aws.CloudWatchAPI, namespace string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cw:        cw,
		namespace: namespace,
		logger:    logger.With(slog.String("component", "metrics")),
		nowFunc:   time.Now,
	}
}

// RecordOutcome counts one dispatch with the given outcome.
func (r *Recorder) RecordOutcome(ctx context.Context, outcome string) {
	r.put(ctx, MetricDispatchOutcome, 1, "Outcome", outcome)
}

// RecordIngest counts one DICOM upload with the given result.
func (r *Recorder) RecordIngest(ctx context.Context, result string) {
	r.put(ctx, MetricIngestResult, 1, "Result", result)
}

// RecordSweep reports how many actions a sweep found due.
func (r *Recorder) RecordSweep(ctx context.Context, due int) {
	r.put(ctx, MetricSweepDue, float64(due), "", "")
}

func (r *Recorder) put(ctx context.Context, name string, value float64, dimension, dimensionValue string) {
	if r == nil || r.cw == nil || r.namespace == "" {
		return
	}
	datum := cwtypes.MetricDatum{
		MetricName: sdkaws.String(name),
		Value:      sdkaws.Float64(value),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  sdkaws.Time(r.nowFunc()),
	}
	if dimension != "" {
		datum.Dimensions = []cwtypes.Dimension{{
			Name:  sdkaws.String(dimension),
			Value: sdkaws.String(dimensionValue),
		}}
	}
	_, err := r.cw.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  sdkaws.String(r.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		r.logger.Warn("put metric data failed", slog.String("metric", name), slog.Any("err", errs.Loggable(err)))
	}
}
