package worker

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/argakon/mmt/internal/datastream"
)

// Package-level meter for decoder worker operations.
var meter = otel.Meter("mmt.decoder")

// Metrics for translation and update delivery.
var (
	translateLatency   metric.Float64Histogram
	translateTotal     metric.Int64Counter
	hypothesesReturned metric.Int64Histogram
	updateBatchesTotal metric.Int64Counter
	updateRecordsTotal metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		translateLatency, err = meter.Float64Histogram(
			"decoder_translate_duration_seconds",
			metric.WithDescription("Duration of translate requests"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		translateTotal, err = meter.Int64Counter(
			"decoder_translate_total",
			metric.WithDescription("Total number of translate requests"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		hypothesesReturned, err = meter.Int64Histogram(
			"decoder_hypotheses_returned",
			metric.WithDescription("Number of hypotheses returned per translate request"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		updateBatchesTotal, err = meter.Int64Counter(
			"decoder_update_batches_total",
			metric.WithDescription("Total number of update batches delivered"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		updateRecordsTotal, err = meter.Int64Counter(
			"decoder_update_records_total",
			metric.WithDescription("Update records seen, by disposition"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordTranslate records metrics for one translate request.
func recordTranslate(ctx context.Context, duration time.Duration, hypotheses int, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.Bool("success", success),
	)

	translateLatency.Record(ctx, duration.Seconds(), attrs)
	translateTotal.Add(ctx, 1, attrs)
	if success {
		hypothesesReturned.Record(ctx, int64(hypotheses))
	}
}

// recordUpdateBatch records metrics for one update delivery.
func recordUpdateBatch(ctx context.Context, stats datastream.ApplyStats, success bool) {
	if err := initMetrics(); err != nil {
		return
	}

	updateBatchesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("success", success),
	))
	if !success {
		return
	}

	record := func(disposition string, n int) {
		if n == 0 {
			return
		}
		updateRecordsTotal.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("disposition", disposition),
		))
	}
	record("applied", stats.UnitsApplied+stats.DeletionsApplied)
	record("skipped", stats.UnitsSkipped+stats.DeletionsSkipped)
	record("malformed", stats.UnitsMalformed+stats.DeletionsDropped)
}
