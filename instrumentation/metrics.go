package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the reqguard library
type Metrics struct {
	// CSRF Metrics
	CSRFTokensIssued    metric.Int64Counter
	CSRFValidations     metric.Int64Counter
	CSRFTokensEvicted   metric.Int64Counter
	CSRFTokensSwept     metric.Int64Counter
	CSRFSessionsCleared metric.Int64Counter

	// Rate Limiting Metrics
	RateLimitAllowed       metric.Int64Counter
	RateLimitBlocked       metric.Int64Counter
	RateLimitBypassed      metric.Int64Counter
	RateLimitStoreFailures metric.Int64Counter
	BurstLimitRejected     metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StoreSessionsCount       metric.Int64ObservableGauge
	StoreTokensCount         metric.Int64ObservableGauge
	StoreRateRecordsCount    metric.Int64ObservableGauge

	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	csrfMeter := inst.Meter("csrf")
	throttleMeter := inst.Meter("throttle")
	storageMeter := inst.Meter("storage")
	httpMeter := inst.Meter("http")

	var err error

	// CSRF Metrics
	m.CSRFTokensIssued, err = csrfMeter.Int64Counter(
		"reqguard.csrf.tokens.issued",
		metric.WithDescription("Number of CSRF tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.tokens.issued counter: %w", err)
	}

	m.CSRFValidations, err = csrfMeter.Int64Counter(
		"reqguard.csrf.validations",
		metric.WithDescription("Number of CSRF validations, partitioned by result and reason"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.validations counter: %w", err)
	}

	m.CSRFTokensEvicted, err = csrfMeter.Int64Counter(
		"reqguard.csrf.tokens.evicted",
		metric.WithDescription("Number of tokens evicted from full session sets"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.tokens.evicted counter: %w", err)
	}

	m.CSRFTokensSwept, err = csrfMeter.Int64Counter(
		"reqguard.csrf.tokens.swept",
		metric.WithDescription("Number of expired tokens removed by sweeps"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.tokens.swept counter: %w", err)
	}

	m.CSRFSessionsCleared, err = csrfMeter.Int64Counter(
		"reqguard.csrf.sessions.cleared",
		metric.WithDescription("Number of explicit session clears"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create csrf.sessions.cleared counter: %w", err)
	}

	// Rate Limiting Metrics
	m.RateLimitAllowed, err = throttleMeter.Int64Counter(
		"reqguard.ratelimit.allowed",
		metric.WithDescription("Number of requests admitted by the throttler"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.allowed counter: %w", err)
	}

	m.RateLimitBlocked, err = throttleMeter.Int64Counter(
		"reqguard.ratelimit.blocked",
		metric.WithDescription("Number of requests rejected by a windowed tier"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.blocked counter: %w", err)
	}

	m.RateLimitBypassed, err = throttleMeter.Int64Counter(
		"reqguard.ratelimit.bypassed",
		metric.WithDescription("Number of administrative bypasses of the throttler"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.bypassed counter: %w", err)
	}

	m.RateLimitStoreFailures, err = throttleMeter.Int64Counter(
		"reqguard.ratelimit.store_failures",
		metric.WithDescription("Number of storage failures absorbed by the fail-open policy"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.store_failures counter: %w", err)
	}

	m.BurstLimitRejected, err = throttleMeter.Int64Counter(
		"reqguard.ratelimit.burst_rejected",
		metric.WithDescription("Number of requests rejected by the burst smoother"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit.burst_rejected counter: %w", err)
	}

	// Storage Metrics
	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"reqguard.storage.operations.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"reqguard.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StoreSessionsCount, err = storageMeter.Int64ObservableGauge(
		"reqguard.storage.sessions.count",
		metric.WithDescription("Current number of sessions holding CSRF tokens"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.sessions.count gauge: %w", err)
	}

	m.StoreTokensCount, err = storageMeter.Int64ObservableGauge(
		"reqguard.storage.tokens.count",
		metric.WithDescription("Current number of active CSRF tokens"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.tokens.count gauge: %w", err)
	}

	m.StoreRateRecordsCount, err = storageMeter.Int64ObservableGauge(
		"reqguard.storage.rate_records.count",
		metric.WithDescription("Current number of tracked rate-limit records"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.rate_records.count gauge: %w", err)
	}

	// HTTP Layer Metrics
	m.HTTPRequestsTotal, err = httpMeter.Int64Counter(
		"reqguard.http.requests.total",
		metric.WithDescription("Total number of requests seen by the guard chain"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = httpMeter.Float64Histogram(
		"reqguard.http.request.duration",
		metric.WithDescription("Guard chain request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	return m, nil
}

// RecordCSRFValidation records one validation outcome (nil-safe).
func (m *Metrics) RecordCSRFValidation(ctx context.Context, valid bool, reason string) {
	if m == nil || m.CSRFValidations == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.Bool("valid", valid)}
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", reason))
	}
	m.CSRFValidations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateDecision records one throttler decision (nil-safe).
func (m *Metrics) RecordRateDecision(ctx context.Context, allowed bool, tier string) {
	if m == nil {
		return
	}
	if allowed {
		if m.RateLimitAllowed != nil {
			m.RateLimitAllowed.Add(ctx, 1)
		}
		return
	}
	if m.RateLimitBlocked != nil {
		m.RateLimitBlocked.Add(ctx, 1,
			metric.WithAttributes(attribute.String("tier", tier)))
	}
}
