package instrumentation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{
			name:   "disabled uses noop providers",
			config: Config{Enabled: false},
		},
		{
			name: "enabled with service name and version",
			config: Config{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name:   "empty service name gets default",
			config: Config{Enabled: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			if inst.Meter("csrf") == nil {
				t.Error("Meter('csrf') returned nil")
			}
			if inst.Tracer("http") == nil {
				t.Error("Tracer('http') returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
			if inst.MeterProvider() == nil {
				t.Error("MeterProvider() returned nil")
			}
			if inst.TracerProvider() == nil {
				t.Error("TracerProvider() returned nil")
			}

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
		})
	}
}

func TestNilSafeMetricHelpers(t *testing.T) {
	ctx := context.Background()

	// A nil *Metrics must absorb recording calls without panicking; callers
	// pass nil when instrumentation is not configured.
	var m *Metrics
	m.RecordCSRFValidation(ctx, true, "")
	m.RecordCSRFValidation(ctx, false, "expired")
	m.RecordRateDecision(ctx, true, "short")
	m.RecordRateDecision(ctx, false, "long")
}

func TestNilSafeSpanHelpers(t *testing.T) {
	// Span helpers must absorb nil spans; the middleware passes nil when no
	// tracer is configured.
	RecordError(nil, errors.New("store unreachable"))
	RecordError(nil, nil)
	SetSpanSuccess(nil)
	SetSpanError(nil, "validation failed")
	SetSpanAttributes(nil)
	AddGuardAttributes(nil, "abc123", "tenant-a", "pass")
	AddHTTPAttributes(nil, "POST", "/api/update", 429)
}

func TestMetricsRecordingWhenEnabled(t *testing.T) {
	inst, err := New(Config{Enabled: true, ServiceName: "test"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = inst.Shutdown(ctx)
	}()

	ctx := context.Background()
	m := inst.Metrics()
	m.RecordCSRFValidation(ctx, false, "bad-signature")
	m.RecordRateDecision(ctx, false, "medium")
	if m.CSRFValidations == nil {
		t.Error("CSRFValidations counter was not created")
	}
	if m.RateLimitBlocked == nil {
		t.Error("RateLimitBlocked counter was not created")
	}
}
