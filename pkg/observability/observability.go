// Package observability provides OpenTelemetry metrics for the rule
// engine: run rate, rule outcome counts, exception cappings, and run
// duration.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/covenantlabs/covenant/pkg/contracts"
)

// InstallMeterProvider wires a global SDK meter provider tagged with
// service identity. Callers attach readers/exporters as needed; without
// one the provider is a cheap no-op.
func InstallMeterProvider(serviceName, serviceVersion string) (*sdkmetric.MeterProvider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	otel.SetMeterProvider(provider)
	return provider, nil
}

// Metrics holds the engine's instruments. A nil *Metrics is a valid
// no-op receiver, so callers never guard their record sites.
type Metrics struct {
	evaluations  metric.Int64Counter
	ruleOutcomes metric.Int64Counter
	cappings     metric.Int64Counter
	duration     metric.Float64Histogram
}

// NewMetrics creates the engine instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("github.com/covenantlabs/covenant")

	evaluations, err := meter.Int64Counter("covenant.evaluations",
		metric.WithDescription("Completed evaluation runs"))
	if err != nil {
		return nil, err
	}
	ruleOutcomes, err := meter.Int64Counter("covenant.rule_outcomes",
		metric.WithDescription("Rule results by status"))
	if err != nil {
		return nil, err
	}
	cappings, err := meter.Int64Counter("covenant.exception_cappings",
		metric.WithDescription("Rule results capped by an exception"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("covenant.evaluation_duration_seconds",
		metric.WithDescription("Evaluation run duration"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		evaluations:  evaluations,
		ruleOutcomes: ruleOutcomes,
		cappings:     cappings,
		duration:     duration,
	}, nil
}

// RecordEvaluation records one completed run.
func (m *Metrics) RecordEvaluation(ctx context.Context, eval *contracts.Evaluation, results []contracts.RuleResult, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("constitution_version", eval.ConstitutionVersion),
	))
	m.duration.Record(ctx, elapsed.Seconds())
	for _, res := range results {
		m.ruleOutcomes.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(res.Status)),
		))
		if res.ExceptionApplied {
			m.cappings.Add(ctx, 1)
		}
	}
}
