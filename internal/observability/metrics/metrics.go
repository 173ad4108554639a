package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	jobsSubmitted      metric.Int64Counter
	jobTransitions     metric.Int64Counter
	ledgerTransactions metric.Int64Counter
	refunds            metric.Int64Counter
	providerCalls      metric.Int64Counter
	quotaConsumed      metric.Int64Counter
	rateLimitDenied    metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "genledger"
	}
	meter := provider.Meter(name)

	jobsSubmitted, err := meter.Int64Counter("genledger_jobs_submitted_total")
	if err != nil {
		return nil, err
	}
	jobTransitions, err := meter.Int64Counter("genledger_job_transitions_total")
	if err != nil {
		return nil, err
	}
	ledgerTransactions, err := meter.Int64Counter("genledger_ledger_transactions_total")
	if err != nil {
		return nil, err
	}
	refunds, err := meter.Int64Counter("genledger_refunds_total")
	if err != nil {
		return nil, err
	}
	providerCalls, err := meter.Int64Counter("genledger_provider_calls_total")
	if err != nil {
		return nil, err
	}
	quotaConsumed, err := meter.Int64Counter("genledger_quota_consumed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("genledger_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		jobsSubmitted:      jobsSubmitted,
		jobTransitions:     jobTransitions,
		ledgerTransactions: ledgerTransactions,
		refunds:            refunds,
		providerCalls:      providerCalls,
		quotaConsumed:      quotaConsumed,
		rateLimitDenied:    rateLimitDenied,
	}, nil
}

// RecordJobSubmitted counts submit attempts by model and outcome (accepted, insufficient_credits, provider_failed, ...).
func (m *Metrics) RecordJobSubmitted(ctx context.Context, model, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("model", strings.TrimSpace(model)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.jobsSubmitted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordJobTransition counts job state transitions by destination status.
func (m *Metrics) RecordJobTransition(ctx context.Context, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("status", strings.TrimSpace(status)))
	m.jobTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerTransaction counts appended ledger transactions by kind.
func (m *Metrics) RecordLedgerTransaction(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.ledgerTransactions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRefund counts refunds by trigger and whether the refund was new or absorbed as a duplicate.
func (m *Metrics) RecordRefund(ctx context.Context, reason, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("reason", strings.TrimSpace(reason)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.refunds.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordProviderCall counts provider adapter calls.
func (m *Metrics) RecordProviderCall(ctx context.Context, provider, operation, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("operation", strings.TrimSpace(operation)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.providerCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordQuotaConsumed counts included units consumed (delta 1) or released (delta -1).
func (m *Metrics) RecordQuotaConsumed(ctx context.Context, model, variant string, delta int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("model", strings.TrimSpace(model)),
		attribute.String("variant", strings.TrimSpace(variant)),
	)
	m.quotaConsumed.Add(ctx, delta, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"model":     {},
	"variant":   {},
	"outcome":   {},
	"status":    {},
	"kind":      {},
	"reason":    {},
	"provider":  {},
	"operation": {},
	"endpoint":  {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
