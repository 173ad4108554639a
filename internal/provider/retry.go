package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/genledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/genledger/internal/observability/metrics"
	"github.com/smallbiznis/genledger/internal/observability/tracing"
	"github.com/smallbiznis/genledger/internal/provider/domain"
	"github.com/smallbiznis/genledger/pkg/telemetry/correlation"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// RetryConfig bounds provider calls. Only submits are retried; status polls
// are repeated by the next reconciliation pass instead.
type RetryConfig struct {
	CallTimeout     time.Duration
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		CallTimeout:     25 * time.Second,
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	defaults := DefaultRetryConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaults.CallTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = defaults.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = defaults.MaxInterval
	}
	return c
}

// Gateway is how the core reaches providers: registry lookup, per-call
// timeouts, bounded submit retries, spans and metrics.
type Gateway struct {
	registry   *Registry
	cfg        RetryConfig
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics
	tracer     trace.Tracer
}

type GatewayParams struct {
	fx.In

	Registry   *Registry
	Log        *zap.Logger
	Config     *RetryConfig        `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func NewGateway(p GatewayParams) *Gateway {
	cfg := DefaultRetryConfig()
	if p.Config != nil {
		cfg = p.Config.withDefaults()
	}
	return &Gateway{
		registry:   p.Registry,
		cfg:        cfg,
		log:        p.Log.Named("provider.gateway"),
		obsMetrics: p.ObsMetrics,
		tracer:     otel.Tracer("genledger/provider"),
	}
}

func (g *Gateway) Submit(ctx context.Context, providerName string, req domain.SubmitRequest) (domain.SubmitResult, error) {
	adapter, err := g.registry.Lookup(providerName)
	if err != nil {
		return domain.SubmitResult{}, err
	}
	ctx, _ = correlation.EnsureCorrelationID(ctx)

	ctx, span := g.tracer.Start(ctx, "provider.submit", trace.WithAttributes(tracing.SafeAttributes(
		attribute.String("job.id", req.JobID.String()),
		attribute.String("job.provider", providerName),
		attribute.String("job.model", req.Model),
		attribute.String("job.variant", req.Variant),
	)...))
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.InitialInterval
	b.MaxInterval = g.cfg.MaxInterval

	attempt := 0
	result, err := backoff.Retry(ctx, func() (domain.SubmitResult, error) {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()

		res, err := adapter.Submit(callCtx, req)
		if err == nil {
			return res, nil
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, domain.ErrProviderRejected) {
			err = fmt.Errorf("%w: submit timed out after %s", domain.ErrProviderUnavailable, g.cfg.CallTimeout)
		}
		logger.WithJob(logger.WithContext(ctx, g.log), req.JobID.String(), providerName).Warn("provider submit attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if errors.Is(err, domain.ErrProviderUnavailable) {
			return domain.SubmitResult{}, err
		}
		return domain.SubmitResult{}, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(g.cfg.MaxAttempts),
	)
	if err != nil {
		err = classifySubmitError(err)
		g.obsMetrics.RecordProviderCall(ctx, providerName, "submit", outcomeOf(err))
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "submit failed")
		return domain.SubmitResult{}, err
	}

	g.obsMetrics.RecordProviderCall(ctx, providerName, "submit", "ok")
	span.SetAttributes(attribute.Int("provider.attempts", attempt))
	return result, nil
}

func (g *Gateway) GetStatus(ctx context.Context, providerName, taskID string) (domain.StatusReport, error) {
	adapter, err := g.registry.Lookup(providerName)
	if err != nil {
		return domain.StatusReport{}, err
	}
	ctx, _ = correlation.EnsureCorrelationID(ctx)

	ctx, span := g.tracer.Start(ctx, "provider.get_status", trace.WithAttributes(tracing.SafeAttributes(
		attribute.String("job.provider", providerName),
	)...))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	report, err := adapter.GetStatus(callCtx, taskID)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w: status poll timed out after %s", domain.ErrProviderUnavailable, g.cfg.CallTimeout)
		}
		g.obsMetrics.RecordProviderCall(ctx, providerName, "get_status", outcomeOf(err))
		span.RecordError(tracing.SafeError(err))
		span.SetStatus(codes.Error, "status poll failed")
		return domain.StatusReport{}, err
	}
	if report.TaskID == "" {
		report.TaskID = taskID
	}
	g.obsMetrics.RecordProviderCall(ctx, providerName, "get_status", "ok")
	span.SetAttributes(attribute.String("job.status", string(report.Status)))
	return report, nil
}

// classifySubmitError keeps the two provider sentinels as the only failure
// kinds the dispatcher has to handle.
func classifySubmitError(err error) error {
	if errors.Is(err, domain.ErrProviderUnavailable) || errors.Is(err, domain.ErrProviderRejected) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrProviderRejected, err)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "unavailable"
	case errors.Is(err, domain.ErrProviderRejected):
		return "rejected"
	case errors.Is(err, domain.ErrTaskNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrUnknownStatus):
		return "unknown_status"
	default:
		return "error"
	}
}
