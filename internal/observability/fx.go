package observability

import (
	"github.com/smallbiznis/genledger/internal/observability/logger"
	"github.com/smallbiznis/genledger/internal/observability/metrics"
	"github.com/smallbiznis/genledger/internal/observability/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		Config.logger,
		Config.tracing,
		Config.metrics,
		logger.New,
		tracing.NewProvider,
		metrics.NewProvider,
		metrics.New,
	),
	// Both are consumed only for their side effects: the global tracer
	// provider and the scheduler collectors on the default registry.
	fx.Invoke(func(*sdktrace.TracerProvider) {}),
	fx.Invoke(metrics.SchedulerWithConfig),
)
