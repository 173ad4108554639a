package observability

import (
	"testing"

	"github.com/smallbiznis/genledger/internal/config"
	"github.com/stretchr/testify/assert"
)

func TestLoadConfigDefaultsServiceName(t *testing.T) {
	cfg := LoadConfig(config.Config{Environment: " production ", LogLevel: "info"})
	assert.Equal(t, "genledger", cfg.ServiceName)
	assert.Equal(t, "production", cfg.Environment)
	assert.False(t, cfg.Debug())
	assert.False(t, cfg.logger().IncludeStackOnError)
}

func TestDebug(t *testing.T) {
	assert.True(t, Config{LogLevel: "debug", Environment: "production"}.Debug())
	assert.True(t, Config{Environment: "Local"}.Debug())
	assert.False(t, Config{Environment: "staging"}.Debug())
}

func TestDerivedConfigs(t *testing.T) {
	cfg := LoadConfig(config.Config{
		AppName:           "genledger-api",
		AppVersion:        "1.4.0",
		OTLPEnabled:       true,
		OTLPEndpoint:      "otel:4317",
		OTLPProtocol:      "grpc",
		OTLPSamplingRatio: 0.25,
	})

	tr := cfg.tracing()
	assert.Equal(t, "genledger-api", tr.ServiceName)
	assert.Equal(t, "1.4.0", tr.ServiceVersion)
	assert.InDelta(t, 0.25, tr.SamplingRatio, 1e-9)

	m := cfg.metrics()
	assert.True(t, m.Enabled)
	assert.Equal(t, "otel:4317", m.ExporterEndpoint)
}
