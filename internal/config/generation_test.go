package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGenerationConfigLookups(t *testing.T) {
	cfg := DefaultGenerationConfig()

	ent, ok := cfg.Entitlement("creator_plus", "nano-banana-pro", "1k_2k")
	require.True(t, ok)
	assert.Equal(t, int64(200), ent.IncludedPerMonth)

	_, ok = cfg.Entitlement("", "nano-banana-pro", "1k_2k")
	assert.False(t, ok)
	_, ok = cfg.Entitlement("creator_plus", "nano-banana-pro", "4k")
	assert.False(t, ok)

	price, ok := cfg.Price("veo-3", "fast")
	require.True(t, ok)
	assert.Equal(t, "videogen", price.Provider)

	policy, ok := cfg.ProviderPolicy("VIDEOGEN")
	require.True(t, ok)
	assert.Equal(t, 90*time.Minute, policy.HardCeiling)
}

func TestNewGenerationConfigHolderReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "generation.yml")
	content := `
generation:
  timeouts:
    pending: 10m
  providers:
    - name: imagegen
      kind: http
      baseURL: http://provider.local
      statusMap:
        generating: processing
  prices:
    - model: flux
      variant: std
      provider: imagegen
      credits: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	holder, err := NewGenerationConfigHolder(Config{GenerationConfigPath: path}, zap.NewNop())
	require.NoError(t, err)

	got := holder.Get()
	assert.Equal(t, 10*time.Minute, got.Timeouts.Pending)
	assert.Equal(t, 60*time.Minute, got.Timeouts.Queued)
	price, ok := got.Price("flux", "std")
	require.True(t, ok)
	assert.Equal(t, int64(5), price.Credits)
	provider, ok := got.Provider("imagegen")
	require.True(t, ok)
	assert.Equal(t, "processing", provider.StatusMap["generating"])
}

func TestReplaceRejectsUnknownProvider(t *testing.T) {
	holder := NewStaticGenerationConfigHolder(DefaultGenerationConfig())

	bad := DefaultGenerationConfig()
	bad.Prices = append(bad.Prices, PriceConfig{Model: "x", Variant: "y", Provider: "nowhere", Credits: 1})

	require.Error(t, holder.Replace(bad))
	_, ok := holder.Get().Price("x", "y")
	assert.False(t, ok)
}
