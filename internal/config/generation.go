package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// GenerationConfig is the hot-reloadable catalog of plans, prices, provider
// routes and job timeout policies.
type GenerationConfig struct {
	Timeouts  TimeoutConfig    `mapstructure:"timeouts"`
	Policies  []ProviderPolicy `mapstructure:"policies"`
	Plans     []PlanConfig     `mapstructure:"plans"`
	Prices    []PriceConfig    `mapstructure:"prices"`
	Providers []ProviderConfig `mapstructure:"providers"`
}

// TimeoutConfig is the default per-status age after which a job is considered stuck.
type TimeoutConfig struct {
	Pending    time.Duration `mapstructure:"pending"`
	Queued     time.Duration `mapstructure:"queued"`
	Processing time.Duration `mapstructure:"processing"`
}

// ProviderPolicy is the extended two-phase timeout policy for slow providers.
type ProviderPolicy struct {
	Provider    string        `mapstructure:"provider"`
	Recheck     time.Duration `mapstructure:"recheck"`
	HardCeiling time.Duration `mapstructure:"hardCeiling"`
}

type PlanConfig struct {
	ID           string              `mapstructure:"id"`
	Entitlements []EntitlementConfig `mapstructure:"entitlements"`
}

type EntitlementConfig struct {
	Model               string `mapstructure:"model"`
	Variant             string `mapstructure:"variant"`
	IncludedPerMonth    int64  `mapstructure:"includedPerMonth"`
	OveragePriceCredits int64  `mapstructure:"overagePriceCredits"`
}

// PriceConfig is the full price of one unit of (model, variant) and the provider serving it.
type PriceConfig struct {
	Model    string `mapstructure:"model"`
	Variant  string `mapstructure:"variant"`
	Provider string `mapstructure:"provider"`
	Credits  int64  `mapstructure:"credits"`
}

type ProviderConfig struct {
	Name      string            `mapstructure:"name"`
	Kind      string            `mapstructure:"kind"`
	BaseURL   string            `mapstructure:"baseURL"`
	APIKey    string            `mapstructure:"apiKey"`
	Timeout   time.Duration     `mapstructure:"timeout"`
	StatusMap map[string]string `mapstructure:"statusMap"`
}

const (
	ProviderKindMock = "mock"
	ProviderKindHTTP = "http"
)

func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Timeouts: TimeoutConfig{
			Pending:    30 * time.Minute,
			Queued:     60 * time.Minute,
			Processing: 120 * time.Minute,
		},
		Policies: []ProviderPolicy{
			{Provider: "videogen", Recheck: 15 * time.Minute, HardCeiling: 90 * time.Minute},
		},
		Plans: []PlanConfig{
			{ID: "creator_plus", Entitlements: []EntitlementConfig{
				{Model: "nano-banana-pro", Variant: "1k_2k", IncludedPerMonth: 200, OveragePriceCredits: 17},
			}},
			{ID: "business", Entitlements: []EntitlementConfig{
				{Model: "nano-banana-pro", Variant: "1k_2k", IncludedPerMonth: 300, OveragePriceCredits: 17},
			}},
		},
		Prices: []PriceConfig{
			{Model: "nano-banana-pro", Variant: "1k_2k", Provider: "imagegen", Credits: 17},
			{Model: "nano-banana-pro", Variant: "4k", Provider: "imagegen", Credits: 25},
			{Model: "veo-3", Variant: "fast", Provider: "videogen", Credits: 150},
		},
		Providers: []ProviderConfig{
			{Name: "imagegen", Kind: ProviderKindMock},
			{Name: "videogen", Kind: ProviderKindMock},
		},
	}
}

func (c GenerationConfig) withDefaults() GenerationConfig {
	defaults := DefaultGenerationConfig()
	if c.Timeouts.Pending <= 0 {
		c.Timeouts.Pending = defaults.Timeouts.Pending
	}
	if c.Timeouts.Queued <= 0 {
		c.Timeouts.Queued = defaults.Timeouts.Queued
	}
	if c.Timeouts.Processing <= 0 {
		c.Timeouts.Processing = defaults.Timeouts.Processing
	}
	return c
}

// Entitlement returns the monthly allotment a plan grants for (model, variant).
func (c GenerationConfig) Entitlement(planID, model, variant string) (EntitlementConfig, bool) {
	planID = strings.TrimSpace(planID)
	if planID == "" {
		return EntitlementConfig{}, false
	}
	for _, plan := range c.Plans {
		if plan.ID != planID {
			continue
		}
		for _, ent := range plan.Entitlements {
			if ent.Model == model && ent.Variant == variant {
				return ent, true
			}
		}
	}
	return EntitlementConfig{}, false
}

func (c GenerationConfig) Price(model, variant string) (PriceConfig, bool) {
	for _, price := range c.Prices {
		if price.Model == model && price.Variant == variant {
			return price, true
		}
	}
	return PriceConfig{}, false
}

func (c GenerationConfig) ProviderPolicy(provider string) (ProviderPolicy, bool) {
	for _, policy := range c.Policies {
		if strings.EqualFold(policy.Provider, provider) {
			return policy, true
		}
	}
	return ProviderPolicy{}, false
}

func (c GenerationConfig) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

type GenerationConfigHolder struct {
	current atomic.Value // holds GenerationConfig
}

// NewStaticGenerationConfigHolder wraps a fixed catalog without file watching.
func NewStaticGenerationConfigHolder(cfg GenerationConfig) *GenerationConfigHolder {
	holder := &GenerationConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func NewGenerationConfigHolder(cfg Config, log *zap.Logger) (*GenerationConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("generation-config")

	v := viper.New()
	if cfg.GenerationConfigPath != "" {
		v.SetConfigFile(cfg.GenerationConfigPath)
	} else {
		v.SetConfigName("generation")
		v.SetConfigType("yml")
		v.AddConfigPath("/var/lib/genledger/config")
		v.AddConfigPath("/etc/genledger")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("generation config not found, using defaults")
		return NewStaticGenerationConfigHolder(DefaultGenerationConfig()), nil
	}

	initial, err := decodeGenerationConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &GenerationConfigHolder{}
	holder.current.Store(initial)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeGenerationConfig(v)
		if err != nil {
			log.Warn("generation config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("generation config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *GenerationConfigHolder) Get() GenerationConfig {
	return h.current.Load().(GenerationConfig)
}

// Replace swaps the active catalog.
func (h *GenerationConfigHolder) Replace(cfg GenerationConfig) error {
	cfg = cfg.withDefaults()
	if err := validateGenerationConfig(cfg); err != nil {
		return err
	}
	h.current.Store(cfg)
	return nil
}

func decodeGenerationConfig(v *viper.Viper) (GenerationConfig, error) {
	var cfg GenerationConfig
	if err := v.UnmarshalKey("generation", &cfg); err != nil {
		return GenerationConfig{}, err
	}
	cfg = cfg.withDefaults()
	if err := validateGenerationConfig(cfg); err != nil {
		return GenerationConfig{}, err
	}
	return cfg, nil
}

func validateGenerationConfig(cfg GenerationConfig) error {
	if len(cfg.Prices) == 0 {
		return errors.New("generation.prices cannot be empty")
	}
	for _, price := range cfg.Prices {
		if strings.TrimSpace(price.Model) == "" || strings.TrimSpace(price.Variant) == "" {
			return errors.New("generation.prices entries require model and variant")
		}
		if price.Credits < 0 {
			return fmt.Errorf("generation.prices %s/%s has negative credits", price.Model, price.Variant)
		}
		if _, ok := cfg.Provider(price.Provider); !ok {
			return fmt.Errorf("generation.prices %s/%s routes to unknown provider %q", price.Model, price.Variant, price.Provider)
		}
	}
	for _, plan := range cfg.Plans {
		for _, ent := range plan.Entitlements {
			if ent.IncludedPerMonth < 0 || ent.OveragePriceCredits < 0 {
				return fmt.Errorf("generation.plans %s has negative entitlement values", plan.ID)
			}
		}
	}
	for _, policy := range cfg.Policies {
		if policy.Recheck <= 0 || policy.HardCeiling < policy.Recheck {
			return fmt.Errorf("generation.policies %s requires 0 < recheck <= hardCeiling", policy.Provider)
		}
	}
	return nil
}
