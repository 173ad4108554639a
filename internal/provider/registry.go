package provider

import (
	"fmt"
	"strings"
	"sync"

	"github.com/smallbiznis/genledger/internal/clock"
	"github.com/smallbiznis/genledger/internal/config"
	"github.com/smallbiznis/genledger/internal/provider/domain"
	"github.com/smallbiznis/genledger/internal/provider/httptask"
	"github.com/smallbiznis/genledger/internal/provider/mock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Registry resolves provider names from the generation catalog to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]domain.Adapter
}

type RegistryParams struct {
	fx.In

	Catalog *config.GenerationConfigHolder
	Log     *zap.Logger
	Clock   clock.Clock `optional:"true"`
}

func NewRegistry(p RegistryParams) (*Registry, error) {
	reg := &Registry{adapters: map[string]domain.Adapter{}}
	log := p.Log.Named("provider.registry")

	for _, cfg := range p.Catalog.Get().Providers {
		var (
			adapter domain.Adapter
			err     error
		)
		switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
		case config.ProviderKindMock, "":
			adapter = mock.New(cfg.Name, p.Clock)
		case config.ProviderKindHTTP:
			adapter, err = httptask.New(cfg, nil)
		default:
			err = fmt.Errorf("provider %s: unsupported kind %q", cfg.Name, cfg.Kind)
		}
		if err != nil {
			return nil, err
		}
		reg.Register(adapter)
		log.Info("provider registered", zap.String("provider", cfg.Name), zap.String("kind", cfg.Kind))
	}
	return reg, nil
}

// NewStaticRegistry builds a registry from ready adapters.
func NewStaticRegistry(adapters ...domain.Adapter) *Registry {
	reg := &Registry{adapters: map[string]domain.Adapter{}}
	for _, a := range adapters {
		reg.Register(a)
	}
	return reg
}

func (r *Registry) Register(adapter domain.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(adapter.Name())] = adapter
}

func (r *Registry) Lookup(name string) (domain.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, name)
	}
	return adapter, nil
}
