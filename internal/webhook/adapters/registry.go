package adapters

import (
	"strings"

	"github.com/craftlabs/craft/internal/webhook/domain"
)

type Registry struct {
	adapters map[string]domain.Adapter
}

func NewRegistry(factories ...domain.AdapterFactory) (*Registry, error) {
	registry := &Registry{adapters: map[string]domain.Adapter{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(factory.Provider()))
		if provider == "" {
			continue
		}
		adapter, err := factory.NewAdapter()
		if err != nil {
			return nil, err
		}
		if adapter == nil {
			continue
		}
		registry.adapters[provider] = adapter
	}
	return registry, nil
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	_, ok := r.adapters[provider]
	return ok
}

func (r *Registry) Adapter(provider string) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, ok := r.adapters[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return adapter, nil
}
