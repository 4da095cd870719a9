package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/parley/pkg/models"
)

// Factory builds an Adapter from a provider config.
type Factory func(cfg models.ProviderConfig, opts Options) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register installs a factory for the given kind. Later registrations for
// the same kind replace earlier ones; adapters register themselves in init.
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

// New builds the adapter for cfg.Kind. An unknown kind is a configuration
// error listing the registered kinds.
func New(cfg models.ProviderConfig, opts Options) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Kind]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider kind %q (have %v)", cfg.Kind, Kinds())
	}
	return factory(cfg, opts)
}

// Kinds returns the registered adapter kinds, sorted.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	kinds := make([]string, 0, len(registry))
	for kind := range registry {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
