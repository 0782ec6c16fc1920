package agent

import (
	"fmt"
	"sort"
	"sync"
)

var (
	providerMu        sync.RWMutex
	providerFactories = make(map[string]func() (Provider, error))
)

// RegisterProviderFactory makes a provider constructor available by name.
// Provider implementations register themselves at init time; the gateway
// binary selects one through configuration.
func RegisterProviderFactory(name string, factory func() (Provider, error)) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerFactories[name] = factory
}

// NewProviderByName constructs the named provider, or fails with
// ErrNoProvider when nothing is registered under that name.
func NewProviderByName(name string) (Provider, error) {
	providerMu.RLock()
	factory, ok := providerFactories[name]
	providerMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q (registered: %v): %w", name, ProviderNames(), ErrNoProvider)
	}
	return factory()
}

// ProviderNames lists the registered provider names, sorted.
func ProviderNames() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()
	names := make([]string, 0, len(providerFactories))
	for name := range providerFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
