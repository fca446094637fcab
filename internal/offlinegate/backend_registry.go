package offlinegate

import (
	"strings"
	"sync"
)

type QueueStoreFactory func(dsn string) (QueueStore, error)
type RegionStoreFactory func(dsn string) (RegionStore, error)

var backendFactoryRegistry = struct {
	mu              sync.RWMutex
	queueFactories  map[string]QueueStoreFactory
	regionFactories map[string]RegionStoreFactory
}{
	queueFactories:  map[string]QueueStoreFactory{},
	regionFactories: map[string]RegionStoreFactory{},
}

// RegisterQueueStoreFactory installs a factory for a DSN scheme,
// overriding the built-in dispatch for that scheme.
func RegisterQueueStoreFactory(scheme string, factory QueueStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func RegisterRegionStoreFactory(scheme string, factory RegionStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.regionFactories[scheme] = factory
}

func lookupQueueStoreFactory(scheme string) (QueueStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func lookupRegionStoreFactory(scheme string) (RegionStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.regionFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
