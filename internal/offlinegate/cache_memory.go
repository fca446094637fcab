package offlinegate

import (
	"context"
	"net/http"
	"sort"
	"sync"
)

type memoryRegionStore struct {
	mu      sync.RWMutex
	regions map[string]map[string]ResponseSnapshot
}

// NewMemoryRegionStore returns a RegionStore held entirely in process
// memory. Used by tests and by deployments that accept losing the cache
// on restart.
func NewMemoryRegionStore() RegionStore {
	return &memoryRegionStore{regions: map[string]map[string]ResponseSnapshot{}}
}

func (s *memoryRegionStore) Put(ctx context.Context, region, key string, snap ResponseSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if region == "" || key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, ok := s.regions[region]
	if !ok {
		entries = map[string]ResponseSnapshot{}
		s.regions[region] = entries
	}
	entries[key] = cloneSnapshot(snap)
	return nil
}

func (s *memoryRegionStore) Get(ctx context.Context, region, key string) (ResponseSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return ResponseSnapshot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, ok := s.regions[region]
	if !ok {
		return ResponseSnapshot{}, ErrNotFound
	}
	snap, ok := entries[key]
	if !ok {
		return ResponseSnapshot{}, ErrNotFound
	}
	return cloneSnapshot(snap), nil
}

func (s *memoryRegionStore) ListRegions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.regions))
	for name := range s.regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryRegionStore) DeleteRegion(ctx context.Context, region string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.regions, region)
	return nil
}

func (s *memoryRegionStore) Close() error {
	return nil
}

func cloneSnapshot(snap ResponseSnapshot) ResponseSnapshot {
	out := ResponseSnapshot{Status: snap.Status}
	if snap.Header != nil {
		out.Header = make(http.Header, len(snap.Header))
		for k, vs := range snap.Header {
			out.Header[k] = append([]string(nil), vs...)
		}
	}
	if snap.Body != nil {
		out.Body = append([]byte(nil), snap.Body...)
	}
	return out
}
