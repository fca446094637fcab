package offlinegate

import (
	"context"
	"net/http"
	"strings"
	"sync"
)

type RegionRole string

const (
	RoleStatic  RegionRole = "static"
	RoleDynamic RegionRole = "dynamic"
)

const DefaultRegionPrefix = "craftcanvas"

// ResponseSnapshot is a full copy of an upstream response: status,
// headers, and body bytes. Snapshots carry no TTL; they live until their
// region is purged at activation.
type ResponseSnapshot struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// RegionStore is the persistence contract for cache regions. Get returns
// ErrNotFound on a miss; a miss is a normal branch, not a failure.
type RegionStore interface {
	Put(ctx context.Context, region, key string, snap ResponseSnapshot) error
	Get(ctx context.Context, region, key string) (ResponseSnapshot, error)
	ListRegions(ctx context.Context) ([]string, error)
	DeleteRegion(ctx context.Context, region string) error
	Close() error
}

// RequestKey is the cache identity of a request. Only GETs are ever
// cached, but the method is kept in the key so the identity is explicit.
func RequestKey(method, absoluteURL string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + " " + strings.TrimSpace(absoluteURL)
}

type RegionManagerOptions struct {
	// Prefix distinguishes this application's regions from anything else
	// sharing the store. Defaults to DefaultRegionPrefix.
	Prefix string
	// Version is the current shell version tag. Bumped whenever shell
	// assets change; activation purges every region carrying another tag.
	Version string
	Store   RegionStore
}

// RegionManager owns the two live cache regions and their lifecycle.
// Region identity is (role, version); the stored name is
// "<prefix>-<role>-<version>". The version tag is bumped whenever shell
// assets change, which retargets both regions; the abandoned names are
// purged at the next activation.
type RegionManager struct {
	prefix string
	store  RegionStore

	mu      sync.RWMutex
	version string
}

func NewRegionManager(opts RegionManagerOptions) (*RegionManager, error) {
	if opts.Store == nil {
		return nil, ErrInvalidInput
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = DefaultRegionPrefix
	}
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		return nil, ErrInvalidInput
	}
	return &RegionManager{prefix: prefix, version: version, store: opts.Store}, nil
}

func (m *RegionManager) Version() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// SetVersion retargets both regions at a new version tag. Returns
// ErrInvalidInput for a blank tag.
func (m *RegionManager) SetVersion(version string) error {
	version = strings.TrimSpace(version)
	if version == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.version = version
	return nil
}

func (m *RegionManager) Store() RegionStore {
	return m.store
}

func (m *RegionManager) RegionName(role RegionRole) string {
	return m.prefix + "-" + string(role) + "-" + m.Version()
}

func (m *RegionManager) StaticRegion() string {
	return m.RegionName(RoleStatic)
}

func (m *RegionManager) DynamicRegion() string {
	return m.RegionName(RoleDynamic)
}

// PurgeStale deletes every stored region whose name is neither the
// current static nor the current dynamic region. Returns the deleted
// names. Called during activation only.
func (m *RegionManager) PurgeStale(ctx context.Context) ([]string, error) {
	names, err := m.store.ListRegions(ctx)
	if err != nil {
		return nil, err
	}
	keep := map[string]struct{}{
		m.StaticRegion():  {},
		m.DynamicRegion(): {},
	}
	var deleted []string
	for _, name := range names {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := m.store.DeleteRegion(ctx, name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, name)
	}
	return deleted, nil
}
