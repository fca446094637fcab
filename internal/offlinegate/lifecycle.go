package offlinegate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

type LifecycleState string

const (
	StatePending    LifecycleState = "pending"
	StateInstalling LifecycleState = "installing"
	StateInstalled  LifecycleState = "installed"
	StateActivating LifecycleState = "activating"
	StateActive     LifecycleState = "active"
)

// DefaultAssetManifest enumerates the root-level shell assets cached
// verbatim at install.
var DefaultAssetManifest = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/offline.html",
	"/icons/icon-192.png",
	"/icons/icon-512.png",
}

type LifecycleOptions struct {
	Regions *RegionManager
	Fetcher Fetcher
	// Origin is prepended to manifest paths when fetching and when
	// building cache keys.
	Origin string
	// AssetManifest lists root-level paths to populate the Static region
	// with. Defaults to DefaultAssetManifest.
	AssetManifest []string
	Logger        Logger
}

// Lifecycle drives the transitions from installing through installed
// and activating to active. Install is all-or-nothing: one failed asset fetch aborts
// the whole install and the new Static region is never marked ready, so
// whatever was active before keeps serving.
type Lifecycle struct {
	regions *RegionManager
	fetcher Fetcher
	origin  string
	assets  []string
	logger  Logger

	mu         sync.Mutex
	state      LifecycleState
	assetCount int
}

func NewLifecycle(opts LifecycleOptions) (*Lifecycle, error) {
	if opts.Regions == nil || opts.Fetcher == nil {
		return nil, ErrInvalidInput
	}
	assets := opts.AssetManifest
	if len(assets) == 0 {
		assets = DefaultAssetManifest
	}
	normalized := make([]string, 0, len(assets))
	for _, asset := range assets {
		asset = strings.TrimSpace(asset)
		if asset == "" {
			continue
		}
		if !strings.HasPrefix(asset, "/") {
			asset = "/" + asset
		}
		normalized = append(normalized, asset)
	}
	if len(normalized) == 0 {
		return nil, ErrInvalidInput
	}
	return &Lifecycle{
		regions: opts.Regions,
		fetcher: opts.Fetcher,
		origin:  strings.TrimRight(strings.TrimSpace(opts.Origin), "/"),
		assets:  normalized,
		logger:  opts.Logger,
		state:   StatePending,
	}, nil
}

func (l *Lifecycle) State() LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// AssetCount reports how many manifest assets the last successful
// install stored.
func (l *Lifecycle) AssetCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.assetCount
}

// Install fetches every manifest asset and populates the Static region
// for the current version. Valid from pending (first install) and from
// active (a version bump re-installing the shell).
func (l *Lifecycle) Install(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case StatePending, StateActive:
	default:
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: install from %s", ErrInvalidState, state)
	}
	prior := l.state
	l.state = StateInstalling
	l.mu.Unlock()

	fail := func(err error) error {
		l.mu.Lock()
		l.state = prior
		l.mu.Unlock()
		return err
	}

	// Fetch everything before writing anything so a failure leaves the
	// region untouched.
	snapshots := make(map[string]ResponseSnapshot, len(l.assets))
	for _, asset := range l.assets {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.origin+asset, nil)
		if err != nil {
			return fail(&InstallError{Asset: asset, Err: err})
		}
		snap, err := l.fetcher.Fetch(ctx, req)
		if err != nil {
			return fail(&InstallError{Asset: asset, Err: err})
		}
		if snap.Status != http.StatusOK {
			return fail(&InstallError{Asset: asset, Err: fmt.Errorf("status %d", snap.Status)})
		}
		snapshots[asset] = snap
	}

	region := l.regions.StaticRegion()
	for _, asset := range l.assets {
		key := RequestKey(http.MethodGet, l.origin+asset)
		if err := l.regions.Store().Put(ctx, region, key, snapshots[asset]); err != nil {
			return fail(&InstallError{Asset: asset, Err: err})
		}
	}

	l.mu.Lock()
	l.state = StateInstalled
	l.assetCount = len(l.assets)
	l.mu.Unlock()
	l.logf("installed %d shell assets into %s", len(l.assets), region)
	return nil
}

// Activate purges every region other than the current Static and Dynamic
// ones and marks the controller ready to intercept.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.mu.Lock()
	if l.state != StateInstalled {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w: activate from %s", ErrInvalidState, state)
	}
	l.state = StateActivating
	l.mu.Unlock()

	deleted, err := l.regions.PurgeStale(ctx)
	if err != nil {
		l.mu.Lock()
		l.state = StateInstalled
		l.mu.Unlock()
		return err
	}
	for _, name := range deleted {
		l.logf("purged stale region %s", name)
	}

	l.mu.Lock()
	l.state = StateActive
	l.mu.Unlock()
	return nil
}

// ForceActivate is the skip-waiting command: the pending version takes
// effect immediately instead of waiting for existing clients to close.
// It shares Activate's transition; forcing from any state other than
// installed is a no-op when already active and an error otherwise.
func (l *Lifecycle) ForceActivate(ctx context.Context) error {
	if l.State() == StateActive {
		return nil
	}
	return l.Activate(ctx)
}

func (l *Lifecycle) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}

type TriggerKind string

const (
	TriggerInstall       TriggerKind = "install"
	TriggerActivate      TriggerKind = "activate"
	TriggerForceActivate TriggerKind = "force-activate"
	TriggerSync          TriggerKind = "sync"
	TriggerPush          TriggerKind = "push"
)

// Trigger is a discrete event delivered to the gateway: a lifecycle
// command, a connectivity-restored signal tagged with a queue, or an
// inbound push payload.
type Trigger struct {
	Kind    TriggerKind     `json:"kind"`
	Queue   string          `json:"queue,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type TriggerHandler func(ctx context.Context, t Trigger) error

// Dispatcher routes triggers to their registered handlers. One handler
// per kind; registering again replaces the previous handler.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[TriggerKind]TriggerHandler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[TriggerKind]TriggerHandler{}}
}

func (d *Dispatcher) Register(kind TriggerKind, handler TriggerHandler) {
	if kind == "" || handler == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = handler
}

func (d *Dispatcher) Dispatch(ctx context.Context, t Trigger) error {
	d.mu.RLock()
	handler, ok := d.handlers[t.Kind]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: trigger kind %q", ErrNotImplemented, t.Kind)
	}
	return handler(ctx, t)
}
