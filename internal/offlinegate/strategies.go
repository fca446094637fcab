package offlinegate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	DefaultOfflinePagePath = "/offline.html"

	offlineAPIBody = `{"error":"Offline","message":"This feature isn't available offline. Reconnect to continue."}`

	offlinePlaceholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="400" height="300" viewBox="0 0 400 300"><rect width="400" height="300" fill="#e2e8f0"/><text x="200" y="150" text-anchor="middle" dominant-baseline="middle" font-family="sans-serif" font-size="24" fill="#64748b">Offline</text></svg>`

	offlineInlineHTML = `<!doctype html><html><head><title>Offline</title></head><body><h1>Offline</h1><p>Reconnect to keep creating.</p></body></html>`
)

// Fetcher is the network primitive strategies and the sync handler share.
// A returned error means the network was unavailable; any settled HTTP
// response, whatever its status, is a successful fetch. Callers decide
// what a non-200 settled response means for them: the Executor returns
// it to the client but only caches 200s, and the sync handler treats
// non-2xx replays as failures.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (ResponseSnapshot, error)
}

// HTTPFetcher executes requests against the upstream origin with a plain
// http.Client.
type HTTPFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPFetcher{client: client}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (ResponseSnapshot, error) {
	resp, err := f.client.Do(req.Clone(ctx))
	if err != nil {
		return ResponseSnapshot{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ResponseSnapshot{}, err
	}
	return ResponseSnapshot{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

type ExecutorOptions struct {
	Regions *RegionManager
	Fetcher Fetcher
	// Origin prefixes cache keys so entries carry the absolute request
	// identity even when intercepted requests arrive origin-relative.
	Origin string
	// OfflinePagePath is the Static-region asset served when a
	// navigational request cannot be satisfied. Defaults to
	// DefaultOfflinePagePath.
	OfflinePagePath string
	Logger          Logger
}

// Executor serves an intercepted request through one of the three
// caching strategies. Each strategy is a pure protocol over the region
// store and the Fetcher; concurrent executions share nothing beyond the
// store, and concurrent writes to one key resolve last-writer-wins.
type Executor struct {
	regions     *RegionManager
	fetcher     Fetcher
	origin      string
	offlinePage string
	logger      Logger
}

func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Regions == nil || opts.Fetcher == nil {
		return nil, ErrInvalidInput
	}
	offlinePage := strings.TrimSpace(opts.OfflinePagePath)
	if offlinePage == "" {
		offlinePage = DefaultOfflinePagePath
	}
	if !strings.HasPrefix(offlinePage, "/") {
		offlinePage = "/" + offlinePage
	}
	return &Executor{
		regions:     opts.Regions,
		fetcher:     opts.Fetcher,
		origin:      strings.TrimRight(strings.TrimSpace(opts.Origin), "/"),
		offlinePage: offlinePage,
		logger:      opts.Logger,
	}, nil
}

// Serve runs the given strategy for r. StrategyPassthrough is the
// caller's responsibility; Serve rejects it.
func (e *Executor) Serve(ctx context.Context, r *http.Request, strategy Strategy) (ResponseSnapshot, error) {
	switch strategy {
	case StrategyNetworkFirst:
		return e.networkFirst(ctx, r)
	case StrategyCacheFirst:
		return e.cacheFirst(ctx, r)
	case StrategyStaleWhileRevalidate:
		return e.staleWhileRevalidate(ctx, r)
	default:
		return ResponseSnapshot{}, fmt.Errorf("%w: strategy %q", ErrInvalidInput, strategy)
	}
}

func (e *Executor) networkFirst(ctx context.Context, r *http.Request) (ResponseSnapshot, error) {
	key := e.keyFor(r)
	snap, err := e.fetch(ctx, r)
	if err == nil {
		e.storeDynamic(ctx, key, snap)
		return snap, nil
	}
	e.logf("network-first fetch failed for %s: %v", key, err)
	cached, cacheErr := e.regions.Store().Get(ctx, e.regions.DynamicRegion(), key)
	if cacheErr == nil {
		return cached, nil
	}
	if !errors.Is(cacheErr, ErrNotFound) {
		return ResponseSnapshot{}, cacheErr
	}
	return OfflineAPISnapshot(), nil
}

func (e *Executor) cacheFirst(ctx context.Context, r *http.Request) (ResponseSnapshot, error) {
	key := e.keyFor(r)
	cached, cacheErr := e.regions.Store().Get(ctx, e.regions.DynamicRegion(), key)
	if cacheErr == nil {
		return cached, nil
	}
	if !errors.Is(cacheErr, ErrNotFound) {
		return ResponseSnapshot{}, cacheErr
	}
	snap, err := e.fetch(ctx, r)
	if err == nil {
		e.storeDynamic(ctx, key, snap)
		return snap, nil
	}
	if IsImageRequest(r.URL.Path) {
		return OfflinePlaceholderSnapshot(), nil
	}
	return ResponseSnapshot{}, err
}

func (e *Executor) staleWhileRevalidate(ctx context.Context, r *http.Request) (ResponseSnapshot, error) {
	key := e.keyFor(r)

	// The revalidation must outlive this request; a background context
	// keeps it running after the cached copy has been returned.
	result := make(chan fetchResult, 1)
	go func() {
		snap, err := e.fetch(context.Background(), r)
		if err == nil {
			e.storeDynamic(context.Background(), key, snap)
		}
		result <- fetchResult{snap: snap, err: err}
	}()

	cached, cacheErr := e.regions.Store().Get(ctx, e.regions.DynamicRegion(), key)
	if cacheErr == nil {
		return cached, nil
	}
	if !errors.Is(cacheErr, ErrNotFound) {
		return ResponseSnapshot{}, cacheErr
	}

	select {
	case <-ctx.Done():
		return ResponseSnapshot{}, ctx.Err()
	case res := <-result:
		if res.err == nil {
			return res.snap, nil
		}
		e.logf("revalidation fetch failed for %s: %v", key, res.err)
		return e.offlinePageSnapshot(ctx), nil
	}
}

type fetchResult struct {
	snap ResponseSnapshot
	err  error
}

func (e *Executor) offlinePageSnapshot(ctx context.Context) ResponseSnapshot {
	key := RequestKey(http.MethodGet, e.origin+e.offlinePage)
	snap, err := e.regions.Store().Get(ctx, e.regions.StaticRegion(), key)
	if err == nil {
		return snap
	}
	return ResponseSnapshot{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"text/html; charset=utf-8"}},
		Body:   []byte(offlineInlineHTML),
	}
}

// fetch rebuilds r as an outbound client request against the upstream
// origin. The inbound request cannot go to an http.Client as-is: it
// carries a populated RequestURI and an origin-relative URL, both of
// which client transports reject.
func (e *Executor) fetch(ctx context.Context, r *http.Request) (ResponseSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, e.origin+r.URL.RequestURI(), nil)
	if err != nil {
		return ResponseSnapshot{}, err
	}
	req.Header = r.Header.Clone()
	return e.fetcher.Fetch(ctx, req)
}

// storeDynamic caches only 200 responses. Other settled statuses are
// served live but never become the offline copy.
func (e *Executor) storeDynamic(ctx context.Context, key string, snap ResponseSnapshot) {
	if snap.Status != http.StatusOK {
		return
	}
	if err := e.regions.Store().Put(ctx, e.regions.DynamicRegion(), key, snap); err != nil {
		e.logf("dynamic cache write failed for %s: %v", key, err)
	}
}

func (e *Executor) keyFor(r *http.Request) string {
	return RequestKey(r.Method, e.origin+r.URL.RequestURI())
}

func (e *Executor) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

// OfflineAPISnapshot is the fixed payload served when a network-first
// request fails with no cached copy.
func OfflineAPISnapshot() ResponseSnapshot {
	return ResponseSnapshot{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   []byte(offlineAPIBody),
	}
}

// OfflinePlaceholderSnapshot is the placeholder graphic served when an
// image asset cannot be fetched or found.
func OfflinePlaceholderSnapshot() ResponseSnapshot {
	return ResponseSnapshot{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"image/svg+xml"}},
		Body:   []byte(offlinePlaceholderSVG),
	}
}
