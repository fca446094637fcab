package offlinegate

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func newTestLifecycle(t *testing.T, fetcher Fetcher, manifest []string) (*Lifecycle, *RegionManager) {
	t.Helper()
	manager, err := NewRegionManager(RegionManagerOptions{Version: "v1", Store: NewMemoryRegionStore()})
	if err != nil {
		t.Fatalf("new region manager failed: %v", err)
	}
	lifecycle, err := NewLifecycle(LifecycleOptions{
		Regions:       manager,
		Fetcher:       fetcher,
		Origin:        "http://app.local",
		AssetManifest: manifest,
	})
	if err != nil {
		t.Fatalf("new lifecycle failed: %v", err)
	}
	return lifecycle, manager
}

func shellFetcher(assets map[string]string) *fakeFetcher {
	responses := map[string]ResponseSnapshot{}
	for path, body := range assets {
		responses["http://app.local"+path] = ResponseSnapshot{
			Status: http.StatusOK,
			Header: http.Header{"Content-Type": []string{"text/html"}},
			Body:   []byte(body),
		}
	}
	return &fakeFetcher{responses: responses}
}

func TestInstallPopulatesStaticRegionAndActivates(t *testing.T) {
	manifest := []string{"/", "/manifest.json", "/offline.html"}
	fetcher := shellFetcher(map[string]string{
		"/":              "<html>shell</html>",
		"/manifest.json": "{}",
		"/offline.html":  "<html>offline</html>",
	})
	lifecycle, manager := newTestLifecycle(t, fetcher, manifest)
	ctx := context.Background()

	if lifecycle.State() != StatePending {
		t.Fatalf("expected pending before install, got %s", lifecycle.State())
	}
	if err := lifecycle.Install(ctx); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if lifecycle.State() != StateInstalled {
		t.Fatalf("expected installed after install, got %s", lifecycle.State())
	}
	if lifecycle.AssetCount() != len(manifest) {
		t.Fatalf("expected %d assets recorded, got %d", len(manifest), lifecycle.AssetCount())
	}
	for _, asset := range manifest {
		key := RequestKey("GET", "http://app.local"+asset)
		if _, err := manager.Store().Get(ctx, manager.StaticRegion(), key); err != nil {
			t.Fatalf("expected %s in static region, got %v", asset, err)
		}
	}
	if err := lifecycle.Activate(ctx); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if lifecycle.State() != StateActive {
		t.Fatalf("expected active after activate, got %s", lifecycle.State())
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	// /offline.html is missing upstream; its 404 must abort the whole
	// install and leave the static region empty.
	fetcher := shellFetcher(map[string]string{
		"/":              "<html>shell</html>",
		"/manifest.json": "{}",
	})
	lifecycle, manager := newTestLifecycle(t, fetcher, []string{"/", "/manifest.json", "/offline.html"})
	ctx := context.Background()

	err := lifecycle.Install(ctx)
	if err == nil {
		t.Fatalf("expected install to fail on missing asset")
	}
	var installErr *InstallError
	if !errors.As(err, &installErr) || installErr.Asset != "/offline.html" {
		t.Fatalf("expected InstallError for /offline.html, got %v", err)
	}
	if lifecycle.State() != StatePending {
		t.Fatalf("expected state to roll back to pending, got %s", lifecycle.State())
	}
	regions, listErr := manager.Store().ListRegions(ctx)
	if listErr != nil {
		t.Fatalf("list regions failed: %v", listErr)
	}
	if len(regions) != 0 {
		t.Fatalf("expected no regions after aborted install, got %v", regions)
	}
}

func TestActivatePurgesStaleVersions(t *testing.T) {
	fetcher := shellFetcher(map[string]string{"/": "<html>v2</html>"})
	manager, err := NewRegionManager(RegionManagerOptions{Prefix: "craftcanvas", Version: "v2", Store: NewMemoryRegionStore()})
	if err != nil {
		t.Fatalf("new region manager failed: %v", err)
	}
	ctx := context.Background()
	// Stale regions left behind by the previous version.
	if err := manager.Store().Put(ctx, "craftcanvas-dynamic-v1", "GET /x", ResponseSnapshot{Status: 200}); err != nil {
		t.Fatalf("seed stale region failed: %v", err)
	}
	lifecycle, err := NewLifecycle(LifecycleOptions{
		Regions:       manager,
		Fetcher:       fetcher,
		Origin:        "http://app.local",
		AssetManifest: []string{"/"},
	})
	if err != nil {
		t.Fatalf("new lifecycle failed: %v", err)
	}
	if err := lifecycle.Install(ctx); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := lifecycle.Activate(ctx); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	regions, err := manager.Store().ListRegions(ctx)
	if err != nil {
		t.Fatalf("list regions failed: %v", err)
	}
	for _, region := range regions {
		if region == "craftcanvas-dynamic-v1" {
			t.Fatalf("expected stale v1 region to be purged, still present in %v", regions)
		}
	}
	found := false
	for _, region := range regions {
		if region == "craftcanvas-static-v2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected current static region to survive activation, got %v", regions)
	}
}

func TestActivateRequiresInstall(t *testing.T) {
	lifecycle, _ := newTestLifecycle(t, &fakeFetcher{}, []string{"/"})
	if err := lifecycle.Activate(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before install, got %v", err)
	}
}

func TestForceActivateSkipsTheWait(t *testing.T) {
	fetcher := shellFetcher(map[string]string{"/": "<html>shell</html>"})
	lifecycle, _ := newTestLifecycle(t, fetcher, []string{"/"})
	ctx := context.Background()
	if err := lifecycle.Install(ctx); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := lifecycle.ForceActivate(ctx); err != nil {
		t.Fatalf("force activate failed: %v", err)
	}
	if lifecycle.State() != StateActive {
		t.Fatalf("expected active after forced activation, got %s", lifecycle.State())
	}
	// Idempotent once active.
	if err := lifecycle.ForceActivate(ctx); err != nil {
		t.Fatalf("repeat force activate failed: %v", err)
	}
}

func TestReinstallAfterVersionBump(t *testing.T) {
	fetcher := shellFetcher(map[string]string{"/": "<html>shell</html>"})
	lifecycle, manager := newTestLifecycle(t, fetcher, []string{"/"})
	ctx := context.Background()
	if err := lifecycle.Install(ctx); err != nil {
		t.Fatalf("install failed: %v", err)
	}
	if err := lifecycle.Activate(ctx); err != nil {
		t.Fatalf("activate failed: %v", err)
	}
	if err := manager.SetVersion("v2"); err != nil {
		t.Fatalf("set version failed: %v", err)
	}
	if err := lifecycle.Install(ctx); err != nil {
		t.Fatalf("reinstall failed: %v", err)
	}
	if err := lifecycle.Activate(ctx); err != nil {
		t.Fatalf("reactivate failed: %v", err)
	}
	regions, err := manager.Store().ListRegions(ctx)
	if err != nil {
		t.Fatalf("list regions failed: %v", err)
	}
	for _, region := range regions {
		if region == "craftcanvas-static-v1" {
			t.Fatalf("expected v1 regions purged after v2 activation, got %v", regions)
		}
	}
}

func TestDispatcherRoutesTriggers(t *testing.T) {
	dispatcher := NewDispatcher()
	var got Trigger
	dispatcher.Register(TriggerSync, func(ctx context.Context, tr Trigger) error {
		got = tr
		return nil
	})
	trigger := Trigger{Kind: TriggerSync, Queue: string(OpSaveCanvas)}
	if err := dispatcher.Dispatch(context.Background(), trigger); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if got.Queue != string(OpSaveCanvas) {
		t.Fatalf("handler saw wrong trigger: %+v", got)
	}
	err := dispatcher.Dispatch(context.Background(), Trigger{Kind: "unknown"})
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for unknown kind, got %v", err)
	}
}
