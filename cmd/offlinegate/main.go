package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/craftcanvas/offlinegate/internal/assetwatch"
	"github.com/craftcanvas/offlinegate/internal/gatewayhttp"
	"github.com/craftcanvas/offlinegate/internal/offlinegate"
)

func main() {
	addr := envOrDefault("OFFLINEGATE_ADDR", ":8099")
	origin := strings.TrimRight(envOrDefault("OFFLINEGATE_ORIGIN", "http://127.0.0.1:3000"), "/")
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Scheme == "" || originURL.Host == "" {
		log.Fatalf("invalid OFFLINEGATE_ORIGIN %q", origin)
	}

	regionStore, queueStore, err := buildStoresFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize storage backends: %v", err)
	}
	if queueStore == nil {
		queueStore = offlinegate.NewMemoryQueueStore()
	}
	defer regionStore.Close()
	defer queueStore.Close()

	shellDir := strings.TrimSpace(os.Getenv("OFFLINEGATE_SHELL_DIR"))
	version := strings.TrimSpace(os.Getenv("OFFLINEGATE_SHELL_VERSION"))
	if shellDir != "" {
		hashed, err := assetwatch.HashVersion(shellDir)
		if err != nil {
			log.Fatalf("failed to hash shell assets: %v", err)
		}
		version = hashed
	}
	if version == "" {
		version = "v1"
	}

	regions, err := offlinegate.NewRegionManager(offlinegate.RegionManagerOptions{
		Prefix:  envOrDefault("OFFLINEGATE_REGION_PREFIX", "craftcanvas"),
		Version: version,
		Store:   regionStore,
	})
	if err != nil {
		log.Fatalf("failed to initialize region manager: %v", err)
	}

	upstream := &http.Client{Timeout: durationEnv("OFFLINEGATE_UPSTREAM_TIMEOUT", 0)}
	fetcher := offlinegate.NewHTTPFetcher(upstream)

	lifecycle, err := offlinegate.NewLifecycle(offlinegate.LifecycleOptions{
		Regions:       regions,
		Fetcher:       fetcher,
		Origin:        origin,
		AssetManifest: manifestFromEnv(),
		Logger:        log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize lifecycle: %v", err)
	}
	executor, err := offlinegate.NewExecutor(offlinegate.ExecutorOptions{
		Regions:         regions,
		Fetcher:         fetcher,
		Origin:          origin,
		OfflinePagePath: os.Getenv("OFFLINEGATE_OFFLINE_PAGE"),
		Logger:          log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize strategy executor: %v", err)
	}
	syncHandler, err := offlinegate.NewSyncHandler(offlinegate.SyncOptions{
		Queue:   queueStore,
		Fetcher: fetcher,
		Origin:  origin,
		Logger:  log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize sync handler: %v", err)
	}

	events := gatewayhttp.NewEventHub(log.Default())
	notifier, err := offlinegate.NewNotifier(offlinegate.NotifierOptions{
		Sink:         events,
		Opener:       events,
		DefaultTitle: os.Getenv("OFFLINEGATE_APP_TITLE"),
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize notifier: %v", err)
	}

	dispatcher := offlinegate.NewDispatcher()
	offlinegate.WireTriggers(dispatcher, lifecycle, syncHandler, notifier)

	server, err := gatewayhttp.NewServer(gatewayhttp.ServerOptions{
		Classifier: offlinegate.NewClassifier(offlinegate.ClassifierOptions{
			Origin:    origin,
			APIPrefix: os.Getenv("OFFLINEGATE_API_PREFIX"),
		}),
		Executor:   executor,
		Lifecycle:  lifecycle,
		Regions:    regions,
		Queue:      queueStore,
		Sync:       syncHandler,
		Dispatcher: dispatcher,
		Notifier:   notifier,
		Proxy:      httputil.NewSingleHostReverseProxy(originURL),
		Events:     events,
		Config: gatewayhttp.ServerConfig{
			MaxBodyBytes: int64Env("OFFLINEGATE_MAX_BODY_BYTES", 0),
		},
		Logger: log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize server: %v", err)
	}

	ctx := context.Background()
	if err := lifecycle.Install(ctx); err != nil {
		// The upstream may simply be unreachable right now; interception
		// stays disabled until a later install succeeds.
		log.Printf("shell install failed, serving passthrough only: %v", err)
	} else if err := lifecycle.Activate(ctx); err != nil {
		log.Printf("activation failed: %v", err)
	} else {
		log.Printf("shell version %s active (%d assets)", regions.Version(), lifecycle.AssetCount())
	}

	if shellDir != "" {
		watcher, err := assetwatch.New(assetwatch.Options{
			Dir:       shellDir,
			Regions:   regions,
			Lifecycle: lifecycle,
			Debounce:  durationEnv("OFFLINEGATE_WATCH_DEBOUNCE", 0),
			Logger:    log.Default(),
		})
		if err != nil {
			log.Fatalf("failed to initialize asset watcher: %v", err)
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("asset watcher stopped: %v", err)
			}
		}()
	}

	log.Printf("offlinegate listening on %s, upstream %s", addr, origin)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func manifestFromEnv() []string {
	raw := strings.TrimSpace(os.Getenv("OFFLINEGATE_ASSET_MANIFEST"))
	if raw == "" {
		return nil
	}
	var assets []string
	for _, asset := range strings.Split(raw, ",") {
		asset = strings.TrimSpace(asset)
		if asset != "" {
			assets = append(assets, asset)
		}
	}
	return assets
}

func buildStoresFromEnv() (offlinegate.RegionStore, offlinegate.QueueStore, error) {
	cacheDSN, queueDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, err
	}
	if override := strings.TrimSpace(os.Getenv("OFFLINEGATE_CACHE_DSN")); override != "" {
		cacheDSN = override
	}
	if override := strings.TrimSpace(os.Getenv("OFFLINEGATE_QUEUE_DSN")); override != "" {
		queueDSN = override
	}
	regionStore, err := offlinegate.BuildRegionStoreFromDSN(cacheDSN)
	if err != nil {
		return nil, nil, err
	}
	queueStore, err := offlinegate.BuildQueueStoreFromDSN(queueDSN)
	if err != nil {
		regionStore.Close()
		return nil, nil, err
	}
	return regionStore, queueStore, nil
}

func storageProfileDefaultsFromEnv() (cacheDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("OFFLINEGATE_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("OFFLINEGATE_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".offlinegate"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("OFFLINEGATE_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", "", fmt.Errorf("OFFLINEGATE_POSTGRES_DSN is required when OFFLINEGATE_BACKEND_PROFILE=%s", profile)
		}
		// Cache snapshots stay in a local sqlite file even on the
		// production profile; only the replay queue needs to survive a
		// host move.
		return "sqlite:" + filepath.Join(dataDir, "cache.db"), productionDSN, nil
	case "durable-local", "local-durable":
		return "sqlite:" + filepath.Join(dataDir, "cache.db"),
			"sqlite:" + filepath.Join(dataDir, "queue.db"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported OFFLINEGATE_BACKEND_PROFILE: %s", profile)
	}
}
