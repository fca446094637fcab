package offlinegate

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildQueueStoreFromDSN selects a queue backend by DSN scheme. Empty
// DSN means no durable queue (callers fall back to the in-memory store).
func BuildQueueStoreFromDSN(dsn string) (QueueStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupQueueStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileQueueStore(path)
	case "memory", "mem", "inmem":
		return NewMemoryQueueStore(), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return OpenSQLiteQueueStore(path)
	case "postgres", "postgresql":
		return NewPostgresQueueStore(dsn)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("%w: queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported queue store scheme: %s", scheme)
	}
}

// BuildRegionStoreFromDSN selects a cache region backend by DSN scheme.
// Empty DSN means the in-memory store.
func BuildRegionStoreFromDSN(dsn string) (RegionStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRegionStore(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupRegionStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "memory", "mem", "inmem":
		return NewMemoryRegionStore(), nil
	case "", "file", "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return OpenSQLiteRegionStore(path)
	default:
		return nil, fmt.Errorf("unsupported region store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
