// Package assetwatch rebuilds the offline shell whenever the files
// backing it change on disk. A content hash of the asset directory
// becomes the shell version; a changed hash bumps the cache regions and
// reinstalls through the lifecycle.
package assetwatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/craftcanvas/offlinegate/internal/offlinegate"
)

const defaultDebounce = 500 * time.Millisecond

type Options struct {
	// Dir is the shell asset directory to watch.
	Dir       string
	Regions   *offlinegate.RegionManager
	Lifecycle *offlinegate.Lifecycle
	// Debounce collapses bursts of filesystem events into one reinstall.
	Debounce time.Duration
	Logger   offlinegate.Logger
}

type Watcher struct {
	dir       string
	regions   *offlinegate.RegionManager
	lifecycle *offlinegate.Lifecycle
	debounce  time.Duration
	logger    offlinegate.Logger
}

func New(opts Options) (*Watcher, error) {
	if opts.Dir == "" || opts.Regions == nil || opts.Lifecycle == nil {
		return nil, offlinegate.ErrInvalidInput
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		dir:       opts.Dir,
		regions:   opts.Regions,
		lifecycle: opts.Lifecycle,
		debounce:  debounce,
		logger:    opts.Logger,
	}, nil
}

// HashVersion derives a shell version tag from the contents of dir.
// The tag is stable across runs for identical contents.
func HashVersion(dir string) (string, error) {
	type entry struct {
		rel  string
		path string
	}
	var entries []entry
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		entries = append(entries, entry{rel: rel, path: path})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk asset dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })

	hash := sha256.New()
	for _, e := range entries {
		_, _ = io.WriteString(hash, e.rel)
		file, err := os.Open(e.path)
		if err != nil {
			return "", fmt.Errorf("open %s: %w", e.rel, err)
		}
		_, err = io.Copy(hash, file)
		file.Close()
		if err != nil {
			return "", fmt.Errorf("hash %s: %w", e.rel, err)
		}
	}
	return "v-" + hex.EncodeToString(hash.Sum(nil))[:8], nil
}

// Run watches the asset directory until ctx is done. Each settled burst
// of changes recomputes the content hash; a new hash bumps the region
// version, reinstalls the shell, and force-activates the new version.
func (w *Watcher) Run(ctx context.Context) error {
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer notify.Close()

	if err := w.addRecursive(notify, w.dir); err != nil {
		return err
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-notify.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) &&
				!event.Op.Has(fsnotify.Remove) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if event.Op.Has(fsnotify.Create) {
				if info, statErr := os.Stat(event.Name); statErr == nil && info.IsDir() {
					if addErr := w.addRecursive(notify, event.Name); addErr != nil {
						w.logf("watch new directory %s: %v", event.Name, addErr)
					}
				}
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
		case err, ok := <-notify.Errors:
			if !ok {
				return nil
			}
			w.logf("watch error: %v", err)
		case <-fire:
			timer = nil
			fire = nil
			if err := w.reinstall(ctx); err != nil {
				w.logf("shell reinstall failed: %v", err)
			}
		}
	}
}

func (w *Watcher) reinstall(ctx context.Context) error {
	version, err := HashVersion(w.dir)
	if err != nil {
		return err
	}
	if version == w.regions.Version() {
		return nil
	}
	w.logf("shell assets changed, installing version %s", version)
	prev := w.regions.Version()
	w.regions.SetVersion(version)
	if err := w.lifecycle.Install(ctx); err != nil {
		// Keep serving the populated regions until a retry succeeds.
		w.regions.SetVersion(prev)
		return fmt.Errorf("install %s: %w", version, err)
	}
	if err := w.lifecycle.ForceActivate(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", version, err)
	}
	return nil
}

func (w *Watcher) addRecursive(notify *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := notify.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
