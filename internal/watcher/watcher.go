// Package watcher keeps a serving process's index in step with the store
// when a separate sync process commits to it.
package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/Jisu-Woniu/aur-mirror-meta/internal/index"
	"github.com/Jisu-Woniu/aur-mirror-meta/internal/metrics"
)

const defaultDebounce = 500 * time.Millisecond

// Source is the store as seen by the watcher.
type Source interface {
	Generation(ctx context.Context) (uint64, error)
	LoadSnapshot(ctx context.Context) (*index.Snapshot, error)
}

// Watcher reloads the index whenever the database file changes and the
// stored generation is ahead of the served one.
type Watcher struct {
	source   Source
	index    *index.Index
	dir      string
	base     string
	debounce time.Duration

	fs     *fsnotify.Watcher
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Watcher for the database at dbPath. A debounce of zero
// uses the default.
func New(source Source, idx *index.Index, dbPath string, debounce time.Duration) (*Watcher, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		source:   source,
		index:    idx,
		dir:      filepath.Dir(dbPath),
		base:     filepath.Base(dbPath),
		debounce: debounce,
		stopCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. SQLite in WAL mode writes commits to sidecar
// files, so the whole directory is watched and filtered by name.
func (w *Watcher) Start() error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fs.Add(w.dir); err != nil {
		fs.Close()
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.fs = fs

	w.wg.Add(1)
	go w.run()
	logrus.Debugf("Watching %s for store updates", filepath.Join(w.dir, w.base))
	return nil
}

// Stop halts the watcher and waits for an in-flight reload.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	w.wg.Wait()
	if w.fs != nil {
		return w.fs.Close()
	}
	return nil
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	return strings.HasPrefix(filepath.Base(ev.Name), w.base)
}

func (w *Watcher) run() {
	defer w.wg.Done()

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.relevant(ev) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logrus.Warnf("Store watcher error: %v", err)
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := w.Reload(ctx); err != nil {
				logrus.Warnf("Failed to reload index from store: %v", err)
			}
			cancel()
		case <-w.stopCh:
			return
		}
	}
}

// Reload publishes the stored snapshot if it is newer than the served one
// and reports whether it did.
func (w *Watcher) Reload(ctx context.Context) (bool, error) {
	gen, err := w.source.Generation(ctx)
	if err != nil {
		return false, err
	}
	if gen <= w.index.Current().Generation() {
		return false, nil
	}

	snap, err := w.source.LoadSnapshot(ctx)
	if err != nil {
		return false, err
	}
	if err := w.index.Publish(snap); err != nil {
		// A local sync pass got there first.
		logrus.Debugf("Skipped reload: %v", err)
		return false, nil
	}
	metrics.ObserveSnapshot(snap.Generation(), snap.PackageCount())
	logrus.Infof("Reloaded index generation %d (%d packages)", snap.Generation(), snap.PackageCount())
	return true, nil
}
