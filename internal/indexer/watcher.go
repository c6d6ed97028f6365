package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/54b3r/mailrag-go/internal/logging"
)

// DefaultSettle is how long a file must stay quiet before it is re-read.
// A mail export usually arrives as a burst of Write events.
const DefaultSettle = 500 * time.Millisecond

// Watcher re-indexes JSONL message exports as they appear or change in a
// directory.
type Watcher struct {
	watcher *fsnotify.Watcher
	settle  time.Duration
	handle  func(ctx context.Context, path string) error
}

// NewWatcher creates a Watcher that calls handle with the path of every
// created or modified .jsonl file once it has settled.
func NewWatcher(handle func(ctx context.Context, path string) error, settle time.Duration) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("indexer: watcher: %w", err)
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{watcher: w, settle: settle, handle: handle}, nil
}

// Run watches dir until ctx is cancelled. Handler errors are logged and do
// not stop the watch.
func (w *Watcher) Run(ctx context.Context, dir string) error {
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("indexer: watch %s: %w", dir, err)
	}
	log := logging.FromContext(ctx).With(slog.String("dir", dir))
	log.Info("indexer: watching for message exports")

	var (
		mu      sync.Mutex
		pending = make(map[string]*time.Timer)
		wg      sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		for _, t := range pending {
			if t.Stop() {
				wg.Done()
			}
		}
		mu.Unlock()
		wg.Wait()
	}()

	// schedule (re)arms the settle timer for path. Must hold mu.
	schedule := func(path string) {
		if t, ok := pending[path]; ok && t.Stop() {
			wg.Done()
		}
		wg.Add(1)
		var t *time.Timer
		t = time.AfterFunc(w.settle, func() {
			defer wg.Done()
			mu.Lock()
			if pending[path] == t {
				delete(pending, path)
			}
			mu.Unlock()
			if ctx.Err() != nil {
				return
			}
			if err := w.handle(ctx, path); err != nil {
				log.Warn("indexer: re-index failed", slog.String("path", path), slog.String("error", err.Error()))
			}
		})
		pending[path] = t
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !isMessageExport(ev.Name) || !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			mu.Lock()
			schedule(ev.Name)
			mu.Unlock()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("indexer: watcher error", slog.String("error", err.Error()))
		}
	}
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func isMessageExport(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".jsonl")
}
