package ingest

import (
	"context"
	"fmt"
	"iter"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/scenariolab/hindcast/internal/models"
)

// WatchAdapter tails a directory for new or rewritten CSV/JSONL drops and
// streams their records as they land. It is the live-feed adapter for
// sources that deliver files (exports, batch dumps) rather than a network
// stream. Iteration ends when the context is cancelled.
type WatchAdapter struct {
	Dir         string
	Reliability float64
}

// NewWatchAdapter creates a WatchAdapter over dir.
func NewWatchAdapter(dir string, reliability float64) *WatchAdapter {
	return &WatchAdapter{Dir: dir, Reliability: reliability}
}

func (w *WatchAdapter) Name() string { return "watch:" + filepath.Base(w.Dir) }

func (w *WatchAdapter) Source() models.DataSourceRef {
	return models.DataSourceRef{
		ID:          w.Name(),
		Kind:        "stream",
		URI:         w.Dir,
		Reliability: w.Reliability,
	}
}

// Records blocks on filesystem events and yields each dropped file's
// records in order. Backpressure is inherent: the watcher is not read
// again until the consumer finishes the previous file.
func (w *WatchAdapter) Records(ctx context.Context) iter.Seq2[RawRecord, error] {
	return func(yield func(RawRecord, error) bool) {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			yield(RawRecord{}, fmt.Errorf("start watcher: %w", err))
			return
		}
		defer watcher.Close()

		if err := watcher.Add(w.Dir); err != nil {
			yield(RawRecord{}, fmt.Errorf("watch %s: %w", w.Dir, err))
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				if !ingestibleFile(event.Name) {
					continue
				}
				file := NewFileAdapter(event.Name, w.Reliability)
				for rec, err := range file.Records(ctx) {
					if err == nil {
						rec.Source = w.Source()
					}
					if !yield(rec, err) {
						return
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if !yield(RawRecord{}, fmt.Errorf("watcher: %w", err)) {
					return
				}
			}
		}
	}
}

func ingestibleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".jsonl", ".ndjson":
		return true
	}
	return false
}
