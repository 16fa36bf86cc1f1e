package ingest

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"
)

type DownloadEventType string

const (
	DownloadStarted   DownloadEventType = "download-started"
	DownloadCompleted DownloadEventType = "download-completed"
)

type DownloadEvent struct {
	Type     DownloadEventType `json:"type"`
	ID       string            `json:"id"`
	Filename string            `json:"filename"`
	Path     string            `json:"path,omitempty"`
	SizeHint int64             `json:"sizeHint,omitempty"`
	At       time.Time         `json:"at"`
}

// In-progress download markers written by browsers before the final rename.
var partialDownloadSuffixes = []string{".crdownload", ".part", ".tmp", ".download"}

// DownloadWatcher observes the browser's download directory and surfaces
// started/completed events for marketplace report files. A watcher that
// could not attach to the filesystem still works as an event sink for the
// simulate-download command.
type DownloadWatcher struct {
	dir    string
	logger Logger
	fsw    *fsnotify.Watcher
	events chan DownloadEvent

	mu          sync.Mutex
	pendingID   string
	pendingName string
}

func NewDownloadWatcher(dir string, logger Logger) *DownloadWatcher {
	if logger == nil {
		logger = nopLogger{}
	}
	w := &DownloadWatcher{
		dir:    strings.TrimSpace(dir),
		logger: logger,
		events: make(chan DownloadEvent, 16),
	}
	if w.dir == "" {
		logger.Printf("warning: no download directory configured; only simulated downloads will be observed")
		return w
	}
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		err = fsw.Add(w.dir)
	}
	if err != nil {
		// Reported once at init; the pipeline stays drivable manually.
		logger.Printf("warning: download watch unavailable for %s: %v", w.dir, err)
		if fsw != nil {
			_ = fsw.Close()
		}
		return w
	}
	w.fsw = fsw
	return w
}

func (w *DownloadWatcher) Events() <-chan DownloadEvent {
	return w.events
}

// Run pumps filesystem events until the context is done. It never returns
// an error: watch failures degrade to manual operation.
func (w *DownloadWatcher) Run(ctx context.Context) {
	if w.fsw == nil {
		<-ctx.Done()
		return
	}
	defer func() { _ = w.fsw.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleFSEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("download watch error: %v", err)
		}
	}
}

func (w *DownloadWatcher) handleFSEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	base := filepath.Base(event.Name)
	if final, partial := stripPartialSuffix(base); partial {
		if _, ok := ClassifyReportFilename(final); !ok {
			return
		}
		w.trackStarted(ctx, final, event.Name)
		return
	}
	if _, ok := ClassifyReportFilename(base); !ok {
		return
	}
	w.complete(ctx, base, event.Name)
}

// trackStarted retains at most the most-recent pending download; a new
// start replaces the tracked one and its id is never re-used.
func (w *DownloadWatcher) trackStarted(ctx context.Context, filename, path string) {
	id := ulid.Make().String()
	w.mu.Lock()
	w.pendingID = id
	w.pendingName = filename
	w.mu.Unlock()
	w.emit(ctx, DownloadEvent{Type: DownloadStarted, ID: id, Filename: filename, Path: path, At: time.Now().UTC()})
}

func (w *DownloadWatcher) complete(ctx context.Context, filename, path string) {
	w.mu.Lock()
	id := w.pendingID
	if id == "" || w.pendingName != filename {
		id = ulid.Make().String()
		w.mu.Unlock()
		// Download materialized without an observed start; synthesize both
		// events so the id invariant holds.
		w.emit(ctx, DownloadEvent{Type: DownloadStarted, ID: id, Filename: filename, Path: path, At: time.Now().UTC()})
	} else {
		w.pendingID = ""
		w.pendingName = ""
		w.mu.Unlock()
	}
	w.emit(ctx, DownloadEvent{Type: DownloadCompleted, ID: id, Filename: filename, Path: path, At: time.Now().UTC()})
}

// Simulate injects a completed download for a file that exists on disk or
// whose bytes the orchestrator already holds.
func (w *DownloadWatcher) Simulate(ctx context.Context, filename, path string) string {
	id := ulid.Make().String()
	w.emit(ctx, DownloadEvent{Type: DownloadStarted, ID: id, Filename: filename, Path: path, At: time.Now().UTC()})
	w.emit(ctx, DownloadEvent{Type: DownloadCompleted, ID: id, Filename: filename, Path: path, At: time.Now().UTC()})
	return id
}

func (w *DownloadWatcher) emit(ctx context.Context, event DownloadEvent) {
	select {
	case w.events <- event:
	case <-ctx.Done():
	}
}

func stripPartialSuffix(name string) (string, bool) {
	lower := strings.ToLower(name)
	for _, suffix := range partialDownloadSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return name[:len(name)-len(suffix)], true
		}
	}
	return name, false
}
