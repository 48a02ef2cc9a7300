// Package watch observes materialized directory trees and turns raw
// filesystem notifications into debounced, coalesced batches of workspace
// events. Editors and build tools produce storms of notifications for one
// logical change; consumers here see one event per path per quiet period.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/StrataLabs/strata/models"
	"github.com/StrataLabs/strata/vfs"
	"github.com/StrataLabs/strata/vpath"
)

// Event is one coalesced filesystem change attributed to a workspace.
type Event struct {
	WorkspaceID  uuid.UUID
	Path         vpath.VirtualPath
	PhysicalPath string
	Kind         models.ChangeKind
	IsDir        bool
	Timestamp    time.Time
}

// Stats counts watcher behavior since start.
type Stats struct {
	Received  uint64
	Coalesced uint64
	Dropped   uint64
	Batches   uint64
}

type Config struct {
	VFS    *vfs.VFS
	Logger *slog.Logger

	// Debounce is how long a path must stay quiet before its pending
	// event is eligible for delivery.
	Debounce time.Duration

	// BatchInterval is how often eligible events are swept into a batch.
	BatchInterval time.Duration

	// MaxBatchSize forces a sweep once this many events are pending,
	// debounce notwithstanding. Zero means no forced sweep.
	MaxBatchSize int
}

type mapping struct {
	workspaceID uuid.UUID
	root        string
}

type pendingEvent struct {
	event   Event
	lastHit time.Time
}

// Watcher owns one fsnotify instance and any number of workspace
// mappings. Run drives it; Batches delivers output.
type Watcher struct {
	vfs    *vfs.VFS
	logger *slog.Logger
	fsw    *fsnotify.Watcher

	debounce      time.Duration
	batchInterval time.Duration
	maxBatch      int

	mu       sync.Mutex
	mappings []mapping
	pending  map[string]*pendingEvent

	batches chan []Event

	received  atomic.Uint64
	coalesced atomic.Uint64
	dropped   atomic.Uint64
	emitted   atomic.Uint64
}

func New(cfg Config) (*Watcher, error) {
	if cfg.VFS == nil {
		return nil, fmt.Errorf("%w: VFS is required", models.ErrInvalidInput)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrIO, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	interval := cfg.BatchInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Watcher{
		vfs:           cfg.VFS,
		logger:        logger.WithGroup("watch"),
		fsw:           fsw,
		debounce:      debounce,
		batchInterval: interval,
		maxBatch:      cfg.MaxBatchSize,
		pending:       make(map[string]*pendingEvent),
		batches:       make(chan []Event, 16),
	}, nil
}

// Watch maps a physical directory tree onto a workspace and registers
// every directory in it. Directories created later are picked up as their
// create events arrive.
func (w *Watcher) Watch(workspaceID uuid.UUID, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", models.ErrInvalidInput, root, err)
	}

	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: watch %s: %v", models.ErrIO, abs, err)
	}

	w.mu.Lock()
	w.mappings = append(w.mappings, mapping{workspaceID: workspaceID, root: abs})
	w.mu.Unlock()

	w.logger.Info("watching", "workspace", workspaceID, "root", abs)
	return nil
}

// Batches is the delivery channel. Closed when Run returns.
func (w *Watcher) Batches() <-chan []Event {
	return w.batches
}

// Stats returns a snapshot of the watcher's counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Received:  w.received.Load(),
		Coalesced: w.coalesced.Load(),
		Dropped:   w.dropped.Load(),
		Batches:   w.emitted.Load(),
	}
}

// Run consumes raw notifications until ctx is done, sweeping pending
// events into batches every BatchInterval. Always returns ctx's error.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.batchInterval)
	defer ticker.Stop()
	defer close(w.batches)

	for {
		select {
		case <-ctx.Done():
			w.sweep(true)
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.ingest(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watch error", "error", err)

		case <-ticker.C:
			w.sweep(false)
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// ingest converts one raw notification into a pending event, coalescing
// with whatever the path already has queued.
func (w *Watcher) ingest(ev fsnotify.Event) {
	w.received.Add(1)

	kind, relevant := kindOf(ev.Op)
	if !relevant {
		return
	}

	m, ok := w.lookupMapping(ev.Name)
	if !ok {
		return
	}
	vp, err := vpath.FromPhysical(m.root, ev.Name)
	if err != nil || vp.IsRoot() {
		return
	}

	isDir := false
	if info, err := os.Stat(ev.Name); err == nil {
		isDir = info.IsDir()
		// New directories must join the watch set or changes under them
		// go unseen.
		if isDir && kind == models.ChangeCreated {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", ev.Name, "error", err)
			}
		}
	}

	now := time.Now()
	key := m.workspaceID.String() + "|" + vp.String()

	w.mu.Lock()
	defer w.mu.Unlock()

	p, exists := w.pending[key]
	if !exists {
		w.pending[key] = &pendingEvent{
			event: Event{
				WorkspaceID:  m.workspaceID,
				Path:         vp,
				PhysicalPath: ev.Name,
				Kind:         kind,
				IsDir:        isDir,
				Timestamp:    now,
			},
			lastHit: now,
		}
		if w.maxBatch > 0 && len(w.pending) >= w.maxBatch {
			w.sweepLocked(true)
		}
		return
	}

	merged, drop := coalesce(p.event.Kind, kind)
	if drop {
		delete(w.pending, key)
		w.dropped.Add(1)
		return
	}
	p.event.Kind = merged
	p.event.IsDir = isDir
	p.event.Timestamp = now
	p.lastHit = now
	w.coalesced.Add(1)
}

// coalesce folds a new change kind into a queued one. A create followed
// by a delete cancels out entirely; a delete followed by a create is a
// modification of the original.
func coalesce(queued, incoming models.ChangeKind) (models.ChangeKind, bool) {
	switch {
	case queued == models.ChangeCreated && incoming == models.ChangeDeleted:
		return "", true
	case queued == models.ChangeCreated:
		return models.ChangeCreated, false
	case queued == models.ChangeDeleted && incoming == models.ChangeCreated:
		return models.ChangeModified, false
	case incoming == models.ChangeDeleted:
		return models.ChangeDeleted, false
	default:
		return models.ChangeModified, false
	}
}

func kindOf(op fsnotify.Op) (models.ChangeKind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return models.ChangeCreated, true
	case op.Has(fsnotify.Write):
		return models.ChangeModified, true
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return models.ChangeDeleted, true
	default:
		return "", false
	}
}

func (w *Watcher) lookupMapping(physPath string) (mapping, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range w.mappings {
		if physPath == m.root || strings.HasPrefix(physPath, m.root+string(filepath.Separator)) {
			return m, true
		}
	}
	return mapping{}, false
}

// sweep moves quiet pending events into a batch. With force, debounce is
// ignored and everything pending goes out.
func (w *Watcher) sweep(force bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sweepLocked(force)
}

func (w *Watcher) sweepLocked(force bool) {
	if len(w.pending) == 0 {
		return
	}

	now := time.Now()
	var batch []Event
	for key, p := range w.pending {
		if !force && now.Sub(p.lastHit) < w.debounce {
			continue
		}
		batch = append(batch, p.event)
		delete(w.pending, key)
	}
	if len(batch) == 0 {
		return
	}

	select {
	case w.batches <- batch:
		w.emitted.Add(1)
	default:
		// Consumer stalled; requeue rather than block the event loop.
		for _, ev := range batch {
			key := ev.WorkspaceID.String() + "|" + ev.Path.String()
			w.pending[key] = &pendingEvent{event: ev, lastHit: now}
		}
		w.logger.Warn("batch channel full; requeued", "events", len(batch))
	}
}
