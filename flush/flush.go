// Package flush materializes virtual workspace state onto a physical
// directory tree. A pass applies pending deletions first, then creates
// directories shallow to deep, then writes file content, optionally in
// parallel. Atomic mode journals every destructive step so a failed pass
// can put the target back the way it was; node bookkeeping (synchronized
// marks, tombstone retirement) is held until the pass commits so a rolled
// back pass leaves the directory owing exactly the same work.
package flush

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/StrataLabs/strata/db/content"
	"github.com/StrataLabs/strata/models"
	"github.com/StrataLabs/strata/vfs"
	"github.com/StrataLabs/strata/vpath"
)

type ScopeKind int

const (
	// ScopeAll flushes the whole workspace.
	ScopeAll ScopeKind = iota
	// ScopeSubtree flushes one path and everything under it.
	ScopeSubtree
	// ScopeNodes flushes an explicit set of nodes.
	ScopeNodes
)

// Scope selects which nodes a pass considers before the incremental
// filter runs.
type Scope struct {
	Kind    ScopeKind
	Path    vpath.VirtualPath
	NodeIDs []uuid.UUID
}

func All() Scope { return Scope{Kind: ScopeAll} }

func Subtree(p vpath.VirtualPath) Scope { return Scope{Kind: ScopeSubtree, Path: p} }

func Nodes(ids ...uuid.UUID) Scope { return Scope{Kind: ScopeNodes, NodeIDs: ids} }

// Options configures one pass.
type Options struct {
	// TargetDir is the physical root the workspace materializes under.
	TargetDir string

	// Incremental skips nodes already marked synchronized.
	Incremental bool

	// Atomic journals destructive steps and rolls back on failure. The
	// first error aborts the pass.
	Atomic bool

	// CreateBackup keeps a .bak copy next to every overwritten file, left
	// in place after a successful pass.
	CreateBackup bool

	// PreservePermissions applies each node's recorded mode bits instead
	// of the default.
	PreservePermissions bool

	// PreserveTimestamps sets each written file's mtime to the node's
	// last-updated time instead of the wall clock.
	PreserveTimestamps bool

	// SkipConflicts leaves files that were edited on disk since the last
	// pass untouched. By default the incoming content wins and the
	// clobbered path is still recorded as a conflict.
	SkipConflicts bool

	// MaxWorkers caps parallel file writes. Zero or one writes serially.
	MaxWorkers int
}

type Config struct {
	VFS    *vfs.VFS
	Logger *slog.Logger
}

// Engine runs materialization passes. Safe for concurrent use; each pass
// carries its own journal.
type Engine struct {
	vfs    *vfs.VFS
	logger *slog.Logger
}

func New(cfg Config) (*Engine, error) {
	if cfg.VFS == nil {
		return nil, fmt.Errorf("%w: VFS is required", models.ErrInvalidInput)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{vfs: cfg.VFS, logger: logger.WithGroup("flush")}, nil
}

// pass is the mutable state of one Flush call.
type pass struct {
	journal *journal

	mu      sync.Mutex
	commits []func(ctx context.Context) error
}

// deferCommit queues node bookkeeping that must only land if the whole
// pass succeeds.
func (ps *pass) deferCommit(fn func(ctx context.Context) error) {
	ps.mu.Lock()
	ps.commits = append(ps.commits, fn)
	ps.mu.Unlock()
}

// Flush materializes the selected scope of one workspace into
// opts.TargetDir and returns a report of what happened. In atomic mode an
// error means the target directory was restored and no node records
// changed; otherwise the pass is best-effort and per-path failures land
// in the report.
func (e *Engine) Flush(ctx context.Context, workspaceID uuid.UUID, scope Scope, opts Options) (*models.FlushReport, error) {
	start := time.Now()
	report := &models.FlushReport{}

	if opts.TargetDir == "" {
		return nil, fmt.Errorf("%w: target directory is required", models.ErrInvalidInput)
	}
	if err := os.MkdirAll(opts.TargetDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create target: %v", models.ErrIO, err)
	}

	base := vpath.Root()
	if scope.Kind == ScopeSubtree {
		base = scope.Path
	}
	nodes, err := e.vfs.Snapshot(ctx, workspaceID, base)
	if err != nil {
		return nil, err
	}
	deletes, dirs, files := partition(nodes, scope, opts.Incremental)

	ps := &pass{journal: newJournal(opts.Atomic)}
	fail := func(err error) (*models.FlushReport, error) {
		if rbErr := ps.journal.rollback(); rbErr != nil {
			e.logger.Error("rollback failed; target may be inconsistent", "error", rbErr)
			return report, fmt.Errorf("%v (rollback failed: %w)", err, rbErr)
		}
		report.Duration = time.Since(start)
		return report, err
	}

	// Deletions run deepest first so directories empty out before their
	// own removal.
	for _, n := range deletes {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := e.applyDelete(workspaceID, n, opts, ps, report); err != nil {
			if opts.Atomic {
				return fail(err)
			}
			report.Errors = append(report.Errors, models.ItemError{Path: n.Path, Err: err.Error()})
		}
	}

	for _, n := range dirs {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		if err := e.applyDirectory(workspaceID, n, opts, ps); err != nil {
			if opts.Atomic {
				return fail(err)
			}
			report.Errors = append(report.Errors, models.ItemError{Path: n.Path, Err: err.Error()})
		}
	}

	if err := e.writeFiles(ctx, workspaceID, files, opts, ps, report); err != nil {
		if opts.Atomic {
			return fail(err)
		}
	}

	for _, commit := range ps.commits {
		if err := commit(ctx); err != nil {
			e.logger.Error("post-flush bookkeeping failed", "error", err)
			report.Errors = append(report.Errors, models.ItemError{Path: "", Err: err.Error()})
		}
	}
	ps.journal.discard()

	report.Duration = time.Since(start)
	e.logger.Info("flush finished",
		"workspace", workspaceID,
		"files_written", report.FilesWritten,
		"files_deleted", report.FilesDeleted,
		"bytes_written", report.BytesWritten,
		"conflicts", len(report.Conflicts),
		"errors", len(report.Errors),
		"duration", report.Duration)
	return report, nil
}

// partition splits a snapshot into pending deletions, live directories,
// and live files, each in apply order.
func partition(nodes []*models.Node, scope Scope, incremental bool) (deletes, dirs, files []*models.Node) {
	wanted := map[uuid.UUID]bool{}
	for _, id := range scope.NodeIDs {
		wanted[id] = true
	}

	for _, n := range nodes {
		if scope.Kind == ScopeNodes && !wanted[n.ID] {
			continue
		}
		if incremental && n.Status == models.StatusSynchronized {
			continue
		}
		switch {
		case n.IsDeleted():
			deletes = append(deletes, n)
		case n.IsDirectory():
			dirs = append(dirs, n)
		case n.IsFile():
			files = append(files, n)
		}
	}

	sort.Slice(deletes, func(i, j int) bool { return deletes[i].Path > deletes[j].Path })
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Path < dirs[j].Path })
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return deletes, dirs, files
}

func (e *Engine) applyDelete(workspaceID uuid.UUID, n *models.Node, opts Options, ps *pass, report *models.FlushReport) error {
	p := vpath.MustNew(n.Path)
	phys := p.ToPhysical(opts.TargetDir)

	info, err := os.Lstat(phys)
	switch {
	case os.IsNotExist(err):
		// Nothing on disk; just retire the tombstone.
	case err != nil:
		return fmt.Errorf("%w: stat %s: %v", models.ErrIO, phys, err)
	case info.IsDir():
		if err := ps.journal.recordRemovedDir(phys, info.Mode()); err != nil {
			return err
		}
		if err := os.Remove(phys); err != nil {
			return fmt.Errorf("%w: remove %s: %v", models.ErrIO, phys, err)
		}
	default:
		if err := ps.journal.backupFile(phys); err != nil {
			return err
		}
		if err := os.Remove(phys); err != nil {
			return fmt.Errorf("%w: remove %s: %v", models.ErrIO, phys, err)
		}
		report.FilesDeleted++
	}

	ps.deferCommit(func(ctx context.Context) error {
		return e.vfs.ForgetNode(ctx, workspaceID, p)
	})
	return nil
}

func (e *Engine) applyDirectory(workspaceID uuid.UUID, n *models.Node, opts Options, ps *pass) error {
	p := vpath.MustNew(n.Path)
	phys := p.ToPhysical(opts.TargetDir)

	if _, err := os.Stat(phys); os.IsNotExist(err) {
		ps.journal.recordCreated(phys)
	}
	mode := os.FileMode(0o755)
	if opts.PreservePermissions && n.Permissions != 0 {
		mode = os.FileMode(n.Permissions)
	}
	if err := os.MkdirAll(phys, mode); err != nil {
		return fmt.Errorf("%w: mkdir %s: %v", models.ErrIO, phys, err)
	}

	ps.deferCommit(func(ctx context.Context) error {
		return e.vfs.MarkNodeSynchronized(ctx, workspaceID, p, "")
	})
	return nil
}

func (e *Engine) writeFiles(ctx context.Context, workspaceID uuid.UUID, files []*models.Node, opts Options, ps *pass, report *models.FlushReport) error {
	workers := opts.MaxWorkers
	if workers < 1 {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	results := make([]fileResult, len(files))
	for i, n := range files {
		g.Go(func() error {
			res, err := e.writeOne(gctx, workspaceID, n, opts, ps)
			res.err = err
			results[i] = res
			if err != nil && opts.Atomic {
				return err
			}
			return nil
		})
	}
	err := g.Wait()

	for _, res := range results {
		if res.err != nil {
			report.Errors = append(report.Errors, models.ItemError{Path: res.path, Err: res.err.Error()})
			continue
		}
		if res.conflict {
			report.Conflicts = append(report.Conflicts, res.path)
		}
		if res.written {
			report.FilesWritten++
			report.BytesWritten += res.bytes
		}
	}
	return err
}

type fileResult struct {
	path     string
	written  bool
	conflict bool
	bytes    int64
	err      error
}

func (e *Engine) writeOne(ctx context.Context, workspaceID uuid.UUID, n *models.Node, opts Options, ps *pass) (fileResult, error) {
	res := fileResult{path: n.Path}
	p := vpath.MustNew(n.Path)
	phys := p.ToPhysical(opts.TargetDir)

	// Out-of-band edit detection: the file on disk no longer matches what
	// the last pass wrote. The last flush wins unless the caller opted to
	// skip; either way the conflict lands in the report.
	if existing, err := os.ReadFile(phys); err == nil {
		if last, ok := n.MetadataValue(vfs.MetadataMaterializedDigest); ok {
			if content.Digest(existing) != last {
				res.conflict = true
				if opts.SkipConflicts {
					e.logger.Warn("skipping conflicted file", "path", n.Path)
					return res, nil
				}
				e.logger.Warn("overwriting out-of-band edit", "path", n.Path)
			}
		}
	}

	data, err := e.vfs.ReadFile(ctx, workspaceID, p)
	if err != nil {
		return res, err
	}

	if err := os.MkdirAll(filepath.Dir(phys), 0o755); err != nil {
		return res, fmt.Errorf("%w: mkdir %s: %v", models.ErrIO, filepath.Dir(phys), err)
	}

	if _, err := os.Stat(phys); err == nil {
		if err := ps.journal.backupFile(phys); err != nil {
			return res, err
		}
		if opts.CreateBackup {
			if err := copyFile(phys, phys+".bak"); err != nil {
				return res, err
			}
		}
	} else if os.IsNotExist(err) {
		ps.journal.recordCreated(phys)
	}

	mode := os.FileMode(0o644)
	if opts.PreservePermissions && n.Permissions != 0 {
		mode = os.FileMode(n.Permissions)
	}

	// Stage then rename so a torn write never leaves a half-written file
	// at the real path.
	tmp := phys + ".strata-tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return res, fmt.Errorf("%w: write %s: %v", models.ErrIO, tmp, err)
	}
	if err := os.Rename(tmp, phys); err != nil {
		_ = os.Remove(tmp)
		return res, fmt.Errorf("%w: rename %s: %v", models.ErrIO, phys, err)
	}
	if opts.PreserveTimestamps && !n.UpdatedAt.IsZero() {
		if err := os.Chtimes(phys, n.UpdatedAt, n.UpdatedAt); err != nil {
			e.logger.Warn("failed to set file times", "path", phys, "error", err)
		}
	}

	ps.deferCommit(func(ctx context.Context) error {
		return e.vfs.MarkNodeSynchronized(ctx, workspaceID, p, n.Digest)
	})

	res.written = true
	res.bytes = int64(len(data))
	return res, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", models.ErrIO, src, err)
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("%w: stat %s: %v", models.ErrIO, src, err)
	}
	if err := os.WriteFile(dst, data, info.Mode()); err != nil {
		return fmt.Errorf("%w: write %s: %v", models.ErrIO, dst, err)
	}
	return nil
}
