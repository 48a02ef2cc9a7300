// Package loader ingests external directory trees into workspaces. Files
// are streamed one at a time through the content store, so importing a
// large project never holds the whole tree in memory, and a single
// unreadable file is reported rather than aborting the import.
package loader

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/StrataLabs/strata/models"
	"github.com/StrataLabs/strata/vfs"
	"github.com/StrataLabs/strata/vpath"
)

// Options controls what an import takes in.
type Options struct {
	// IncludePatterns keeps only matching paths when non-empty. Patterns
	// are relative to the import root and understand ** globs.
	IncludePatterns []string

	// ExcludePatterns drops matching paths. Applied after includes.
	ExcludePatterns []string

	// MaxFileSize skips files larger than this many bytes. Zero means no
	// limit.
	MaxFileSize int64

	// MaxDepth bounds directory descent below the root. Zero means no
	// limit.
	MaxDepth int

	// FollowSymlinks descends through directory symlinks and imports file
	// symlinks as the target's bytes; the link itself is not recorded, so
	// the virtual tree holds a flattened copy. Off by default, links are
	// skipped entirely; cycles are the importer's problem once enabled.
	FollowSymlinks bool

	// HonorIgnoreFiles applies .gitignore patterns found during the walk.
	HonorIgnoreFiles bool

	// ReadOnly seals the workspace and every imported node once the
	// import finishes.
	ReadOnly bool

	// Namespace mounts the imported tree under this virtual path instead
	// of the workspace root.
	Namespace string
}

type Config struct {
	VFS    *vfs.VFS
	Logger *slog.Logger
}

// Loader imports external trees.
type Loader struct {
	vfs    *vfs.VFS
	logger *slog.Logger
}

func New(cfg Config) (*Loader, error) {
	if cfg.VFS == nil {
		return nil, fmt.Errorf("%w: VFS is required", models.ErrInvalidInput)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{vfs: cfg.VFS, logger: logger.WithGroup("loader")}, nil
}

// ImportProject creates a new workspace named name and imports sourceDir
// into it. With opts.ReadOnly the workspace is sealed after the files
// land.
func (l *Loader) ImportProject(ctx context.Context, sourceDir, name string, opts Options) (*models.ImportReport, error) {
	now := time.Now().UTC()
	ws := &models.Workspace{
		ID:        uuid.New(),
		Name:      name,
		Kind:      models.WorkspaceExternal,
		Source:    models.SourceLocal,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.ReadOnly {
		ws.Source = models.SourceExternalReadOnly
	}
	if err := l.vfs.RegisterWorkspace(ctx, ws); err != nil {
		return nil, err
	}

	report, err := l.importTree(ctx, ws.ID, sourceDir, opts)
	if err != nil {
		return report, err
	}

	if opts.ReadOnly {
		ws.ReadOnly = true
		if err := l.vfs.UpdateWorkspace(ctx, ws); err != nil {
			return report, err
		}
	}
	return report, nil
}

// ImportInto imports sourceDir into an existing writable workspace,
// merging with whatever is already there. Imported nodes never carry the
// read-only flag here.
func (l *Loader) ImportInto(ctx context.Context, workspaceID uuid.UUID, sourceDir string, opts Options) (*models.ImportReport, error) {
	ws, err := l.vfs.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if ws.ReadOnly {
		return nil, fmt.Errorf("%w: workspace %s", models.ErrReadOnly, ws.Name)
	}
	opts.ReadOnly = false
	return l.importTree(ctx, workspaceID, sourceDir, opts)
}

func (l *Loader) importTree(ctx context.Context, workspaceID uuid.UUID, sourceDir string, opts Options) (*models.ImportReport, error) {
	start := time.Now()
	report := &models.ImportReport{WorkspaceID: workspaceID}

	root, err := filepath.Abs(sourceDir)
	if err != nil {
		return report, fmt.Errorf("%w: resolve %s: %v", models.ErrInvalidInput, sourceDir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return report, fmt.Errorf("%w: %s: %v", models.ErrNotFound, sourceDir, err)
	}
	if !info.IsDir() {
		return report, fmt.Errorf("%w: not a directory: %s", models.ErrInvalidInput, sourceDir)
	}

	if opts.Namespace != "" {
		ns, err := vpath.New(opts.Namespace)
		if err != nil {
			return report, err
		}
		opts.Namespace = ns.String()
		if !ns.IsRoot() {
			if err := l.vfs.CreateDirectory(ctx, workspaceID, ns, true); err != nil {
				return report, err
			}
		}
	}

	m := newMatcher(opts.IncludePatterns, opts.ExcludePatterns)
	if opts.HonorIgnoreFiles {
		m.loadIgnoreFile(filepath.Join(root, ".gitignore"), "")
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			report.Errors = append(report.Errors, models.ItemError{Path: path, Err: walkErr.Error()})
			return nil
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			report.Errors = append(report.Errors, models.ItemError{Path: path, Err: err.Error()})
			return nil
		}
		rel = filepath.ToSlash(rel)

		if opts.MaxDepth > 0 && strings.Count(rel, "/")+1 > opts.MaxDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.Type()&os.ModeSymlink != 0 {
			if !opts.FollowSymlinks {
				return nil
			}
			target, err := os.Stat(path)
			if err != nil {
				report.Errors = append(report.Errors, models.ItemError{Path: rel, Err: err.Error()})
				return nil
			}
			if target.IsDir() {
				// WalkDir does not descend through symlinks; walk the
				// target as a nested subtree.
				return l.walkLinkedDir(ctx, workspaceID, path, rel, opts, m, report)
			}
		}

		if d.IsDir() {
			if m.skipDir(rel) {
				return filepath.SkipDir
			}
			if opts.HonorIgnoreFiles {
				m.loadIgnoreFile(filepath.Join(path, ".gitignore"), rel)
			}
			if err := l.vfs.CreateDirectory(ctx, workspaceID, vpath.MustNew(nsJoin(opts.Namespace, rel)), true); err != nil {
				report.Errors = append(report.Errors, models.ItemError{Path: rel, Err: err.Error()})
				return filepath.SkipDir
			}
			report.DirectoriesImported++
			return nil
		}

		if !m.match(rel) {
			return nil
		}
		l.importFile(ctx, workspaceID, path, rel, opts, report)
		return nil
	})
	if err != nil {
		return report, err
	}

	report.Duration = time.Since(start)
	l.logger.Info("import finished",
		"workspace", workspaceID,
		"source", root,
		"files", report.FilesImported,
		"directories", report.DirectoriesImported,
		"bytes", report.BytesImported,
		"errors", len(report.Errors),
		"duration", report.Duration)
	return report, nil
}

// walkLinkedDir imports a directory reached through a symlink, re-rooting
// physical paths under the link's virtual location.
func (l *Loader) walkLinkedDir(ctx context.Context, workspaceID uuid.UUID, linkPath, linkRel string, opts Options, m *matcher, report *models.ImportReport) error {
	if err := l.vfs.CreateDirectory(ctx, workspaceID, vpath.MustNew(nsJoin(opts.Namespace, linkRel)), true); err != nil {
		report.Errors = append(report.Errors, models.ItemError{Path: linkRel, Err: err.Error()})
		return nil
	}
	report.DirectoriesImported++

	return filepath.WalkDir(linkPath, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil || path == linkPath {
			return nil
		}
		inner, err := filepath.Rel(linkPath, path)
		if err != nil {
			return nil
		}
		rel := linkRel + "/" + filepath.ToSlash(inner)

		if opts.MaxDepth > 0 && strings.Count(rel, "/")+1 > opts.MaxDepth {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if m.skipDir(rel) {
				return filepath.SkipDir
			}
			if err := l.vfs.CreateDirectory(ctx, workspaceID, vpath.MustNew(nsJoin(opts.Namespace, rel)), true); err != nil {
				report.Errors = append(report.Errors, models.ItemError{Path: rel, Err: err.Error()})
				return filepath.SkipDir
			}
			report.DirectoriesImported++
			return nil
		}
		if !m.match(rel) {
			return nil
		}
		l.importFile(ctx, workspaceID, path, rel, opts, report)
		return nil
	})
}

// importFile reads one physical file and lands it in the workspace. All
// failures are recorded in the report; the walk continues.
func (l *Loader) importFile(ctx context.Context, workspaceID uuid.UUID, physPath, rel string, opts Options, report *models.ImportReport) {
	info, err := os.Stat(physPath)
	if err != nil {
		report.Errors = append(report.Errors, models.ItemError{Path: rel, Err: err.Error()})
		return
	}
	if opts.MaxFileSize > 0 && info.Size() > opts.MaxFileSize {
		l.logger.Debug("skipping oversize file", "path", rel, "size", info.Size())
		return
	}

	data, err := os.ReadFile(physPath)
	if err != nil {
		report.Errors = append(report.Errors, models.ItemError{Path: rel, Err: err.Error()})
		return
	}

	vp, err := vpath.New(nsJoin(opts.Namespace, rel))
	if err != nil {
		report.Errors = append(report.Errors, models.ItemError{Path: rel, Err: err.Error()})
		return
	}

	attrs := vfs.ImportAttrs{
		SourcePath:  physPath,
		Permissions: uint32(info.Mode().Perm()),
		ReadOnly:    opts.ReadOnly,
	}
	if err := l.vfs.ImportFile(ctx, workspaceID, vp, data, attrs); err != nil {
		report.Errors = append(report.Errors, models.ItemError{Path: rel, Err: err.Error()})
		return
	}

	report.FilesImported++
	report.BytesImported += info.Size()
}

// nsJoin prefixes a root-relative import path with the namespace mount
// point, when one is set.
func nsJoin(ns, rel string) string {
	if ns == "" {
		return rel
	}
	return ns + "/" + rel
}
