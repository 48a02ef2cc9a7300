package vfs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/StrataLabs/strata/db/tkv"
	"github.com/StrataLabs/strata/models"
	"github.com/StrataLabs/strata/vpath"
)

// ReadFile resolves the node at path and returns its content bytes, served
// from the content cache when hot and the content store otherwise. The
// node's access timestamp is updated best-effort.
func (v *VFS) ReadFile(ctx context.Context, workspaceID uuid.UUID, path vpath.VirtualPath) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n, err := v.getLiveNode(workspaceID, path)
	if err != nil {
		return nil, err
	}
	if !n.IsFile() {
		return nil, fmt.Errorf("%w: not a file: %s", models.ErrNotFound, path)
	}
	if n.Digest == "" {
		return nil, fmt.Errorf("%w: file has no content digest: %s", models.ErrIO, path)
	}

	data, hit := v.cache.Get(n.Digest)
	if !hit {
		data, err = v.content.Get(n.Digest)
		if err != nil {
			return nil, err
		}
		v.cache.Put(n.Digest, data)
	}

	v.touchAccessed(workspaceID, path)
	return data, nil
}

// WriteFile stores data under path, creating or updating the node. Content
// is deduplicated through the content store; a replaced digest loses one
// reference. Writers racing on the same path are serialized by the node's
// version counter: the loser fails with ErrVersionConflict.
func (v *VFS) WriteFile(ctx context.Context, workspaceID uuid.UUID, path vpath.VirtualPath, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if path.IsRoot() {
		return fmt.Errorf("%w: cannot write to workspace root", models.ErrInvalidInput)
	}

	ws, err := v.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if ws.ReadOnly {
		return fmt.Errorf("%w: workspace %s", models.ErrReadOnly, ws.Name)
	}
	if err := v.checkWritableAncestors(workspaceID, path); err != nil {
		return err
	}

	existing, err := v.getNode(workspaceID, path)
	if err != nil && !isNotFound(err) {
		return err
	}
	live := existing != nil && !existing.IsDeleted()
	if live {
		if existing.ReadOnly {
			return fmt.Errorf("%w: %s", models.ErrReadOnly, path)
		}
		if !existing.IsFile() {
			return fmt.Errorf("%w: not a file: %s", models.ErrInvalidInput, path)
		}
	}

	digest, err := v.content.Put(data)
	if err != nil {
		return err
	}

	if live {
		n := *existing
		oldDigest := n.Digest
		expected := n.Version
		n.Digest = digest
		n.Size = int64(len(data))
		if n.Language == models.LangUnknown {
			n.Language = models.LanguageFromExtension(path.Extension())
		}
		n.MarkModified()

		if err := v.saveNodeCAS(&n, expected); err != nil {
			v.compensatePut(digest)
			return err
		}
		if oldDigest != "" && oldDigest != digest {
			if _, err := v.content.RemoveRef(oldDigest); err != nil {
				return fmt.Errorf("%w: reference bookkeeping failed for %s: %v", models.ErrIO, oldDigest, err)
			}
		}
		v.appendChange(&n, models.ChangeModified, "")
	} else {
		n := models.NewFileNode(workspaceID, path.String(), digest, int64(len(data)))
		n.Language = models.LanguageFromExtension(path.Extension())

		if err := v.saveNodeCAS(n, 0); err != nil {
			v.compensatePut(digest)
			return err
		}
		if err := v.ensureParents(workspaceID, path); err != nil {
			return err
		}
		v.appendChange(n, models.ChangeCreated, "")
	}

	v.cache.Put(digest, data)
	v.markDiverging(ctx, ws)
	v.logger.Debug("file written", "workspace", workspaceID, "path", path.String(), "digest", digest, "bytes", len(data))
	return nil
}

// CreateFile is WriteFile that fails when the path already holds a live
// node.
func (v *VFS) CreateFile(ctx context.Context, workspaceID uuid.UUID, path vpath.VirtualPath, data []byte) (*models.Node, error) {
	if n, err := v.getLiveNode(workspaceID, path); err == nil && n != nil {
		return nil, fmt.Errorf("%w: %s", models.ErrAlreadyExists, path)
	}
	if err := v.WriteFile(ctx, workspaceID, path, data); err != nil {
		return nil, err
	}
	return v.getLiveNode(workspaceID, path)
}

// UpdateFile is WriteFile that fails when the path does not hold a live
// file.
func (v *VFS) UpdateFile(ctx context.Context, workspaceID uuid.UUID, path vpath.VirtualPath, data []byte) (*models.Node, error) {
	if _, err := v.getLiveNode(workspaceID, path); err != nil {
		return nil, err
	}
	if err := v.WriteFile(ctx, workspaceID, path, data); err != nil {
		return nil, err
	}
	return v.getLiveNode(workspaceID, path)
}

// CreateDirectory creates a directory node at path. With createParents it
// also creates any missing ancestors; without it, a missing ancestor is
// NotFound. An existing directory at path is not an error; any other node
// kind is AlreadyExists.
func (v *VFS) CreateDirectory(ctx context.Context, workspaceID uuid.UUID, path vpath.VirtualPath, createParents bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if path.IsRoot() {
		return nil
	}

	ws, err := v.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if ws.ReadOnly {
		return fmt.Errorf("%w: workspace %s", models.ErrReadOnly, ws.Name)
	}

	if existing, err := v.getLiveNode(workspaceID, path); err == nil {
		if existing.IsDirectory() {
			return nil
		}
		return fmt.Errorf("%w: %s", models.ErrAlreadyExists, path)
	}

	if parent, ok := path.Parent(); ok && !parent.IsRoot() {
		pn, err := v.getLiveNode(workspaceID, parent)
		switch {
		case err == nil:
			if !pn.IsDirectory() {
				return fmt.Errorf("%w: ancestor is not a directory: %s", models.ErrInvalidInput, parent)
			}
		case isNotFound(err):
			if !createParents {
				return fmt.Errorf("%w: parent directory missing: %s", models.ErrNotFound, parent)
			}
			if err := v.ensureParents(workspaceID, path); err != nil {
				return err
			}
		default:
			return err
		}
	}

	n := models.NewDirectoryNode(workspaceID, path.String())
	if err := v.saveNodeCAS(n, 0); err != nil {
		if errors.Is(err, models.ErrVersionConflict) {
			// Raced with another creator; the directory exists now.
			return nil
		}
		return err
	}
	v.appendChange(n, models.ChangeCreated, "")
	v.markDiverging(ctx, ws)
	return nil
}

// ListDirectory returns the live children of a directory, ordered by path.
// The recursive variant walks the whole subtree.
func (v *VFS) ListDirectory(ctx context.Context, workspaceID uuid.UUID, path vpath.VirtualPath, recursive bool) ([]*models.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !path.IsRoot() {
		n, err := v.getLiveNode(workspaceID, path)
		if err != nil {
			return nil, err
		}
		if !n.IsDirectory() {
			return nil, fmt.Errorf("%w: not a directory: %s", models.ErrInvalidInput, path)
		}
	}

	prefix := keyPrefixNode + workspaceID.String() + ":"
	if !path.IsRoot() {
		prefix += path.String() + "/"
	}

	kvs, err := v.kv.IteratePrefix(prefix, 0, 0)
	if err != nil {
		return nil, err
	}

	baseDepth := path.Depth()
	var out []*models.Node
	for _, kv := range kvs {
		n, err := decodeNode(kv.Value)
		if err != nil {
			v.logger.Warn("skipping corrupt node record", "key", kv.Key, "error", err)
			continue
		}
		if n.IsDeleted() {
			continue
		}
		np := vpath.MustNew(n.Path)
		if !recursive && np.Depth() != baseDepth+1 {
			continue
		}
		out = append(out, n)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Delete tombstones the node at path. Deleting a non-empty directory
// requires recursive, otherwise ErrConflict. Tombstoned file nodes give up
// one reference on their digest; payloads are purged later by the explicit
// garbage-collection pass. Recursive deletion is best-effort and reports a
// PartialError when only some children could be processed.
func (v *VFS) Delete(ctx context.Context, workspaceID uuid.UUID, path vpath.VirtualPath, recursive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if path.IsRoot() {
		return fmt.Errorf("%w: cannot delete workspace root", models.ErrInvalidInput)
	}

	ws, err := v.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if ws.ReadOnly {
		return fmt.Errorf("%w: workspace %s", models.ErrReadOnly, ws.Name)
	}

	n, err := v.getLiveNode(workspaceID, path)
	if err != nil {
		return err
	}
	if n.ReadOnly {
		return fmt.Errorf("%w: %s", models.ErrReadOnly, path)
	}

	targets := []*models.Node{n}
	if n.IsDirectory() {
		children, err := v.ListDirectory(ctx, workspaceID, path, true)
		if err != nil {
			return err
		}
		if len(children) > 0 && !recursive {
			return fmt.Errorf("%w: directory not empty: %s", models.ErrConflict, path)
		}
		targets = append(targets, children...)
	}

	var itemErrors []models.ItemError
	succeeded := 0
	for _, t := range targets {
		if err := v.tombstone(t); err != nil {
			itemErrors = append(itemErrors, models.ItemError{Path: t.Path, Err: err.Error()})
			continue
		}
		succeeded++
	}
	if succeeded > 0 {
		v.markDiverging(ctx, ws)
	}

	if len(itemErrors) > 0 {
		if succeeded == 0 && len(targets) == 1 {
			return fmt.Errorf("%w: %s", models.ErrIO, itemErrors[0].Err)
		}
		return &models.PartialError{Succeeded: succeeded, Items: itemErrors}
	}
	return nil
}

// Exists reports whether a live node occupies path. The workspace root
// always exists.
func (v *VFS) Exists(ctx context.Context, workspaceID uuid.UUID, path vpath.VirtualPath) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if path.IsRoot() {
		return true, nil
	}
	_, err := v.getLiveNode(workspaceID, path)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Metadata returns node attributes without touching content. The root
// resolves to a synthetic directory node.
func (v *VFS) Metadata(ctx context.Context, workspaceID uuid.UUID, path vpath.VirtualPath) (*models.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if path.IsRoot() {
		return &models.Node{
			WorkspaceID: workspaceID,
			Path:        "",
			Kind:        models.NodeDirectory,
			Status:      models.StatusSynchronized,
		}, nil
	}
	return v.getLiveNode(workspaceID, path)
}

// Rename moves the node at oldPath to newPath within one workspace. The
// node keeps its identity and digest; reference counts are unchanged.
func (v *VFS) Rename(ctx context.Context, workspaceID uuid.UUID, oldPath, newPath vpath.VirtualPath) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if oldPath.IsRoot() || newPath.IsRoot() {
		return fmt.Errorf("%w: cannot rename workspace root", models.ErrInvalidInput)
	}

	ws, err := v.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if ws.ReadOnly {
		return fmt.Errorf("%w: workspace %s", models.ErrReadOnly, ws.Name)
	}

	n, err := v.getLiveNode(workspaceID, oldPath)
	if err != nil {
		return err
	}
	if n.ReadOnly {
		return fmt.Errorf("%w: %s", models.ErrReadOnly, oldPath)
	}
	if _, err := v.getLiveNode(workspaceID, newPath); err == nil {
		return fmt.Errorf("%w: %s", models.ErrAlreadyExists, newPath)
	}
	if err := v.checkWritableAncestors(workspaceID, newPath); err != nil {
		return err
	}

	moved := *n
	moved.Path = newPath.String()
	moved.MarkModified()

	if err := v.saveNodeCAS(&moved, 0); err != nil {
		return err
	}
	if err := v.ensureParents(workspaceID, newPath); err != nil {
		return err
	}
	if err := v.kv.Delete(nodeKey(workspaceID, oldPath)); err != nil {
		return err
	}
	v.invalidateNode(workspaceID, oldPath)

	v.appendChange(&moved, models.ChangeRenamed, oldPath.String())
	v.markDiverging(ctx, ws)
	return nil
}

// SetNodeMetadata updates one key of a node's free-form metadata map,
// bumping the version like any other mutation. Ingestion layers use this
// to annotate files.
func (v *VFS) SetNodeMetadata(ctx context.Context, workspaceID uuid.UUID, path vpath.VirtualPath, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n, err := v.getLiveNode(workspaceID, path)
	if err != nil {
		return err
	}

	updated := *n
	expected := updated.Version
	updated.SetMetadataValue(key, value)
	updated.MarkModified()
	return v.saveNodeCAS(&updated, expected)
}

// -------------------------- helpers

// checkWritableAncestors walks every proper ancestor of path; an existing
// ancestor must be a directory and must not be read-only.
func (v *VFS) checkWritableAncestors(workspaceID uuid.UUID, path vpath.VirtualPath) error {
	for _, anc := range path.Ancestors() {
		n, err := v.getNode(workspaceID, anc)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return err
		}
		if n.IsDeleted() {
			continue
		}
		if !n.IsDirectory() {
			return fmt.Errorf("%w: ancestor is not a directory: %s", models.ErrInvalidInput, anc)
		}
		if n.ReadOnly {
			return fmt.Errorf("%w: ancestor %s", models.ErrReadOnly, anc)
		}
	}
	return nil
}

// ensureParents creates directory nodes for any missing ancestors. Races
// with concurrent creators are benign.
func (v *VFS) ensureParents(workspaceID uuid.UUID, path vpath.VirtualPath) error {
	for _, anc := range path.Ancestors() {
		_, err := v.getLiveNode(workspaceID, anc)
		if err == nil {
			continue
		}
		if !isNotFound(err) {
			return err
		}
		dir := models.NewDirectoryNode(workspaceID, anc.String())
		if err := v.saveNodeCAS(dir, 0); err != nil {
			if errors.Is(err, models.ErrVersionConflict) {
				continue
			}
			return err
		}
		v.appendChange(dir, models.ChangeCreated, "")
	}
	return nil
}

// tombstone marks a node deleted and releases its content reference. A
// failed reference decrement is surfaced as a fatal IO error because
// silent failure would corrupt the dedup invariant.
func (v *VFS) tombstone(n *models.Node) error {
	stale := *n
	stale.Status = models.StatusDeleted
	stale.Version++
	stale.UpdatedAt = time.Now().UTC()

	if err := v.saveNode(&stale); err != nil {
		return err
	}
	if stale.IsFile() && stale.Digest != "" {
		if _, err := v.content.RemoveRef(stale.Digest); err != nil {
			return fmt.Errorf("%w: reference bookkeeping failed for %s: %v", models.ErrIO, stale.Digest, err)
		}
	}
	v.appendChange(&stale, models.ChangeDeleted, "")
	return nil
}

// compensatePut undoes the reference taken by a content Put after the node
// write it supported failed.
func (v *VFS) compensatePut(digest string) {
	if _, err := v.content.RemoveRef(digest); err != nil {
		v.logger.Error("failed to roll back content reference", "digest", digest, "error", err)
	}
}

// touchAccessed refreshes AccessedAt without bumping the version; losing
// this update to a race is acceptable.
func (v *VFS) touchAccessed(workspaceID uuid.UUID, path vpath.VirtualPath) {
	key := nodeKey(workspaceID, path)
	err := v.kv.Swap(key, func(old []byte, found bool) ([]byte, error) {
		if !found {
			return nil, nil
		}
		n, err := decodeNode(old)
		if err != nil {
			return nil, err
		}
		n.AccessedAt = time.Now().UTC()
		return json.Marshal(n)
	})
	if err != nil {
		v.logger.Debug("access timestamp update failed", "path", path.String(), "error", err)
		return
	}
	v.invalidateNode(workspaceID, path)
}

func isNotFound(err error) bool {
	var nf *tkv.ErrKeyNotFound
	return errors.As(err, &nf) || errors.Is(err, models.ErrNotFound)
}
