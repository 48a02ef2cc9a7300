package vfs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/StrataLabs/strata/db/tkv"
	"github.com/StrataLabs/strata/models"
	"github.com/StrataLabs/strata/vpath"
)

// CreateWorkspace registers a new local workspace. Names are unique; a
// second registration under the same name fails with ErrAlreadyExists.
func (v *VFS) CreateWorkspace(ctx context.Context, name string, kind models.WorkspaceKind) (*models.Workspace, error) {
	now := time.Now().UTC()
	ws := &models.Workspace{
		ID:        uuid.New(),
		Name:      name,
		Kind:      kind,
		Source:    models.SourceLocal,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := v.RegisterWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	return ws, nil
}

// RegisterWorkspace claims ws.Name and persists the record. Collaborators
// that build richer workspaces (external imports, forks) come through here
// so the name uniqueness check lives in one place.
func (v *VFS) RegisterWorkspace(ctx context.Context, ws *models.Workspace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(ws.Name) == "" {
		return fmt.Errorf("%w: workspace name is required", models.ErrInvalidInput)
	}
	if ws.ID == uuid.Nil {
		ws.ID = uuid.New()
	}

	if err := v.kv.SetNX(workspaceNameKey(ws.Name), []byte(ws.ID.String())); err != nil {
		return fmt.Errorf("workspace %q: %w", ws.Name, err)
	}

	raw, err := json.Marshal(ws)
	if err != nil {
		return err
	}
	if err := v.kv.Set(workspaceKey(ws.ID), raw); err != nil {
		// Release the name claim so a retry can succeed.
		_ = v.kv.Delete(workspaceNameKey(ws.Name))
		return err
	}

	v.logger.Info("workspace registered", "id", ws.ID, "name", ws.Name, "kind", ws.Kind, "source", ws.Source)
	return nil
}

func (v *VFS) GetWorkspace(ctx context.Context, id uuid.UUID) (*models.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := v.kv.Get(workspaceKey(id))
	if err != nil {
		return nil, err
	}
	var ws models.Workspace
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("corrupt workspace record %s: %w", id, err)
	}
	return &ws, nil
}

func (v *VFS) GetWorkspaceByName(ctx context.Context, name string) (*models.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := v.kv.Get(workspaceNameKey(name))
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(string(raw))
	if err != nil {
		return nil, fmt.Errorf("corrupt workspace name index %q: %w", name, err)
	}
	return v.GetWorkspace(ctx, id)
}

func (v *VFS) ListWorkspaces(ctx context.Context) ([]*models.Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kvs, err := v.kv.IteratePrefix(keyPrefixWorkspace, 0, 0)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Workspace, 0, len(kvs))
	for _, kv := range kvs {
		var ws models.Workspace
		if err := json.Unmarshal(kv.Value, &ws); err != nil {
			v.logger.Warn("skipping corrupt workspace record", "key", kv.Key, "error", err)
			continue
		}
		out = append(out, &ws)
	}
	return out, nil
}

// UpdateWorkspace persists a modified workspace record. The name is
// immutable; renames are not supported.
func (v *VFS) UpdateWorkspace(ctx context.Context, ws *models.Workspace) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := v.GetWorkspace(ctx, ws.ID); err != nil {
		return err
	}
	ws.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(ws)
	if err != nil {
		return err
	}
	return v.kv.Set(workspaceKey(ws.ID), raw)
}

// markDiverging flips a freshly created fork to diverging on its first
// edit. Best-effort: the fork state machine only needs to converge, so a
// lost race here is repaired by the next edit.
func (v *VFS) markDiverging(ctx context.Context, ws *models.Workspace) {
	if !ws.IsFork() || ws.ForkState != models.ForkCreated {
		return
	}
	ws.ForkState = models.ForkDiverging
	if err := v.UpdateWorkspace(ctx, ws); err != nil {
		v.logger.Warn("failed to mark fork diverging", "workspace", ws.Name, "error", err)
	}
}

// CloneNodes copies every live node record from one workspace into
// another, taking one content reference per file. Content bytes are never
// copied; both workspaces share payloads until one diverges. Returns the
// number of nodes cloned.
func (v *VFS) CloneNodes(ctx context.Context, sourceID, destID uuid.UUID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	kvs, err := v.kv.IteratePrefix(keyPrefixNode+sourceID.String()+":", 0, 0)
	if err != nil {
		return 0, err
	}

	var entries []tkv.BatchEntry
	var reffed []string
	undo := func() {
		for _, d := range reffed {
			if _, err := v.content.RemoveRef(d); err != nil {
				v.logger.Error("failed to roll back clone reference", "digest", d, "error", err)
			}
		}
	}

	for _, kv := range kvs {
		n, err := decodeNode(kv.Value)
		if err != nil {
			v.logger.Warn("skipping corrupt node record", "key", kv.Key, "error", err)
			continue
		}
		if n.IsDeleted() {
			continue
		}

		clone := *n
		clone.ID = uuid.New()
		clone.WorkspaceID = destID
		// Clones are always editable: forking a read-only import is how a
		// sealed tree becomes workable.
		clone.ReadOnly = false
		if clone.Metadata != nil {
			clone.Metadata = make(map[string]string, len(n.Metadata))
			for k, val := range n.Metadata {
				clone.Metadata[k] = val
			}
		}

		if clone.IsFile() && clone.Digest != "" {
			if err := v.content.AddRef(clone.Digest); err != nil {
				undo()
				return 0, fmt.Errorf("%w: reference bookkeeping failed for %s: %v", models.ErrIO, clone.Digest, err)
			}
			reffed = append(reffed, clone.Digest)
		}

		raw, err := json.Marshal(&clone)
		if err != nil {
			undo()
			return 0, err
		}
		entries = append(entries, tkv.BatchEntry{
			Key:   nodeKey(destID, vpath.MustNew(clone.Path)),
			Value: raw,
		})
	}

	if err := v.kv.BatchSet(entries); err != nil {
		undo()
		return 0, err
	}
	return len(entries), nil
}

// DeleteWorkspace removes a workspace and everything under it: node
// records (dropping one content reference per live file), the change
// journal, the name index entry, and the workspace record itself.
// Payload bytes stay in the content store until garbage collection.
func (v *VFS) DeleteWorkspace(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ws, err := v.GetWorkspace(ctx, id)
	if err != nil {
		return err
	}

	nodePrefix := keyPrefixNode + id.String() + ":"
	kvs, err := v.kv.IteratePrefix(nodePrefix, 0, 0)
	if err != nil {
		return err
	}

	var keys []string
	for _, kv := range kvs {
		n, err := decodeNode(kv.Value)
		if err == nil && !n.IsDeleted() && n.IsFile() && n.Digest != "" {
			if _, err := v.content.RemoveRef(n.Digest); err != nil {
				return fmt.Errorf("%w: reference bookkeeping failed for %s: %v", models.ErrIO, n.Digest, err)
			}
		}
		keys = append(keys, kv.Key)
		_ = v.kv.CacheDelete(keyPrefixNodeCache + kv.Key)
	}

	changeKeys, err := v.kv.IterateKeys(keyPrefixChange+id.String()+":", 0, 0)
	if err != nil {
		return err
	}
	keys = append(keys, changeKeys...)
	keys = append(keys, workspaceNameKey(ws.Name), workspaceKey(id))

	if err := v.kv.BatchDelete(keys); err != nil {
		return err
	}

	v.logger.Info("workspace deleted", "id", id, "name", ws.Name, "records", len(keys))
	return nil
}
