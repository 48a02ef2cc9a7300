package vfs

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/StrataLabs/strata/models"
	"github.com/StrataLabs/strata/vpath"
)

// MetadataMaterializedDigest is the node metadata key holding the digest
// last written to disk for the node. The materialization engine compares
// it against the physical file to detect out-of-band edits.
const MetadataMaterializedDigest = "materialized_digest"

// Snapshot returns every node record under path, tombstones included,
// ordered by path. The materialization engine works from this view: live
// nodes are written, tombstones are deletions still owed to disk.
func (v *VFS) Snapshot(ctx context.Context, workspaceID uuid.UUID, path vpath.VirtualPath) ([]*models.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	prefix := keyPrefixNode + workspaceID.String() + ":"
	if !path.IsRoot() {
		prefix += path.String() + "/"
	}
	kvs, err := v.kv.IteratePrefix(prefix, 0, 0)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Node, 0, len(kvs))
	for _, kv := range kvs {
		n, err := decodeNode(kv.Value)
		if err != nil {
			v.logger.Warn("skipping corrupt node record", "key", kv.Key, "error", err)
			continue
		}
		out = append(out, n)
	}

	if !path.IsRoot() {
		if n, err := v.getNode(workspaceID, path); err == nil {
			out = append(out, n)
		}
	}
	return out, nil
}

// MarkNodeSynchronized records that the node's current content is on disk:
// status becomes synchronized and the materialized digest is remembered
// for later conflict detection. The version counter is left alone so a
// flush never invalidates a writer's optimistic check.
func (v *VFS) MarkNodeSynchronized(ctx context.Context, workspaceID uuid.UUID, path vpath.VirtualPath, materializedDigest string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := v.getLiveNode(workspaceID, path)
	if err != nil {
		return err
	}
	updated := *n
	if materializedDigest != "" {
		updated.SetMetadataValue(MetadataMaterializedDigest, materializedDigest)
	}
	updated.MarkSynchronized()
	return v.saveNode(&updated)
}

// ImportAttrs carries provenance captured when a file enters from an
// external tree.
type ImportAttrs struct {
	SourcePath  string
	Permissions uint32
	ReadOnly    bool
}

// ImportFile is WriteFile plus import provenance, used by the external
// loader. It runs before a workspace is sealed read-only, so the usual
// workspace check applies; the node-level ReadOnly flag is what outlives
// the import.
func (v *VFS) ImportFile(ctx context.Context, workspaceID uuid.UUID, path vpath.VirtualPath, data []byte, attrs ImportAttrs) error {
	if err := v.WriteFile(ctx, workspaceID, path, data); err != nil {
		return err
	}
	n, err := v.getLiveNode(workspaceID, path)
	if err != nil {
		return err
	}
	updated := *n
	updated.SourcePath = attrs.SourcePath
	updated.Permissions = attrs.Permissions
	updated.ReadOnly = attrs.ReadOnly
	// External content already lives on disk; it enters synchronized and
	// only becomes flushable once something edits it.
	updated.MarkSynchronized()
	return v.saveNode(&updated)
}

// ForgetNode removes a tombstoned node record outright. Called after the
// matching physical deletion lands so the tombstone is not re-flushed; it
// refuses live nodes.
func (v *VFS) ForgetNode(ctx context.Context, workspaceID uuid.UUID, path vpath.VirtualPath) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := v.getNode(workspaceID, path)
	if err != nil {
		return err
	}
	if !n.IsDeleted() {
		return fmt.Errorf("%w: node is live: %s", models.ErrConflict, path)
	}
	if err := v.kv.Delete(nodeKey(workspaceID, path)); err != nil {
		return err
	}
	v.invalidateNode(workspaceID, path)
	return nil
}
