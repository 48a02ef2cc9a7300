package vfs

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/StrataLabs/strata/models"
)

// appendChange records one node mutation in the workspace's change
// journal. The journal is advisory (merge base diffing, incremental
// tooling); a failed append is logged, never surfaced, so it can't fail a
// write that already committed.
func (v *VFS) appendChange(n *models.Node, kind models.ChangeKind, oldPath string) {
	rec := models.ChangeRecord{
		NodeID:      n.ID,
		WorkspaceID: n.WorkspaceID,
		Path:        n.Path,
		OldPath:     oldPath,
		Kind:        kind,
		Digest:      n.Digest,
		Timestamp:   time.Now().UTC(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		v.logger.Error("failed to encode change record", "path", n.Path, "error", err)
		return
	}
	if err := v.kv.Set(changeKey(rec.WorkspaceID, rec.Timestamp, rec.NodeID), raw); err != nil {
		v.logger.Error("failed to append change record", "path", n.Path, "error", err)
	}
}

// ChangesSince returns the workspace's change records with a timestamp at
// or after since, in chronological order. The key layout makes the prefix
// scan come back already ordered.
func (v *VFS) ChangesSince(ctx context.Context, workspaceID uuid.UUID, since time.Time) ([]models.ChangeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	kvs, err := v.kv.IteratePrefix(keyPrefixChange+workspaceID.String()+":", 0, 0)
	if err != nil {
		return nil, err
	}

	var out []models.ChangeRecord
	for _, kv := range kvs {
		var rec models.ChangeRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			v.logger.Warn("skipping corrupt change record", "key", kv.Key, "error", err)
			continue
		}
		if rec.Timestamp.Before(since) {
			continue
		}
		out = append(out, rec)
	}

	// Key order is nearly chronological, but RFC3339Nano drops trailing
	// zeros, which breaks lexicographic ordering across fraction widths.
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
