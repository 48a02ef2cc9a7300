package vfs

import (
	"context"
	"time"

	"github.com/StrataLabs/strata/models"
)

// GarbageCollect removes tombstoned node records from every workspace and
// purges content payloads whose reference count has dropped to zero.
// Deletion elsewhere only tombstones and decrements; this explicit pass is
// the only place payload bytes are reclaimed, so an operator (or the CLI)
// chooses when the work happens.
func (v *VFS) GarbageCollect(ctx context.Context) (*models.GCReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	report := &models.GCReport{}

	kvs, err := v.kv.IteratePrefix(keyPrefixNode, 0, 0)
	if err != nil {
		return nil, err
	}
	var dead []string
	for _, kv := range kvs {
		n, err := decodeNode(kv.Value)
		if err != nil {
			v.logger.Warn("skipping corrupt node record", "key", kv.Key, "error", err)
			continue
		}
		if n.IsDeleted() {
			dead = append(dead, kv.Key)
			_ = v.kv.CacheDelete(keyPrefixNodeCache + kv.Key)
		}
	}
	if len(dead) > 0 {
		if err := v.kv.BatchDelete(dead); err != nil {
			return nil, err
		}
		report.TombstonesRemoved = len(dead)
	}

	digests, err := v.content.ZeroRefDigests()
	if err != nil {
		return nil, err
	}
	for _, digest := range digests {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		p, err := v.content.Stat(digest)
		if err == nil {
			report.BytesReclaimed += p.Size
		}
		if err := v.content.Purge(digest); err != nil {
			v.logger.Error("failed to purge payload", "digest", digest, "error", err)
			continue
		}
		v.cache.Remove(digest)
		report.PayloadsPurged++
	}

	report.Duration = time.Since(start)
	v.logger.Info("garbage collection finished",
		"tombstones_removed", report.TombstonesRemoved,
		"payloads_purged", report.PayloadsPurged,
		"bytes_reclaimed", report.BytesReclaimed,
		"duration", report.Duration)
	return report, nil
}
