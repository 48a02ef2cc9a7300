// Package vfs is the node directory: the single writer-of-record for node
// metadata. It maps (workspace, virtual path) to nodes, orchestrates the
// content store and content cache for file bytes, and enforces the
// uniqueness and reference-count invariants in one place. The
// materialization engine and fork manager never touch node records
// directly; they go through this package.
package vfs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/StrataLabs/strata/cache"
	"github.com/StrataLabs/strata/db/content"
	"github.com/StrataLabs/strata/db/tkv"
	"github.com/StrataLabs/strata/models"
	"github.com/StrataLabs/strata/vpath"
)

const (
	keyPrefixNode      = "node:"
	keyPrefixWorkspace = "ws:"
	keyPrefixWsName    = "wsname:"
	keyPrefixChange    = "change:"
	keyPrefixNodeCache = "nodecache:"
)

type Config struct {
	TKV     tkv.TKV
	Content *content.Store
	Cache   *cache.Cache
	Logger  *slog.Logger

	// NodeCacheTTL bounds how long node metadata may be served from the
	// TTL cache before going back to the store. Zero uses the store's
	// default.
	NodeCacheTTL time.Duration
}

type VFS struct {
	kv           tkv.TKV
	content      *content.Store
	cache        *cache.Cache
	logger       *slog.Logger
	nodeCacheTTL time.Duration
}

func New(cfg Config) (*VFS, error) {
	if cfg.TKV == nil {
		return nil, fmt.Errorf("%w: TKV is required", models.ErrInvalidInput)
	}
	if cfg.Content == nil {
		return nil, fmt.Errorf("%w: content store is required", models.ErrInvalidInput)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := cfg.Cache
	if c == nil {
		c = cache.New(cache.Config{})
	}
	return &VFS{
		kv:           cfg.TKV,
		content:      cfg.Content,
		cache:        c,
		logger:       logger.WithGroup("vfs"),
		nodeCacheTTL: cfg.NodeCacheTTL,
	}, nil
}

// ContentStore exposes the dedup layer for collaborators (fork manager,
// tests) that need digests without bytes.
func (v *VFS) ContentStore() *content.Store {
	return v.content
}

// CacheStats reports content cache behavior.
func (v *VFS) CacheStats() cache.Statistics {
	return v.cache.Stats()
}

// ClearCaches drops the content cache and the node metadata cache.
func (v *VFS) ClearCaches() {
	v.cache.Clear()
	v.kv.GetCache().DeleteAll()
}

// -------------------------- keys

func nodeKey(workspaceID uuid.UUID, path vpath.VirtualPath) string {
	return keyPrefixNode + workspaceID.String() + ":" + path.String()
}

func workspaceKey(id uuid.UUID) string {
	return keyPrefixWorkspace + id.String()
}

func workspaceNameKey(name string) string {
	return keyPrefixWsName + name
}

// changeKey embeds an RFC3339Nano timestamp so a prefix scan over one
// workspace returns records in chronological order.
func changeKey(workspaceID uuid.UUID, ts time.Time, nodeID uuid.UUID) string {
	return keyPrefixChange + workspaceID.String() + ":" +
		ts.UTC().Format(time.RFC3339Nano) + ":" + nodeID.String()
}

// -------------------------- node load/store

// getNode returns the node at (workspaceID, path), tombstones included.
// The TTL cache fronts the store; mutations invalidate it.
func (v *VFS) getNode(workspaceID uuid.UUID, path vpath.VirtualPath) (*models.Node, error) {
	key := nodeKey(workspaceID, path)

	if raw, err := v.kv.CacheGet(keyPrefixNodeCache + key); err == nil {
		var n models.Node
		if err := json.Unmarshal(raw, &n); err == nil {
			return &n, nil
		}
	}

	raw, err := v.kv.Get(key)
	if err != nil {
		return nil, err
	}
	var n models.Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("corrupt node record %s: %w", key, err)
	}

	_ = v.kv.CacheSet(keyPrefixNodeCache+key, raw, v.nodeCacheTTL)
	return &n, nil
}

// getLiveNode is getNode filtered to non-deleted nodes.
func (v *VFS) getLiveNode(workspaceID uuid.UUID, path vpath.VirtualPath) (*models.Node, error) {
	n, err := v.getNode(workspaceID, path)
	if err != nil {
		return nil, err
	}
	if n.IsDeleted() {
		return nil, &tkv.ErrKeyNotFound{Key: nodeKey(workspaceID, path)}
	}
	return n, nil
}

// saveNodeCAS persists n, failing with a VersionMismatchError when the
// stored version differs from expectedVersion. expectedVersion 0 means
// "the path must be absent or tombstoned" and is used for creation. The
// read-check-write runs inside one store transaction.
func (v *VFS) saveNodeCAS(n *models.Node, expectedVersion uint64) error {
	key := nodeKey(n.WorkspaceID, vpath.MustNew(n.Path))

	err := v.kv.Swap(key, func(old []byte, found bool) ([]byte, error) {
		var storedVersion uint64
		if found {
			var stored models.Node
			if err := json.Unmarshal(old, &stored); err != nil {
				return nil, fmt.Errorf("corrupt node record %s: %w", key, err)
			}
			if !stored.IsDeleted() {
				storedVersion = stored.Version
			}
		}
		if storedVersion != expectedVersion {
			return nil, &models.VersionMismatchError{
				Path:     n.Path,
				Expected: expectedVersion,
				Actual:   storedVersion,
			}
		}
		return json.Marshal(n)
	})
	if err != nil {
		return err
	}

	v.invalidateNode(n.WorkspaceID, vpath.MustNew(n.Path))
	return nil
}

// saveNode persists n unconditionally. Used on paths that already hold the
// node's latest version (tombstoning, status transitions).
func (v *VFS) saveNode(n *models.Node) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := v.kv.Set(nodeKey(n.WorkspaceID, vpath.MustNew(n.Path)), raw); err != nil {
		return err
	}
	v.invalidateNode(n.WorkspaceID, vpath.MustNew(n.Path))
	return nil
}

func (v *VFS) invalidateNode(workspaceID uuid.UUID, path vpath.VirtualPath) {
	_ = v.kv.CacheDelete(keyPrefixNodeCache + nodeKey(workspaceID, path))
}

func decodeNode(raw []byte) (*models.Node, error) {
	var n models.Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("corrupt node record: %w", err)
	}
	return &n, nil
}
