package models

import (
	"time"

	"github.com/google/uuid"
)

type NodeKind string

const (
	NodeFile      NodeKind = "file"
	NodeDirectory NodeKind = "directory"
	NodeSymLink   NodeKind = "symlink"
)

type NodeStatus string

const (
	StatusSynchronized NodeStatus = "synchronized"
	StatusCreated      NodeStatus = "created"
	StatusModified     NodeStatus = "modified"
	StatusDeleted      NodeStatus = "deleted"
)

// Node is the metadata record for one file, directory, or symlink in one
// workspace. Content lives in the content store, keyed by Digest; the node
// only references it.
type Node struct {
	ID          uuid.UUID         `json:"id"`
	WorkspaceID uuid.UUID         `json:"workspace_id"`
	Path        string            `json:"path"`
	Kind        NodeKind          `json:"kind"`
	Digest      string            `json:"digest,omitempty"`
	Size        int64             `json:"size"`
	ReadOnly    bool              `json:"read_only"`
	SourcePath  string            `json:"source_path,omitempty"`
	Language    Language          `json:"language,omitempty"`
	Permissions uint32            `json:"permissions,omitempty"`
	Status      NodeStatus        `json:"status"`
	Version     uint64            `json:"version"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	AccessedAt  time.Time         `json:"accessed_at"`
}

func (n *Node) IsFile() bool { return n.Kind == NodeFile }

func (n *Node) IsDirectory() bool { return n.Kind == NodeDirectory }

func (n *Node) IsDeleted() bool { return n.Status == StatusDeleted }

// MarkModified bumps the version counter; every content or metadata mutation
// goes through here so concurrent writers can use Version as an optimistic
// concurrency token.
func (n *Node) MarkModified() {
	if n.Status != StatusCreated {
		n.Status = StatusModified
	}
	n.Version++
	n.UpdatedAt = time.Now().UTC()
}

func (n *Node) MarkSynchronized() {
	n.Status = StatusSynchronized
	n.UpdatedAt = time.Now().UTC()
}

func (n *Node) MetadataValue(key string) (string, bool) {
	if n.Metadata == nil {
		return "", false
	}
	v, ok := n.Metadata[key]
	return v, ok
}

func (n *Node) SetMetadataValue(key, value string) {
	if n.Metadata == nil {
		n.Metadata = make(map[string]string)
	}
	n.Metadata[key] = value
}

func NewFileNode(workspaceID uuid.UUID, path string, digest string, size int64) *Node {
	now := time.Now().UTC()
	return &Node{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Path:        path,
		Kind:        NodeFile,
		Digest:      digest,
		Size:        size,
		Status:      StatusCreated,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		AccessedAt:  now,
	}
}

func NewDirectoryNode(workspaceID uuid.UUID, path string) *Node {
	now := time.Now().UTC()
	return &Node{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Path:        path,
		Kind:        NodeDirectory,
		Status:      StatusCreated,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		AccessedAt:  now,
	}
}

type WorkspaceKind string

const (
	WorkspaceCode          WorkspaceKind = "code"
	WorkspaceDocumentation WorkspaceKind = "documentation"
	WorkspaceMixed         WorkspaceKind = "mixed"
	WorkspaceExternal      WorkspaceKind = "external"
)

type SourceKind string

const (
	SourceLocal            SourceKind = "local"
	SourceExternalReadOnly SourceKind = "external_read_only"
	SourceFork             SourceKind = "fork"
)

type ForkState string

const (
	ForkCreated             ForkState = "created"
	ForkDiverging           ForkState = "diverging"
	ForkMergedClean         ForkState = "merged_clean"
	ForkMergedWithConflicts ForkState = "merged_with_conflicts"
	ForkAbandoned           ForkState = "abandoned"
)

// ForkLineage records where a forked workspace came from. ForkedAt is the
// merge base: changes on either side after this instant are what a merge
// reconciles.
type ForkLineage struct {
	SourceID   uuid.UUID `json:"source_id"`
	SourceName string    `json:"source_name"`
	ForkedAt   time.Time `json:"forked_at"`
}

// Workspace is a named isolation boundary for nodes.
type Workspace struct {
	ID        uuid.UUID         `json:"id"`
	Name      string            `json:"name"`
	Kind      WorkspaceKind     `json:"kind"`
	Source    SourceKind        `json:"source"`
	ReadOnly  bool              `json:"read_only"`
	ParentID  *uuid.UUID        `json:"parent_id,omitempty"`
	Lineage   *ForkLineage      `json:"lineage,omitempty"`
	ForkState ForkState         `json:"fork_state,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func (w *Workspace) IsFork() bool { return w.Source == SourceFork && w.Lineage != nil }

type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRenamed  ChangeKind = "renamed"
)

// ChangeRecord is an append-only record of one node mutation. Never mutated
// after creation; used for incremental materialization and merge base
// diffing.
type ChangeRecord struct {
	NodeID      uuid.UUID  `json:"node_id"`
	WorkspaceID uuid.UUID  `json:"workspace_id"`
	Path        string     `json:"path"`
	OldPath     string     `json:"old_path,omitempty"`
	Kind        ChangeKind `json:"kind"`
	Digest      string     `json:"digest,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}
