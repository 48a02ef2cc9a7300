package models

import (
	"time"

	"github.com/google/uuid"
)

// FlushReport summarizes one materialization pass.
type FlushReport struct {
	FilesWritten int64         `json:"files_written"`
	FilesDeleted int64         `json:"files_deleted"`
	BytesWritten int64         `json:"bytes_written"`
	Duration     time.Duration `json:"duration"`
	Conflicts    []string      `json:"conflicts,omitempty"`
	Errors       []ItemError   `json:"errors,omitempty"`
}

// ImportReport summarizes one external import.
type ImportReport struct {
	WorkspaceID         uuid.UUID     `json:"workspace_id"`
	FilesImported       int64         `json:"files_imported"`
	DirectoriesImported int64         `json:"directories_imported"`
	BytesImported       int64         `json:"bytes_imported"`
	Duration            time.Duration `json:"duration"`
	Errors              []ItemError   `json:"errors,omitempty"`
}

// Conflict is one path both sides of a merge changed to different content.
type Conflict struct {
	Path          string `json:"path"`
	ForkDigest    string `json:"fork_digest"`
	TargetDigest  string `json:"target_digest"`
	ForkContent   []byte `json:"fork_content,omitempty"`
	TargetContent []byte `json:"target_content,omitempty"`
	Resolution    []byte `json:"resolution,omitempty"`
}

// GCReport summarizes one garbage-collection pass.
type GCReport struct {
	TombstonesRemoved int           `json:"tombstones_removed"`
	PayloadsPurged    int           `json:"payloads_purged"`
	BytesReclaimed    int64         `json:"bytes_reclaimed"`
	Duration          time.Duration `json:"duration"`
}

// MergeReport summarizes one fork merge.
type MergeReport struct {
	ChangesApplied int           `json:"changes_applied"`
	ConflictCount  int           `json:"conflict_count"`
	AutoResolved   int           `json:"auto_resolved"`
	Conflicts      []Conflict    `json:"conflicts,omitempty"`
	Duration       time.Duration `json:"duration"`
	Errors         []ItemError   `json:"errors,omitempty"`
}
