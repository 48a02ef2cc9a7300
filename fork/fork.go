// Package fork gives a workspace cheap branches. A fork copies node
// records, not content: both sides share payloads through the content
// store's reference counts until a write makes them diverge. Merging back
// reconciles the two change journals against the fork point.
package fork

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/StrataLabs/strata/models"
	"github.com/StrataLabs/strata/vfs"
)

type Config struct {
	VFS    *vfs.VFS
	Logger *slog.Logger
}

// Manager creates, merges, and abandons forks.
type Manager struct {
	vfs    *vfs.VFS
	logger *slog.Logger
}

func New(cfg Config) (*Manager, error) {
	if cfg.VFS == nil {
		return nil, fmt.Errorf("%w: VFS is required", models.ErrInvalidInput)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{vfs: cfg.VFS, logger: logger.WithGroup("fork")}, nil
}

// CreateFork branches sourceID into a new workspace named forkName. The
// fork point is recorded in the lineage; changes on either side after
// this instant are what a later merge reconciles.
func (m *Manager) CreateFork(ctx context.Context, sourceID uuid.UUID, forkName string) (*models.Workspace, error) {
	source, err := m.vfs.GetWorkspace(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	fork := &models.Workspace{
		ID:       uuid.New(),
		Name:     forkName,
		Kind:     source.Kind,
		Source:   models.SourceFork,
		ParentID: &source.ID,
		Lineage: &models.ForkLineage{
			SourceID:   source.ID,
			SourceName: source.Name,
			ForkedAt:   now,
		},
		ForkState: models.ForkCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.vfs.RegisterWorkspace(ctx, fork); err != nil {
		return nil, err
	}

	cloned, err := m.vfs.CloneNodes(ctx, sourceID, fork.ID)
	if err != nil {
		// The empty fork shell is useless without its nodes.
		if delErr := m.vfs.DeleteWorkspace(ctx, fork.ID); delErr != nil {
			m.logger.Error("failed to clean up aborted fork", "fork", fork.ID, "error", delErr)
		}
		return nil, err
	}

	m.logger.Info("fork created", "source", source.Name, "fork", forkName, "nodes", cloned)
	return fork, nil
}

// Abandon marks a fork dead. Its nodes stay readable until the workspace
// is deleted, but it can never be merged.
func (m *Manager) Abandon(ctx context.Context, forkID uuid.UUID) error {
	ws, err := m.vfs.GetWorkspace(ctx, forkID)
	if err != nil {
		return err
	}
	if !ws.IsFork() {
		return fmt.Errorf("%w: workspace %s is not a fork", models.ErrInvalidInput, ws.Name)
	}
	if ws.ForkState == models.ForkMergedClean || ws.ForkState == models.ForkMergedWithConflicts {
		return fmt.Errorf("%w: fork %s is already merged", models.ErrConflict, ws.Name)
	}
	ws.ForkState = models.ForkAbandoned
	return m.vfs.UpdateWorkspace(ctx, ws)
}
