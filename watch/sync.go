package watch

import (
	"context"
	"errors"
	"os"

	"github.com/StrataLabs/strata/db/content"
	"github.com/StrataLabs/strata/models"
)

// SyncToVFS applies one batch of physical changes back into the owning
// workspaces, so out-of-band edits to a materialized tree show up as
// virtual state. Per-event failures are collected; the batch always runs
// to the end.
func (w *Watcher) SyncToVFS(ctx context.Context, events []Event) error {
	var items []models.ItemError
	applied := 0

	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.applyEvent(ctx, ev); err != nil {
			items = append(items, models.ItemError{Path: ev.Path.String(), Err: err.Error()})
			continue
		}
		applied++
	}

	if len(items) > 0 {
		return &models.PartialError{Succeeded: applied, Items: items}
	}
	return nil
}

func (w *Watcher) applyEvent(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case models.ChangeDeleted:
		err := w.vfs.Delete(ctx, ev.WorkspaceID, ev.Path, true)
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err

	case models.ChangeCreated, models.ChangeModified:
		if ev.IsDir {
			return w.vfs.CreateDirectory(ctx, ev.WorkspaceID, ev.Path, true)
		}
		data, err := os.ReadFile(ev.PhysicalPath)
		if err != nil {
			if os.IsNotExist(err) {
				// Raced with a deletion the watcher has not seen yet.
				return nil
			}
			return err
		}
		if err := w.vfs.WriteFile(ctx, ev.WorkspaceID, ev.Path, data); err != nil {
			return err
		}
		// The bytes on disk are the bytes just recorded; mark them in
		// sync so the next flush does not rewrite the file.
		return w.vfs.MarkNodeSynchronized(ctx, ev.WorkspaceID, ev.Path, content.Digest(data))

	default:
		return nil
	}
}
