package watch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrataLabs/strata/cache"
	"github.com/StrataLabs/strata/db/content"
	"github.com/StrataLabs/strata/db/tkv"
	"github.com/StrataLabs/strata/models"
	"github.com/StrataLabs/strata/vfs"
	"github.com/StrataLabs/strata/vpath"
)

func newTestWatcher(t *testing.T, cfg Config) (*Watcher, *vfs.VFS) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	kv, err := tkv.New(tkv.Config{Logger: logger, InMemory: true, AppCtx: context.Background()})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	v, err := vfs.New(vfs.Config{
		TKV:     kv,
		Content: content.NewStore(content.Config{TKV: kv, Logger: logger}),
		Cache:   cache.New(cache.Config{Capacity: 1 << 20}),
		Logger:  logger,
	})
	require.NoError(t, err)

	cfg.VFS = v
	cfg.Logger = logger
	w, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, v
}

func writePhys(t *testing.T, dir, rel, data string) string {
	t.Helper()
	p := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

// drain pulls at most one batch without blocking.
func drain(t *testing.T, w *Watcher) []Event {
	t.Helper()
	select {
	case b := <-w.batches:
		return b
	default:
		return nil
	}
}

func TestCoalesce(t *testing.T) {
	cases := []struct {
		name     string
		queued   models.ChangeKind
		incoming models.ChangeKind
		want     models.ChangeKind
		drop     bool
	}{
		{"create then delete cancels", models.ChangeCreated, models.ChangeDeleted, "", true},
		{"create then modify stays create", models.ChangeCreated, models.ChangeModified, models.ChangeCreated, false},
		{"delete then create is modify", models.ChangeDeleted, models.ChangeCreated, models.ChangeModified, false},
		{"modify then delete is delete", models.ChangeModified, models.ChangeDeleted, models.ChangeDeleted, false},
		{"modify then modify is modify", models.ChangeModified, models.ChangeModified, models.ChangeModified, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, drop := coalesce(tc.queued, tc.incoming)
			assert.Equal(t, tc.drop, drop)
			if !drop {
				assert.Equal(t, tc.want, got)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	kind, ok := kindOf(fsnotify.Create)
	require.True(t, ok)
	assert.Equal(t, models.ChangeCreated, kind)

	kind, ok = kindOf(fsnotify.Write)
	require.True(t, ok)
	assert.Equal(t, models.ChangeModified, kind)

	kind, ok = kindOf(fsnotify.Remove)
	require.True(t, ok)
	assert.Equal(t, models.ChangeDeleted, kind)

	kind, ok = kindOf(fsnotify.Rename)
	require.True(t, ok)
	assert.Equal(t, models.ChangeDeleted, kind)

	_, ok = kindOf(fsnotify.Chmod)
	assert.False(t, ok)
}

func TestIngestCoalescesPerPath(t *testing.T) {
	w, _ := newTestWatcher(t, Config{Debounce: time.Hour})
	root := t.TempDir()
	wsID := uuid.New()
	require.NoError(t, w.Watch(wsID, root))

	phys := writePhys(t, root, "f.txt", "v1")
	w.ingest(fsnotify.Event{Name: phys, Op: fsnotify.Create})
	w.ingest(fsnotify.Event{Name: phys, Op: fsnotify.Write})
	w.ingest(fsnotify.Event{Name: phys, Op: fsnotify.Write})

	// Debounce is an hour, so a normal sweep finds nothing.
	w.sweep(false)
	assert.Nil(t, drain(t, w))

	w.sweep(true)
	batch := drain(t, w)
	require.Len(t, batch, 1)
	assert.Equal(t, wsID, batch[0].WorkspaceID)
	assert.Equal(t, "f.txt", batch[0].Path.String())
	assert.Equal(t, models.ChangeCreated, batch[0].Kind)

	st := w.Stats()
	assert.Equal(t, uint64(3), st.Received)
	assert.Equal(t, uint64(2), st.Coalesced)
	assert.Equal(t, uint64(1), st.Batches)
}

func TestIngestDropsCancelledCreate(t *testing.T) {
	w, _ := newTestWatcher(t, Config{Debounce: time.Hour})
	root := t.TempDir()
	require.NoError(t, w.Watch(uuid.New(), root))

	phys := filepath.Join(root, "ghost.txt")
	w.ingest(fsnotify.Event{Name: phys, Op: fsnotify.Create})
	w.ingest(fsnotify.Event{Name: phys, Op: fsnotify.Remove})

	w.sweep(true)
	assert.Nil(t, drain(t, w))
	assert.Equal(t, uint64(1), w.Stats().Dropped)
}

func TestIngestIgnoresUnmappedPaths(t *testing.T) {
	w, _ := newTestWatcher(t, Config{})
	require.NoError(t, w.Watch(uuid.New(), t.TempDir()))

	w.ingest(fsnotify.Event{Name: filepath.Join(t.TempDir(), "elsewhere.txt"), Op: fsnotify.Create})

	w.sweep(true)
	assert.Nil(t, drain(t, w))
}

func TestMaxBatchSizeForcesSweep(t *testing.T) {
	w, _ := newTestWatcher(t, Config{Debounce: time.Hour, MaxBatchSize: 2})
	root := t.TempDir()
	require.NoError(t, w.Watch(uuid.New(), root))

	w.ingest(fsnotify.Event{Name: writePhys(t, root, "a.txt", "a"), Op: fsnotify.Create})
	assert.Nil(t, drain(t, w))

	w.ingest(fsnotify.Event{Name: writePhys(t, root, "b.txt", "b"), Op: fsnotify.Create})
	batch := drain(t, w)
	assert.Len(t, batch, 2)
}

func TestSyncToVFS(t *testing.T) {
	ctx := context.Background()
	w, v := newTestWatcher(t, Config{})
	root := t.TempDir()

	ws, err := v.CreateWorkspace(ctx, "synced", models.WorkspaceCode)
	require.NoError(t, err)
	require.NoError(t, w.Watch(ws.ID, root))

	phys := writePhys(t, root, "src/main.go", "package main\n")
	now := time.Now()

	err = w.SyncToVFS(ctx, []Event{
		{WorkspaceID: ws.ID, Path: vpath.MustNew("src"), PhysicalPath: filepath.Join(root, "src"), Kind: models.ChangeCreated, IsDir: true, Timestamp: now},
		{WorkspaceID: ws.ID, Path: vpath.MustNew("src/main.go"), PhysicalPath: phys, Kind: models.ChangeCreated, Timestamp: now},
	})
	require.NoError(t, err)

	data, err := v.ReadFile(ctx, ws.ID, vpath.MustNew("src/main.go"))
	require.NoError(t, err)
	assert.Equal(t, []byte("package main\n"), data)

	// A synced file carries its on-disk digest, so a flush will skip it.
	n, err := v.Metadata(ctx, ws.ID, vpath.MustNew("src/main.go"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynchronized, n.Status)
	md, ok := n.MetadataValue(vfs.MetadataMaterializedDigest)
	require.True(t, ok)
	assert.Equal(t, content.Digest(data), md)
}

func TestSyncToVFSDelete(t *testing.T) {
	ctx := context.Background()
	w, v := newTestWatcher(t, Config{})
	root := t.TempDir()

	ws, err := v.CreateWorkspace(ctx, "synced", models.WorkspaceCode)
	require.NoError(t, err)
	require.NoError(t, w.Watch(ws.ID, root))
	require.NoError(t, v.WriteFile(ctx, ws.ID, vpath.MustNew("gone.txt"), []byte("x")))

	err = w.SyncToVFS(ctx, []Event{
		{WorkspaceID: ws.ID, Path: vpath.MustNew("gone.txt"), PhysicalPath: filepath.Join(root, "gone.txt"), Kind: models.ChangeDeleted},
	})
	require.NoError(t, err)

	exists, err := v.Exists(ctx, ws.ID, vpath.MustNew("gone.txt"))
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting something already absent is not an error.
	err = w.SyncToVFS(ctx, []Event{
		{WorkspaceID: ws.ID, Path: vpath.MustNew("never-was.txt"), Kind: models.ChangeDeleted},
	})
	assert.NoError(t, err)
}

func TestSyncToVFSRacedFileRemoval(t *testing.T) {
	ctx := context.Background()
	w, v := newTestWatcher(t, Config{})
	root := t.TempDir()

	ws, err := v.CreateWorkspace(ctx, "synced", models.WorkspaceCode)
	require.NoError(t, err)
	require.NoError(t, w.Watch(ws.ID, root))

	// The file vanished between the notification and the read.
	err = w.SyncToVFS(ctx, []Event{
		{WorkspaceID: ws.ID, Path: vpath.MustNew("raced.txt"), PhysicalPath: filepath.Join(root, "raced.txt"), Kind: models.ChangeModified},
	})
	assert.NoError(t, err)

	exists, err := v.Exists(ctx, ws.ID, vpath.MustNew("raced.txt"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSyncToVFSCollectsPartialFailures(t *testing.T) {
	ctx := context.Background()
	w, v := newTestWatcher(t, Config{})
	root := t.TempDir()

	ws, err := v.CreateWorkspace(ctx, "synced", models.WorkspaceCode)
	require.NoError(t, err)
	require.NoError(t, w.Watch(ws.ID, root))

	good := writePhys(t, root, "good.txt", "fine")
	err = w.SyncToVFS(ctx, []Event{
		// An event for a workspace that does not exist fails; the rest of
		// the batch still applies.
		{WorkspaceID: uuid.New(), Path: vpath.MustNew("bad.txt"), PhysicalPath: writePhys(t, root, "bad.txt", "x"), Kind: models.ChangeCreated},
		{WorkspaceID: ws.ID, Path: vpath.MustNew("good.txt"), PhysicalPath: good, Kind: models.ChangeCreated},
	})

	var partial *models.PartialError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, 1, partial.Succeeded)
	require.Len(t, partial.Items, 1)
	assert.Equal(t, "bad.txt", partial.Items[0].Path)

	data, err := v.ReadFile(ctx, ws.ID, vpath.MustNew("good.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("fine"), data)
}
