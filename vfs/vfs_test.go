package vfs

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrataLabs/strata/cache"
	"github.com/StrataLabs/strata/db/content"
	"github.com/StrataLabs/strata/db/tkv"
	"github.com/StrataLabs/strata/models"
	"github.com/StrataLabs/strata/vpath"
)

func newTestVFS(t *testing.T) *VFS {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	kv, err := tkv.New(tkv.Config{
		Logger:   logger,
		InMemory: true,
		AppCtx:   context.Background(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	v, err := New(Config{
		TKV:     kv,
		Content: content.NewStore(content.Config{TKV: kv, Logger: logger}),
		Cache:   cache.New(cache.Config{Capacity: 1 << 20}),
		Logger:  logger,
	})
	require.NoError(t, err)
	return v
}

func newTestWorkspace(t *testing.T, v *VFS, name string) *models.Workspace {
	t.Helper()
	ws, err := v.CreateWorkspace(context.Background(), name, models.WorkspaceCode)
	require.NoError(t, err)
	return ws
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws := newTestWorkspace(t, v, "main")

	cases := map[string][]byte{
		"hello.txt":     []byte("hello world\n"),
		"empty.txt":     {},
		"bin/blob.dat":  {0x00, 0xff, 0x80, 0x01, 0x02},
		"src/main.go":   []byte("package main\n\nfunc main() {}\n"),
	}
	for path, data := range cases {
		p := vpath.MustNew(path)
		require.NoError(t, v.WriteFile(ctx, ws.ID, p, data), path)

		got, err := v.ReadFile(ctx, ws.ID, p)
		require.NoError(t, err, path)
		assert.Equal(t, data, got, path)
	}
}

func TestReadMissesAreNotFound(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws := newTestWorkspace(t, v, "main")

	_, err := v.ReadFile(ctx, ws.ID, vpath.MustNew("nope.txt"))
	assert.ErrorIs(t, err, models.ErrNotFound)

	// Reading a directory path is also NotFound, not a content error.
	require.NoError(t, v.CreateDirectory(ctx, ws.ID, vpath.MustNew("dir"), false))
	_, err = v.ReadFile(ctx, ws.ID, vpath.MustNew("dir"))
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestWriteCreatesParentDirectories(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws := newTestWorkspace(t, v, "main")

	require.NoError(t, v.WriteFile(ctx, ws.ID, vpath.MustNew("a/b/c/deep.txt"), []byte("x")))

	for _, dir := range []string{"a", "a/b", "a/b/c"} {
		n, err := v.Metadata(ctx, ws.ID, vpath.MustNew(dir))
		require.NoError(t, err, dir)
		assert.True(t, n.IsDirectory(), dir)
	}
}

func TestDeduplication(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws := newTestWorkspace(t, v, "main")

	data := []byte("shared bytes")
	require.NoError(t, v.WriteFile(ctx, ws.ID, vpath.MustNew("one.txt"), data))
	require.NoError(t, v.WriteFile(ctx, ws.ID, vpath.MustNew("two.txt"), data))

	n1, err := v.Metadata(ctx, ws.ID, vpath.MustNew("one.txt"))
	require.NoError(t, err)
	n2, err := v.Metadata(ctx, ws.ID, vpath.MustNew("two.txt"))
	require.NoError(t, err)
	assert.Equal(t, n1.Digest, n2.Digest)

	p, err := v.content.Stat(n1.Digest)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.RefCount)
}

func TestOverwriteReleasesOldContent(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws := newTestWorkspace(t, v, "main")

	p := vpath.MustNew("file.txt")
	require.NoError(t, v.WriteFile(ctx, ws.ID, p, []byte("version one")))
	n, err := v.Metadata(ctx, ws.ID, p)
	require.NoError(t, err)
	oldDigest := n.Digest

	require.NoError(t, v.WriteFile(ctx, ws.ID, p, []byte("version two")))

	zeroRef, err := v.content.ZeroRefDigests()
	require.NoError(t, err)
	assert.Contains(t, zeroRef, oldDigest)

	updated, err := v.Metadata(ctx, ws.ID, p)
	require.NoError(t, err)
	assert.NotEqual(t, oldDigest, updated.Digest)
	assert.Greater(t, updated.Version, n.Version)
}

func TestCreateAndUpdateSemantics(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws := newTestWorkspace(t, v, "main")

	p := vpath.MustNew("strict.txt")

	_, err := v.UpdateFile(ctx, ws.ID, p, []byte("x"))
	assert.ErrorIs(t, err, models.ErrNotFound)

	n, err := v.CreateFile(ctx, ws.ID, p, []byte("created"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, n.Status)

	_, err = v.CreateFile(ctx, ws.ID, p, []byte("again"))
	assert.ErrorIs(t, err, models.ErrAlreadyExists)

	n, err = v.UpdateFile(ctx, ws.ID, p, []byte("updated"))
	require.NoError(t, err)
	got, err := v.ReadFile(ctx, ws.ID, p)
	require.NoError(t, err)
	assert.Equal(t, []byte("updated"), got)
}

func TestReadOnlyWorkspaceRejectsWrites(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws := newTestWorkspace(t, v, "sealed")
	require.NoError(t, v.WriteFile(ctx, ws.ID, vpath.MustNew("pre.txt"), []byte("x")))

	ws.ReadOnly = true
	require.NoError(t, v.UpdateWorkspace(ctx, ws))

	err := v.WriteFile(ctx, ws.ID, vpath.MustNew("new.txt"), []byte("y"))
	assert.ErrorIs(t, err, models.ErrReadOnly)

	err = v.Delete(ctx, ws.ID, vpath.MustNew("pre.txt"), false)
	assert.ErrorIs(t, err, models.ErrReadOnly)

	// Reads still work.
	_, err = v.ReadFile(ctx, ws.ID, vpath.MustNew("pre.txt"))
	assert.NoError(t, err)
}

func TestReadOnlyNodeRejectsOverwrite(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws := newTestWorkspace(t, v, "main")

	p := vpath.MustNew("vendored.txt")
	require.NoError(t, v.ImportFile(ctx, ws.ID, p, []byte("imported"), ImportAttrs{
		SourcePath: "/src/vendored.txt",
		ReadOnly:   true,
	}))

	err := v.WriteFile(ctx, ws.ID, p, []byte("overwrite"))
	assert.ErrorIs(t, err, models.ErrReadOnly)

	err = v.Delete(ctx, ws.ID, p, false)
	assert.ErrorIs(t, err, models.ErrReadOnly)
}

func TestDeleteTombstoneAndGC(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws := newTestWorkspace(t, v, "main")

	p := vpath.MustNew("doomed.txt")
	require.NoError(t, v.WriteFile(ctx, ws.ID, p, []byte("bytes")))
	n, err := v.Metadata(ctx, ws.ID, p)
	require.NoError(t, err)

	require.NoError(t, v.Delete(ctx, ws.ID, p, false))

	exists, err := v.Exists(ctx, ws.ID, p)
	require.NoError(t, err)
	assert.False(t, exists)
	_, err = v.ReadFile(ctx, ws.ID, p)
	assert.ErrorIs(t, err, models.ErrNotFound)

	// The payload stays until garbage collection.
	_, err = v.content.Get(n.Digest)
	require.NoError(t, err)

	report, err := v.GarbageCollect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.TombstonesRemoved)
	assert.Equal(t, 1, report.PayloadsPurged)
	assert.Equal(t, int64(5), report.BytesReclaimed)

	_, err = v.content.Get(n.Digest)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestDeleteDirectory(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws := newTestWorkspace(t, v, "main")

	require.NoError(t, v.WriteFile(ctx, ws.ID, vpath.MustNew("dir/a.txt"), []byte("a")))
	require.NoError(t, v.WriteFile(ctx, ws.ID, vpath.MustNew("dir/sub/b.txt"), []byte("b")))

	err := v.Delete(ctx, ws.ID, vpath.MustNew("dir"), false)
	assert.ErrorIs(t, err, models.ErrConflict)

	require.NoError(t, v.Delete(ctx, ws.ID, vpath.MustNew("dir"), true))
	for _, path := range []string{"dir", "dir/a.txt", "dir/sub", "dir/sub/b.txt"} {
		exists, err := v.Exists(ctx, ws.ID, vpath.MustNew(path))
		require.NoError(t, err, path)
		assert.False(t, exists, path)
	}
}

func TestListDirectory(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws := newTestWorkspace(t, v, "main")

	require.NoError(t, v.WriteFile(ctx, ws.ID, vpath.MustNew("src/a.go"), []byte("a")))
	require.NoError(t, v.WriteFile(ctx, ws.ID, vpath.MustNew("src/b.go"), []byte("b")))
	require.NoError(t, v.WriteFile(ctx, ws.ID, vpath.MustNew("src/lib/c.go"), []byte("c")))
	require.NoError(t, v.WriteFile(ctx, ws.ID, vpath.MustNew("top.txt"), []byte("t")))

	direct, err := v.ListDirectory(ctx, ws.ID, vpath.MustNew("src"), false)
	require.NoError(t, err)
	require.Len(t, direct, 3)
	assert.Equal(t, "src/a.go", direct[0].Path)
	assert.Equal(t, "src/b.go", direct[1].Path)
	assert.Equal(t, "src/lib", direct[2].Path)

	all, err := v.ListDirectory(ctx, ws.ID, vpath.MustNew("src"), true)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	rootLevel, err := v.ListDirectory(ctx, ws.ID, vpath.Root(), false)
	require.NoError(t, err)
	require.Len(t, rootLevel, 2)
	assert.Equal(t, "src", rootLevel[0].Path)
	assert.Equal(t, "top.txt", rootLevel[1].Path)

	_, err = v.ListDirectory(ctx, ws.ID, vpath.MustNew("top.txt"), false)
	assert.ErrorIs(t, err, models.ErrInvalidInput)

	_, err = v.ListDirectory(ctx, ws.ID, vpath.MustNew("missing"), false)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws := newTestWorkspace(t, v, "main")

	oldPath := vpath.MustNew("old/name.txt")
	newPath := vpath.MustNew("moved/name.txt")
	require.NoError(t, v.WriteFile(ctx, ws.ID, oldPath, []byte("contents")))
	before, err := v.Metadata(ctx, ws.ID, oldPath)
	require.NoError(t, err)

	require.NoError(t, v.Rename(ctx, ws.ID, oldPath, newPath))

	exists, err := v.Exists(ctx, ws.ID, oldPath)
	require.NoError(t, err)
	assert.False(t, exists)

	after, err := v.Metadata(ctx, ws.ID, newPath)
	require.NoError(t, err)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.Digest, after.Digest)

	got, err := v.ReadFile(ctx, ws.ID, newPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("contents"), got)

	// The reference count never moved.
	p, err := v.content.Stat(after.Digest)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.RefCount)

	// A live target blocks the rename.
	require.NoError(t, v.WriteFile(ctx, ws.ID, vpath.MustNew("blocker.txt"), []byte("z")))
	err = v.Rename(ctx, ws.ID, newPath, vpath.MustNew("blocker.txt"))
	assert.ErrorIs(t, err, models.ErrAlreadyExists)
}

func TestWorkspaceLifecycle(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)

	ws := newTestWorkspace(t, v, "alpha")

	_, err := v.CreateWorkspace(ctx, "alpha", models.WorkspaceCode)
	assert.ErrorIs(t, err, models.ErrAlreadyExists)

	byName, err := v.GetWorkspaceByName(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, ws.ID, byName.ID)

	newTestWorkspace(t, v, "beta")
	list, err := v.ListWorkspaces(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, v.WriteFile(ctx, ws.ID, vpath.MustNew("f.txt"), []byte("bytes")))
	n, err := v.Metadata(ctx, ws.ID, vpath.MustNew("f.txt"))
	require.NoError(t, err)

	require.NoError(t, v.DeleteWorkspace(ctx, ws.ID))
	_, err = v.GetWorkspace(ctx, ws.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = v.GetWorkspaceByName(ctx, "alpha")
	assert.ErrorIs(t, err, models.ErrNotFound)

	// The workspace's content reference went with it.
	zeroRef, err := v.content.ZeroRefDigests()
	require.NoError(t, err)
	assert.Contains(t, zeroRef, n.Digest)
}

func TestChangesSince(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws := newTestWorkspace(t, v, "main")

	p := vpath.MustNew("tracked.txt")
	require.NoError(t, v.WriteFile(ctx, ws.ID, p, []byte("v1")))
	require.NoError(t, v.WriteFile(ctx, ws.ID, p, []byte("v2")))
	require.NoError(t, v.Rename(ctx, ws.ID, p, vpath.MustNew("renamed.txt")))
	require.NoError(t, v.Delete(ctx, ws.ID, vpath.MustNew("renamed.txt"), false))

	changes, err := v.ChangesSince(ctx, ws.ID, time.Time{})
	require.NoError(t, err)
	require.Len(t, changes, 4)
	assert.Equal(t, models.ChangeCreated, changes[0].Kind)
	assert.Equal(t, models.ChangeModified, changes[1].Kind)
	assert.Equal(t, models.ChangeRenamed, changes[2].Kind)
	assert.Equal(t, "tracked.txt", changes[2].OldPath)
	assert.Equal(t, models.ChangeDeleted, changes[3].Kind)

	// A cutoff after the fact filters everything.
	recent, err := v.ChangesSince(ctx, ws.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestMetadataOperations(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws := newTestWorkspace(t, v, "main")

	root, err := v.Metadata(ctx, ws.ID, vpath.Root())
	require.NoError(t, err)
	assert.True(t, root.IsDirectory())

	exists, err := v.Exists(ctx, ws.ID, vpath.Root())
	require.NoError(t, err)
	assert.True(t, exists)

	p := vpath.MustNew("annotated.txt")
	require.NoError(t, v.WriteFile(ctx, ws.ID, p, []byte("x")))
	require.NoError(t, v.SetNodeMetadata(ctx, ws.ID, p, "review", "approved"))

	n, err := v.Metadata(ctx, ws.ID, p)
	require.NoError(t, err)
	val, ok := n.MetadataValue("review")
	require.True(t, ok)
	assert.Equal(t, "approved", val)
}

func TestCacheTransparency(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws := newTestWorkspace(t, v, "main")

	p := vpath.MustNew("cached.txt")
	data := []byte("cache me")
	require.NoError(t, v.WriteFile(ctx, ws.ID, p, data))

	warm, err := v.ReadFile(ctx, ws.ID, p)
	require.NoError(t, err)

	v.ClearCaches()

	cold, err := v.ReadFile(ctx, ws.ID, p)
	require.NoError(t, err)
	assert.Equal(t, warm, cold)

	// The second read of the same digest is a hit.
	statsBefore := v.CacheStats().Hits
	_, err = v.ReadFile(ctx, ws.ID, p)
	require.NoError(t, err)
	assert.Greater(t, v.CacheStats().Hits, statsBefore)
}

func TestLanguageDetection(t *testing.T) {
	ctx := context.Background()
	v := newTestVFS(t)
	ws := newTestWorkspace(t, v, "main")

	require.NoError(t, v.WriteFile(ctx, ws.ID, vpath.MustNew("pkg/x.go"), []byte("package x")))
	n, err := v.Metadata(ctx, ws.ID, vpath.MustNew("pkg/x.go"))
	require.NoError(t, err)
	assert.Equal(t, models.LangGo, n.Language)
}
