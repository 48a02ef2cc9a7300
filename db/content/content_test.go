package content

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrataLabs/strata/db/tkv"
	"github.com/StrataLabs/strata/models"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	kv, err := tkv.New(tkv.Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
		InMemory: true,
		AppCtx:   context.Background(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	return NewStore(Config{TKV: kv})
}

func TestDigestIsStable(t *testing.T) {
	a := Digest([]byte("hello"))
	b := Digest([]byte("hello"))
	c := Digest([]byte("hello!"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestPutDeduplicates(t *testing.T) {
	s := createTestStore(t)

	d1, err := s.Put([]byte("shared content"))
	require.NoError(t, err)
	d2, err := s.Put([]byte("shared content"))
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	p, err := s.Stat(d1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.RefCount)
	assert.Equal(t, int64(14), p.Size)
	assert.False(t, p.IsBinary)
}

func TestGetRoundTrip(t *testing.T) {
	s := createTestStore(t)

	payloads := [][]byte{
		[]byte("plain text\nwith lines\n"),
		{},
		{0x00, 0xff, 0x80, 0x01},
	}
	for _, data := range payloads {
		digest, err := s.Put(data)
		require.NoError(t, err)
		got, err := s.Get(digest)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	}

	_, err := s.Get("deadbeef")
	assert.ErrorIs(t, err, models.ErrNotFound)

	// The empty payload must come back as a non-nil slice; a nil here
	// means it was stored as JSON null instead of "".
	digest, err := s.Put(nil)
	require.NoError(t, err)
	got, err := s.Get(digest)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Len(t, got, 0)
}

func TestBinaryAndLineDetection(t *testing.T) {
	s := createTestStore(t)

	d, err := s.Put([]byte("one\ntwo\nthree\n"))
	require.NoError(t, err)
	p, err := s.Stat(d)
	require.NoError(t, err)
	assert.False(t, p.IsBinary)
	assert.Equal(t, 3, p.LineCount)

	d, err = s.Put([]byte{0xc3, 0x28, 0x01})
	require.NoError(t, err)
	p, err = s.Stat(d)
	require.NoError(t, err)
	assert.True(t, p.IsBinary)
}

func TestRefCountLifecycle(t *testing.T) {
	s := createTestStore(t)

	digest, err := s.Put([]byte("counted"))
	require.NoError(t, err)
	require.NoError(t, s.AddRef(digest))

	zero, err := s.RemoveRef(digest)
	require.NoError(t, err)
	assert.False(t, zero)

	zero, err = s.RemoveRef(digest)
	require.NoError(t, err)
	assert.True(t, zero)

	// The payload survives a zero count until purged.
	got, err := s.Get(digest)
	require.NoError(t, err)
	assert.Equal(t, []byte("counted"), got)

	digests, err := s.ZeroRefDigests()
	require.NoError(t, err)
	assert.Contains(t, digests, digest)

	require.NoError(t, s.Purge(digest))
	_, err = s.Get(digest)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRemoveRefUnknownDigest(t *testing.T) {
	s := createTestStore(t)

	_, err := s.RemoveRef("0000000000000000000000000000000000000000000000000000000000000000")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
