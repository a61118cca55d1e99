package tracestore

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestArtifacts(t *testing.T) *ArtifactStore {
	t.Helper()
	store, err := NewArtifactStore(filepath.Join(t.TempDir(), "artifacts"), zerolog.Nop())
	require.NoError(t, err)
	return store
}

func TestArtifactPutGetRoundtrip(t *testing.T) {
	store := newTestArtifacts(t)

	data := []byte("total 4\ndrwxr-xr-x src\n(return code = 0)")
	hash, err := store.Put(data, "tool_output", "text/plain")
	require.NoError(t, err)
	assert.Equal(t, HashBytes(data), hash)

	got, err := store.Get(hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	info, err := store.Stat(hash)
	require.NoError(t, err)
	assert.Equal(t, hash, info.Hash)
	assert.Equal(t, "tool_output", info.Kind)
	assert.Equal(t, "text/plain", info.MediaType)
	assert.Equal(t, int64(len(data)), info.Size)
	assert.False(t, info.CreatedAt.IsZero())
}

func TestArtifactPutIdempotent(t *testing.T) {
	store := newTestArtifacts(t)

	data := []byte("same bytes")
	first, err := store.Put(data, "tool_output", "text/plain")
	require.NoError(t, err)
	second, err := store.Put(data, "tool_output", "text/plain")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	hashes, err := store.Hashes()
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
}

func TestArtifactGetMissing(t *testing.T) {
	store := newTestArtifacts(t)

	_, err := store.Get(HashBytes([]byte("never stored")))
	require.ErrorIs(t, err, ErrArtifactNotFound)

	_, err = store.Stat(HashBytes([]byte("never stored")))
	require.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestArtifactRejectsInvalidHash(t *testing.T) {
	store := newTestArtifacts(t)

	for _, hash := range []string{"", "short", "../../../etc/passwd", "zz" + HashBytes([]byte("x"))[2:62]} {
		_, err := store.Get(hash)
		require.Error(t, err, "hash %q", hash)
		assert.False(t, store.Exists(hash))
	}
}

func TestArtifactDelete(t *testing.T) {
	store := newTestArtifacts(t)

	hash, err := store.Put([]byte("doomed"), "tool_output", "text/plain")
	require.NoError(t, err)
	require.True(t, store.Exists(hash))

	require.NoError(t, store.Delete(hash))
	assert.False(t, store.Exists(hash))

	// Deleting again is a no-op.
	require.NoError(t, store.Delete(hash))
}

func TestArtifactHashesWalk(t *testing.T) {
	store := newTestArtifacts(t)

	want := map[string]struct{}{}
	for _, content := range []string{"alpha", "beta", "gamma"} {
		hash, err := store.Put([]byte(content), "tool_args", "application/json")
		require.NoError(t, err)
		want[hash] = struct{}{}
	}

	hashes, err := store.Hashes()
	require.NoError(t, err)
	require.Len(t, hashes, len(want))
	for _, hash := range hashes {
		assert.Contains(t, want, hash)
	}
}
