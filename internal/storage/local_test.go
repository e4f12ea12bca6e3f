package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalClient_EnsureBucketIsIdempotent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "nested", "uploads")
	client, err := NewLocalClient(root)
	require.NoError(t, err)

	require.NoError(t, client.EnsureBucket(context.Background()))
	require.NoError(t, client.EnsureBucket(context.Background()))

	info, err := os.Stat(root)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLocalClient_PutGet(t *testing.T) {
	s := NewStorage(mustLocal(t))
	ctx := context.Background()
	data := []byte{0x89, 'P', 'N', 'G', 0, 1, 2}

	require.NoError(t, s.Put(ctx, "leaf.png", bytes.NewReader(data), int64(len(data)), "image/png"))

	rc, err := s.Get(ctx, "leaf.png")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, filepath.Join(s.Bucket(), "leaf.png"), s.Location("leaf.png"))

	entries, err := os.ReadDir(s.Bucket())
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not linger")
}

func TestLocalClient_GetMissing(t *testing.T) {
	_, err := mustLocal(t).Get(context.Background(), "nope.png")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocalClient_RejectsTraversalKeys(t *testing.T) {
	client := mustLocal(t)
	for _, key := range []string{"", ".", "..", "../escape.png", "a/b.png"} {
		err := client.Put(context.Background(), key, bytes.NewReader(nil), 0, "")
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}
}

func TestNewLocalClient_RequiresDir(t *testing.T) {
	_, err := NewLocalClient("  ")
	assert.Error(t, err)
}

func mustLocal(t *testing.T) *LocalClient {
	t.Helper()
	client, err := NewLocalClient(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, client.EnsureBucket(context.Background()))
	return client
}

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"1700000000123-42-leaf.png", "leaf.png", "a..b"} {
		assert.NoError(t, ValidateKey(key), "key %q", key)
	}
	for _, key := range []string{"", ".", "..", ".hidden", "a/b", `a\b`} {
		assert.ErrorIs(t, ValidateKey(key), ErrInvalidKey, "key %q", key)
	}
}

func TestStorage_EnsureBucketMemoized(t *testing.T) {
	backend := &countingBackend{LocalClient: mustLocal(t)}
	s := NewStorage(backend)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.EnsureBucket(context.Background()))
	}
	assert.Equal(t, 1, backend.ensureCalls)
}

func TestStorage_RejectsInvalidKeysBeforeBackend(t *testing.T) {
	backend := &countingBackend{LocalClient: mustLocal(t)}
	s := NewStorage(backend)

	_, err := s.Get(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidKey)
	err = s.Put(context.Background(), "a/b", bytes.NewReader(nil), 0, "")
	assert.ErrorIs(t, err, ErrInvalidKey)
	assert.Zero(t, backend.putCalls)
}

type countingBackend struct {
	*LocalClient
	ensureCalls int
	putCalls    int
}

func (c *countingBackend) EnsureBucket(ctx context.Context) error {
	c.ensureCalls++
	return c.LocalClient.EnsureBucket(ctx)
}

func (c *countingBackend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	c.putCalls++
	return c.LocalClient.Put(ctx, key, r, size, contentType)
}
