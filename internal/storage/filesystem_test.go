package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadRoundTrip(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(root)
	require.NoError(t, err)
	ctx := context.Background()

	key, err := s.Write(ctx, "/set-1/samples/00-0.png", []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, "set-1/samples/00-0.png", key)

	data, err := s.Read(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("img"), data)

	entries, err := os.ReadDir(filepath.Join(root, "set-1", "samples"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not linger")
}

func TestSanitizeKeyRejectsTraversal(t *testing.T) {
	for _, key := range []string{"", "..", "../x", "a/../../x", "  "} {
		_, err := sanitizeKey(key)
		assert.Error(t, err, key)
	}
	k, err := sanitizeKey(`a\b\..\c.png`)
	require.NoError(t, err)
	assert.Equal(t, "a/c.png", k)
}

func TestRemoveAll(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	_, err = s.Write(ctx, "set-9/full/01-0.png", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.RemoveAll(ctx, "set-9"))
	_, err = s.Read(ctx, "set-9/full/01-0.png")
	assert.Error(t, err)
}

func TestNewFileStoreRequiresPath(t *testing.T) {
	_, err := NewFileStore(" ")
	assert.Error(t, err)
}
