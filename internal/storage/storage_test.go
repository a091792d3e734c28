package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPutAndGet(t *testing.T) {
	s := NewMemory()
	uri, err := s.PutObject(context.Background(), "run-1/snapshot.png", "image/png", []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, "memory://run-1/snapshot.png", uri)

	data, ok := s.GetObject("run-1/snapshot.png")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, data)

	_, ok = s.GetObject("missing")
	assert.False(t, ok)
}

func TestLocalPutObject(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocal(dir)
	require.NoError(t, err)

	uri, err := s.PutObject(context.Background(), "run-1/snapshot.png", "image/png", []byte("png-bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(filepath.Join(dir, "run-1", "snapshot.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
}

func TestLocalRejectsTraversal(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = s.PutObject(context.Background(), "../escape.png", "image/png", nil)
	require.Error(t, err)

	_, err = s.PutObject(context.Background(), "/abs.png", "image/png", nil)
	require.Error(t, err)
}

func TestLocalRequiresDir(t *testing.T) {
	_, err := NewLocal("")
	require.Error(t, err)
}
