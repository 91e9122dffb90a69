package local

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"physics-pipeline/internal/shared/storage/object"
)

func TestSaveWithKeyThenOpen(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	ctx := context.Background()

	n, err := store.SaveWithKey(ctx, "outputs/prediction.json", "application/json", strings.NewReader(`[1]`))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = store.SaveWithKey(ctx, "outputs/prediction.json", "application/json", strings.NewReader(`[1,2]`))
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	got, err := object.ReadAll(ctx, store, "outputs/prediction.json")
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(got))

	entries, err := os.ReadDir(filepath.Join(dir, "outputs"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary files are cleaned up")
}

func TestOpenMissingIsNotFound(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.Open(context.Background(), "nope.json")
	require.Error(t, err)
	assert.True(t, object.IsNotFound(err))
}

func TestRootedStoreRejectsEscapes(t *testing.T) {
	store := New(t.TempDir())
	for _, key := range []string{"../x.json", "/etc/passwd", ""} {
		_, err := store.Open(context.Background(), key)
		assert.Error(t, err, key)
		_, err = store.SaveWithKey(context.Background(), key, "", strings.NewReader("x"))
		assert.Error(t, err, key)
	}
}

func TestUnrootedStoreAcceptsPaths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.txt")
	store := New("")

	_, err := store.SaveWithKey(context.Background(), path, "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)

	rc, err := store.Open(context.Background(), path)
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := New(t.TempDir())
	_, err := store.Open(ctx, "a.json")
	assert.ErrorIs(t, err, context.Canceled)
}
