package objfolders

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3nsoft-go/synced-objstore/internal/objid"
)

func newTestFolders(t *testing.T) *Folders {
	t.Helper()

	fs, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	return fs
}

func TestGetFolderAccessFor_CreatesInRecentTier(t *testing.T) {
	t.Parallel()

	fs := newTestFolders(t)
	id := objid.MustNew("obj-a")

	path, err := fs.GetFolderAccessFor(id, true)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Contains(t, path, recentDirName)
}

func TestGetFolderAccessFor_MissingWithoutCreateErrors(t *testing.T) {
	t.Parallel()

	fs := newTestFolders(t)
	id := objid.MustNew("obj-missing")

	_, err := fs.GetFolderAccessFor(id, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetFolderAccessFor_IsIdempotent(t *testing.T) {
	t.Parallel()

	fs := newTestFolders(t)
	id := objid.MustNew("obj-b")

	p1, err := fs.GetFolderAccessFor(id, true)
	require.NoError(t, err)

	p2, err := fs.GetFolderAccessFor(id, false)
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
}

func TestListRecent(t *testing.T) {
	t.Parallel()

	fs := newTestFolders(t)

	a := objid.MustNew("obj-a")
	b := objid.MustNew("obj-b")

	_, err := fs.GetFolderAccessFor(a, true)
	require.NoError(t, err)
	_, err = fs.GetFolderAccessFor(b, true)
	require.NoError(t, err)

	ids := fs.ListRecent()
	assert.Len(t, ids, 2)
}

func TestRemoveFolderOf(t *testing.T) {
	t.Parallel()

	fs := newTestFolders(t)
	id := objid.MustNew("obj-c")

	path, err := fs.GetFolderAccessFor(id, true)
	require.NoError(t, err)
	require.NoError(t, fs.RemoveFolderOf(id))

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))

	_, err = fs.GetFolderAccessFor(id, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTryDemote_DeclinedByPredicate(t *testing.T) {
	t.Parallel()

	fs := newTestFolders(t)
	id := objid.MustNew("obj-d")

	_, err := fs.GetFolderAccessFor(id, true)
	require.NoError(t, err)

	moved, err := fs.TryDemote(id, func(objid.ID, string) bool { return false })
	require.NoError(t, err)
	assert.False(t, moved)

	p, err := fs.GetFolderAccessFor(id, false)
	require.NoError(t, err)
	assert.Contains(t, p, recentDirName)
}

func TestTryDemote_MovesToColdTier(t *testing.T) {
	t.Parallel()

	fs := newTestFolders(t)
	id := objid.MustNew("obj-e")

	recentPath, err := fs.GetFolderAccessFor(id, true)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(recentPath, "status.json"), []byte("{}"), 0o644))

	moved, err := fs.TryDemote(id, func(objid.ID, string) bool { return true })
	require.NoError(t, err)
	assert.True(t, moved)

	p, err := fs.GetFolderAccessFor(id, false)
	require.NoError(t, err)
	assert.Contains(t, p, coldDirName)

	_, statErr := os.Stat(filepath.Join(p, "status.json"))
	assert.NoError(t, statErr)
}
