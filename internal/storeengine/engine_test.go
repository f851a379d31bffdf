package storeengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3nsoft-go/synced-objstore/internal/objfiles"
	"github.com/3nsoft-go/synced-objstore/internal/objfolders"
	"github.com/3nsoft-go/synced-objstore/internal/objid"
	"github.com/3nsoft-go/synced-objstore/internal/status"
)

func TestHandlers_OnObjectChanged_PersistsRemoteVersion(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	folders, err := objfolders.New(dir, nil)
	require.NoError(t, err)

	store := objfiles.New(folders, nil, nil, nil, time.Minute, time.Minute, nil)
	id := objid.MustNew("obj-1")

	_, err = store.SaveFirstVersion(context.Background(), id)
	require.NoError(t, err)

	e := New(store, folders, nil, nil)
	handlers := e.Handlers()

	handlers.OnObjectChanged(context.Background(), id, 5)

	folder, err := folders.GetFolderAccessFor(id, false)
	require.NoError(t, err)

	st, err := status.ReadFrom(filepath.Join(folder, "status.json"))
	require.NoError(t, err)

	assert.Equal(t, status.Version(5), st.RemoteLatest)

	sync := st.SyncStatus()
	assert.NotEqual(t, status.StateNone, sync.State)
}

func TestHandlers_OnObjectChanged_IgnoresUntrackedObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	folders, err := objfolders.New(dir, nil)
	require.NoError(t, err)

	store := objfiles.New(folders, nil, nil, nil, time.Minute, time.Minute, nil)

	e := New(store, folders, nil, nil)
	handlers := e.Handlers()

	// Must not panic for an id this replica never materialized.
	handlers.OnObjectRemoved(context.Background(), objid.MustNew("never-seen"))
}

func TestSweepDemotions_DeclinesWhenUnsyncedFilePresent(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	folders, err := objfolders.New(dir, nil)
	require.NoError(t, err)

	store := objfiles.New(folders, nil, nil, nil, time.Minute, time.Minute, nil)
	id := objid.MustNew("obj-2")

	_, err = store.SaveFirstVersion(context.Background(), id)
	require.NoError(t, err)

	e := New(store, folders, nil, nil)
	e.SweepDemotions()

	// The freshly-created object still has a "1.unsynced" file, so
	// DefaultCanMoveToCold must decline — folder stays in the recent tier.
	_, err = folders.GetFolderAccessFor(id, false)
	require.NoError(t, err)
}
