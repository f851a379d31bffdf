package gc

import (
	"context"
	"os"
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

func TestCanRemove_UnparseableNameIsGarbage(t *testing.T) {
	t.Parallel()

	var ng status.NonGarbage
	assert.True(t, canRemove("not-a-number.unsynced", ng, ng, nil))
}

func TestCanRemove_KeepsUnknownExtensions(t *testing.T) {
	t.Parallel()

	var ng status.NonGarbage
	assert.False(t, canRemove("1.other", ng, ng, nil))
}

func TestCanRemove_UploadSidecarGarbageUnlessCurrent(t *testing.T) {
	t.Parallel()

	var ng status.NonGarbage
	v := status.Version(3)

	assert.False(t, canRemove("3.upload", ng, ng, &v))
	assert.True(t, canRemove("4.upload", ng, ng, &v))
	assert.True(t, canRemove("3.upload", ng, ng, nil))
}

func TestCanRemove_RespectsGCMaxFloor(t *testing.T) {
	t.Parallel()

	max := status.Version(5)
	ng := status.NonGarbage{GCMax: &max}

	assert.True(t, canRemove("3.unsynced", ng, ng, nil))
	assert.False(t, canRemove("5.unsynced", ng, ng, nil))
	assert.False(t, canRemove("7.unsynced", ng, ng, nil))
}

func TestCollectIn_SweepsUnparseableOrphanButKeepsUnfloooredVersion(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	folders, err := objfolders.New(dir, nil)
	require.NoError(t, err)

	store := objfiles.New(folders, nil, nil, nil, time.Minute, time.Minute, nil)
	id := objid.MustNew("obj-sweep")

	obj, err := store.SaveFirstVersion(context.Background(), id)
	require.NoError(t, err)

	folder := obj.Folder()

	// A well-formed version file: kept, since a fresh status's GCMax is
	// unset on both sides and Contains() treats that as protect-everything.
	require.NoError(t, os.WriteFile(filepath.Join(folder, "1.unsynced"), []byte("x"), 0o644))
	// An orphan with an unparseable version number: always garbage.
	require.NoError(t, os.WriteFile(filepath.Join(folder, "garbage.unsynced"), []byte("x"), 0o644))

	c := New(store, folders, nil, nil)
	require.NoError(t, c.collectIn(context.Background(), id))

	_, err = os.Stat(filepath.Join(folder, "garbage.unsynced"))
	assert.True(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(folder, "1.unsynced"))
	assert.NoError(t, err)
}

func TestCollectIn_RemovesWholeFolderWhenRemovable(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	folders, err := objfolders.New(dir, nil)
	require.NoError(t, err)

	store := objfiles.New(folders, nil, nil, nil, time.Minute, time.Minute, nil)
	id := objid.MustNew("obj-removable")

	obj, err := store.SaveFirstVersion(context.Background(), id)
	require.NoError(t, err)

	folder := obj.Folder()

	st, err := status.ReadFrom(filepath.Join(folder, "status.json"))
	require.NoError(t, err)
	st.RecordRemoteRemoval()
	require.NoError(t, st.WriteTo(filepath.Join(folder, "status.json")))

	store.DropFromCache(id)

	c := New(store, folders, nil, nil)
	require.NoError(t, c.collectIn(context.Background(), id))

	_, err = folders.GetFolderAccessFor(id, false)
	assert.ErrorIs(t, err, objfolders.ErrNotFound)
}

func TestScheduleCollection_DropsWorkAfterStop(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	folders, err := objfolders.New(dir, nil)
	require.NoError(t, err)

	store := objfiles.New(folders, nil, nil, nil, time.Minute, time.Minute, nil)
	c := New(store, folders, nil, nil)

	c.Stop()
	c.ScheduleCollection(objid.MustNew("ignored"))

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.scheduled)
}

func TestScheduleCollection_RunsLoopAndDrainsScheduled(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	folders, err := objfolders.New(dir, nil)
	require.NoError(t, err)

	store := objfiles.New(folders, nil, nil, nil, time.Minute, time.Minute, nil)
	id := objid.MustNew("obj-loop")

	_, err = store.SaveFirstVersion(context.Background(), id)
	require.NoError(t, err)

	c := New(store, folders, nil, nil)
	c.ScheduleCollection(id)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		_, inWip := c.wip[id.String()]
		_, inScheduled := c.scheduled[id.String()]
		running := c.running
		c.mu.Unlock()

		if !inWip && !inScheduled && !running {
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatal("expected collector loop to drain scheduled work")
}
