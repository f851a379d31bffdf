package objfiles

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3nsoft-go/synced-objstore/internal/objid"
	"github.com/3nsoft-go/synced-objstore/internal/objfolders"
	"github.com/3nsoft-go/synced-objstore/internal/remote"
	"github.com/3nsoft-go/synced-objstore/internal/status"
	"github.com/3nsoft-go/synced-objstore/internal/upsync"
)

type fakeScheduler struct {
	scheduled []objid.ID
}

func (f *fakeScheduler) ScheduleCollection(id objid.ID) {
	f.scheduled = append(f.scheduled, id)
}

func TestFindObj_MissingFolderReturnsNilNil(t *testing.T) {
	t.Parallel()

	folders, err := objfolders.New(t.TempDir(), nil)
	require.NoError(t, err)

	store := New(folders, nil, nil, nil, time.Minute, time.Minute, nil)

	obj, err := store.FindObj(context.Background(), objid.MustNew("nope"))
	require.NoError(t, err)
	assert.Nil(t, obj)
}

func TestSaveFirstVersion_CreatesObjAndPersistsStatus(t *testing.T) {
	t.Parallel()

	folders, err := objfolders.New(t.TempDir(), nil)
	require.NoError(t, err)

	sched := &fakeScheduler{}
	store := New(folders, nil, nil, sched, time.Minute, time.Minute, nil)

	id := objid.MustNew("obj-1")

	obj, err := store.SaveFirstVersion(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, id, obj.ID())

	reloaded, err := store.FindObj(context.Background(), id)
	require.NoError(t, err)
	assert.Same(t, obj, reloaded)
}

func TestScheduleGC_ForwardsToScheduler(t *testing.T) {
	t.Parallel()

	folders, err := objfolders.New(t.TempDir(), nil)
	require.NoError(t, err)

	sched := &fakeScheduler{}
	store := New(folders, nil, nil, sched, time.Minute, time.Minute, nil)

	id := objid.MustNew("obj-2")
	obj, err := store.SaveFirstVersion(context.Background(), id)
	require.NoError(t, err)

	store.ScheduleGC(obj)
	require.Len(t, sched.scheduled, 1)
	assert.Equal(t, id, sched.scheduled[0])
}

func TestRunOnObjId_Serializes(t *testing.T) {
	t.Parallel()

	folders, err := objfolders.New(t.TempDir(), nil)
	require.NoError(t, err)

	store := New(folders, nil, nil, nil, time.Minute, time.Minute, nil)
	id := objid.MustNew("obj-3")

	var order []int
	done := make(chan struct{}, 2)

	go func() {
		_ = store.RunOnObjId(context.Background(), id, func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			order = append(order, 1)
			return nil
		})
		done <- struct{}{}
	}()

	time.Sleep(time.Millisecond)

	go func() {
		_ = store.RunOnObjId(context.Background(), id, func(ctx context.Context) error {
			order = append(order, 2)
			return nil
		})
		done <- struct{}{}
	}()

	<-done
	<-done

	assert.Equal(t, []int{1, 2}, order)
}

type fakeUploadSession struct {
	finishVersion uint64
}

func (s *fakeUploadSession) PutChunk(ctx context.Context, ofs uint64, data []byte) error {
	return nil
}

func (s *fakeUploadSession) Finish(ctx context.Context) (uint64, []byte, error) {
	return s.finishVersion, nil, nil
}

func (s *fakeUploadSession) Abort(ctx context.Context) error { return nil }

type fakeUploadStorage struct {
	session *fakeUploadSession
}

func (f *fakeUploadStorage) GetCurrentVersion(ctx context.Context, id objid.ID) (uint64, remote.Layout, error) {
	return 0, remote.Layout{}, nil
}

func (f *fakeUploadStorage) GetRange(ctx context.Context, id objid.ID, version, ofs, length uint64) ([]byte, error) {
	return nil, nil
}

func (f *fakeUploadStorage) BeginUpload(ctx context.Context, id objid.ID, isFirstVersion bool, baseVersion uint64, header []byte) (remote.UploadSession, error) {
	return f.session, nil
}

func (f *fakeUploadStorage) RequestRemoval(ctx context.Context, id objid.ID, currentVersion uint64) error {
	return nil
}

func TestSetUpSyncer_TapsNewVersionWritesThroughToUpload(t *testing.T) {
	t.Parallel()

	folders, err := objfolders.New(t.TempDir(), nil)
	require.NoError(t, err)

	storage := &fakeUploadStorage{session: &fakeUploadSession{finishVersion: 1}}
	u := upsync.New(storage, nil, time.Millisecond, 10*time.Millisecond, 3, nil)

	store := New(folders, storage, nil, nil, time.Minute, time.Minute, nil)
	store.SetUpSyncer(u)

	id := objid.MustNew("obj-4")
	obj, err := store.SaveFirstVersion(context.Background(), id)
	require.NoError(t, err)

	require.NoError(t, obj.SaveNewVersion(context.Background(), status.Version(1), nil, nil, bytes.NewReader([]byte("content"))))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sync := obj.Status().SyncStatus()
		if sync.Synced != nil {
			assert.Equal(t, status.Version(1), *sync.Synced)
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatal("expected version to be recorded as synced via the wired UpSyncer")
}
