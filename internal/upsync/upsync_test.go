package upsync

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3nsoft-go/synced-objstore/internal/objfile"
	"github.com/3nsoft-go/synced-objstore/internal/objid"
	"github.com/3nsoft-go/synced-objstore/internal/remote"
	"github.com/3nsoft-go/synced-objstore/internal/status"
)

type fakeObj struct {
	id               objid.ID
	completedLocal   status.Version
	completedUpload  status.Version
	completedHeader  []byte
	completionCalled bool
	removalCalled    bool
	combineCalled    []status.Version
}

func (f *fakeObj) ID() objid.ID { return f.id }

func (f *fakeObj) RecordUploadCompletion(local, upload status.Version, headerChange []byte) error {
	f.completionCalled = true
	f.completedLocal = local
	f.completedUpload = upload
	f.completedHeader = headerChange

	return nil
}

func (f *fakeObj) RecordRemovalUploadAndGC() { f.removalCalled = true }

func (f *fakeObj) CombineLocalBaseIfPresent(v status.Version) error {
	f.combineCalled = append(f.combineCalled, v)
	return nil
}

type fakeSession struct {
	chunks        map[uint64][]byte
	finishVersion uint64
	aborted       bool
}

func (s *fakeSession) PutChunk(ctx context.Context, ofs uint64, data []byte) error {
	if s.chunks == nil {
		s.chunks = make(map[uint64][]byte)
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	s.chunks[ofs] = cp

	return nil
}

func (s *fakeSession) Finish(ctx context.Context) (uint64, []byte, error) {
	return s.finishVersion, nil, nil
}

func (s *fakeSession) Abort(ctx context.Context) error {
	s.aborted = true
	return nil
}

type fakeUploadStorage struct {
	session       *fakeSession
	removalCalled bool
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
	f.removalCalled = true
	return nil
}

func TestTapFileWrite_CompletesUploadAndRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := []byte("hello world, this is a version's content")

	obj, writes, err := objfile.CreateFileForWriteOfNewVersion(dir+"/1.current", nil, bytes.NewReader(content))
	require.NoError(t, err)

	session := &fakeSession{finishVersion: 7}
	storage := &fakeUploadStorage{session: session}

	u := New(storage, nil, time.Millisecond, 10*time.Millisecond, 3, nil)

	fobj := &fakeObj{id: objid.MustNew("obj-1")}

	src := obj.GetSrc(nil)
	err = u.TapFileWrite(context.Background(), fobj, true, status.Version(1), 0, nil, writes, src)
	require.NoError(t, err)

	assert.True(t, fobj.completionCalled)
	assert.Equal(t, status.Version(1), fobj.completedLocal)
	assert.Equal(t, status.Version(7), fobj.completedUpload)
	assert.False(t, session.aborted)
}

func TestRemoveCurrentVersionOf_RecordsRemovalOnSuccess(t *testing.T) {
	t.Parallel()

	storage := &fakeUploadStorage{}
	u := New(storage, nil, time.Millisecond, 10*time.Millisecond, 3, nil)

	fobj := &fakeObj{id: objid.MustNew("obj-2")}

	err := u.RemoveCurrentVersionOf(context.Background(), fobj, status.Version(3))
	require.NoError(t, err)
	assert.True(t, fobj.removalCalled)
	assert.True(t, storage.removalCalled)
}

type fakeLedger struct {
	uploadsEnqueued  []objid.ID
	uploadsDequeued  []objid.ID
	removalsEnqueued []objid.ID
	removalsDequeued []objid.ID
}

func (f *fakeLedger) EnqueuePendingUpload(ctx context.Context, id objid.ID, localVersion status.Version, baseVersion *status.Version, enqueuedAt int64) error {
	f.uploadsEnqueued = append(f.uploadsEnqueued, id)
	return nil
}

func (f *fakeLedger) DequeuePendingUpload(ctx context.Context, id objid.ID) error {
	f.uploadsDequeued = append(f.uploadsDequeued, id)
	return nil
}

func (f *fakeLedger) EnqueuePendingRemoval(ctx context.Context, id objid.ID, enqueuedAt int64) error {
	f.removalsEnqueued = append(f.removalsEnqueued, id)
	return nil
}

func (f *fakeLedger) DequeuePendingRemoval(ctx context.Context, id objid.ID) error {
	f.removalsDequeued = append(f.removalsDequeued, id)
	return nil
}

func TestTapFileWrite_MaintainsPendingUploadLedger(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	content := []byte("hello ledger")

	obj, writes, err := objfile.CreateFileForWriteOfNewVersion(dir+"/1.current", nil, bytes.NewReader(content))
	require.NoError(t, err)

	session := &fakeSession{finishVersion: 9}
	storage := &fakeUploadStorage{session: session}
	ledger := &fakeLedger{}

	u := New(storage, ledger, time.Millisecond, 10*time.Millisecond, 3, nil)
	fobj := &fakeObj{id: objid.MustNew("obj-ledger-1")}

	err = u.TapFileWrite(context.Background(), fobj, true, status.Version(1), 0, nil, writes, obj.GetSrc(nil))
	require.NoError(t, err)

	assert.Equal(t, []objid.ID{fobj.id}, ledger.uploadsEnqueued)
	assert.Equal(t, []objid.ID{fobj.id}, ledger.uploadsDequeued)
}

func TestRemoveCurrentVersionOf_MaintainsPendingRemovalLedger(t *testing.T) {
	t.Parallel()

	storage := &fakeUploadStorage{}
	ledger := &fakeLedger{}
	u := New(storage, ledger, time.Millisecond, 10*time.Millisecond, 3, nil)

	fobj := &fakeObj{id: objid.MustNew("obj-ledger-2")}

	err := u.RemoveCurrentVersionOf(context.Background(), fobj, status.Version(4))
	require.NoError(t, err)

	assert.Equal(t, []objid.ID{fobj.id}, ledger.removalsEnqueued)
	assert.Equal(t, []objid.ID{fobj.id}, ledger.removalsDequeued)
}

func TestStop_RejectsNewUploadsAfterStop(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	obj, writes, err := objfile.CreateFileForWriteOfNewVersion(dir+"/1.current", nil, bytes.NewReader([]byte("x")))
	require.NoError(t, err)

	session := &fakeSession{finishVersion: 1}
	storage := &fakeUploadStorage{session: session}
	u := New(storage, nil, time.Millisecond, 10*time.Millisecond, 3, nil)

	fobj := &fakeObj{id: objid.MustNew("obj-3")}
	src := obj.GetSrc(nil)

	done := make(chan struct{})
	go func() {
		_ = u.TapFileWrite(context.Background(), fobj, true, status.Version(1), 0, nil, writes, src)
		close(done)
	}()

	<-done
	u.Stop()

	dir2 := t.TempDir()
	obj2, writes2, err := objfile.CreateFileForWriteOfNewVersion(dir2+"/1.current", nil, bytes.NewReader([]byte("y")))
	require.NoError(t, err)

	err = u.TapFileWrite(context.Background(), fobj, true, status.Version(1), 0, nil, writes2, obj2.GetSrc(nil))
	assert.Error(t, err)
}
