package remote

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3nsoft-go/synced-objstore/internal/objid"
)

type fakeStorage struct {
	getRangeCalls   atomic.Int32
	failUntilCall   int32
	failWith        error
	rangeToReturn   []byte
	layoutToReturn  Layout
	versionToReturn uint64
}

func (f *fakeStorage) GetCurrentVersion(ctx context.Context, id objid.ID) (uint64, Layout, error) {
	return f.versionToReturn, f.layoutToReturn, nil
}

func (f *fakeStorage) GetRange(ctx context.Context, id objid.ID, version, ofs, length uint64) ([]byte, error) {
	n := f.getRangeCalls.Add(1)
	if n <= f.failUntilCall {
		return nil, f.failWith
	}

	return f.rangeToReturn, nil
}

func (f *fakeStorage) BeginUpload(ctx context.Context, id objid.ID, isFirstVersion bool, baseVersion uint64, header []byte) (UploadSession, error) {
	return nil, nil
}

func (f *fakeStorage) RequestRemoval(ctx context.Context, id objid.ID, currentVersion uint64) error {
	return nil
}

func TestDownloader_GetRange_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	store := &fakeStorage{failUntilCall: 2, failWith: ErrUnavailable, rangeToReturn: []byte("payload")}
	d := NewDownloader(store, time.Millisecond, 10*time.Millisecond, 5, nil)

	id := objid.MustNew("obj-1")
	got, err := d.GetRange(context.Background(), id, 1, 0, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
	assert.Equal(t, int32(3), store.getRangeCalls.Load())
}

func TestDownloader_GetRange_PermanentErrorNoRetry(t *testing.T) {
	t.Parallel()

	store := &fakeStorage{failUntilCall: 100, failWith: ErrNotFound}
	d := NewDownloader(store, time.Millisecond, 10*time.Millisecond, 5, nil)

	id := objid.MustNew("obj-1")
	_, err := d.GetRange(context.Background(), id, 1, 0, 7)
	require.Error(t, err)
	assert.Equal(t, int32(1), store.getRangeCalls.Load())
}

func TestDownloader_GetRange_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	store := &fakeStorage{failUntilCall: 1000, failWith: ErrUnavailable}
	d := NewDownloader(store, time.Millisecond, 5*time.Millisecond, 3, nil)

	id := objid.MustNew("obj-1")
	_, err := d.GetRange(context.Background(), id, 1, 0, 7)
	assert.Error(t, err)
}
