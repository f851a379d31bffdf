package syncedobj

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3nsoft-go/synced-objstore/internal/objfile"
	"github.com/3nsoft-go/synced-objstore/internal/objid"
	"github.com/3nsoft-go/synced-objstore/internal/status"
)

func TestSaveNewVersion_FlipsStatusOnlyOnCompletion(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	id := objid.MustNew("obj-1")
	st := status.New()

	var gcCalls int
	o := New(id, dir, st, nil, func(objid.ID) { gcCalls++ }, time.Minute, nil)

	content := bytes.Repeat([]byte("x"), 1024)
	_, writes, err := o.saveNewVersion(context.Background(), status.Version(1), nil, bytes.NewReader(content))
	require.NoError(t, err)

	for range writes {
	}

	// Give the status-flip goroutine time to run: it finishes synchronously
	// with the channel close in this package's implementation, but assert
	// via polling to avoid any timing flakiness.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		o.mu.Lock()
		cur := o.st.CurrentVersion
		o.mu.Unlock()

		if cur != nil {
			break
		}

		time.Sleep(time.Millisecond)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	require.NotNil(t, o.st.CurrentVersion)
	assert.Equal(t, status.Version(1), *o.st.CurrentVersion)
}

func TestRecordUploadCompletion_RenamesAndSchedulesGC(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	id := objid.MustNew("obj-2")
	st := status.New()

	gcScheduled := make(chan objid.ID, 1)
	o := New(id, dir, st, nil, func(oid objid.ID) { gcScheduled <- oid }, time.Minute, nil)

	_, writes, err := o.saveNewVersion(context.Background(), status.Version(1), nil, bytes.NewReader([]byte("payload")))
	require.NoError(t, err)

	for range writes {
	}

	require.NoError(t, o.RecordUploadCompletion(status.Version(1), status.Version(1), nil))

	select {
	case oid := <-gcScheduled:
		assert.Equal(t, id, oid)
	case <-time.After(2 * time.Second):
		t.Fatal("expected GC to be scheduled")
	}

	_, err = os.Stat(filepath.Join(dir, "1.v"))
	assert.NoError(t, err)
}

func TestSaveNewVersion_TapsUploaderWhenWired(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	id := objid.MustNew("obj-3")
	st := status.New()

	o := New(id, dir, st, nil, nil, time.Minute, nil)

	tapped := make(chan objid.ID, 1)
	o.SetUploader(func(ctx context.Context, obj *Obj, isFirstVersion bool, localVersion, baseVersion status.Version, header []byte, writes <-chan objfile.FileWrite, src *objfile.ObjSource) error {
		assert.True(t, isFirstVersion)
		assert.Equal(t, status.Version(1), localVersion)

		for range writes {
		}

		tapped <- obj.ID()

		return nil
	})

	require.NoError(t, o.SaveNewVersion(context.Background(), status.Version(1), nil, nil, bytes.NewReader([]byte("payload"))))

	select {
	case oid := <-tapped:
		assert.Equal(t, id, oid)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Uploader to be invoked")
	}
}

func TestRequestCurrentVersionRemoval_InvokesRemoverAfterMarkingPending(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	id := objid.MustNew("obj-4")
	st := status.New()

	o := New(id, dir, st, nil, nil, time.Minute, nil)

	_, writes, err := o.saveNewVersion(context.Background(), status.Version(1), nil, bytes.NewReader([]byte("payload")))
	require.NoError(t, err)

	for range writes {
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if o.Status().CurrentVersion != nil {
			break
		}

		time.Sleep(time.Millisecond)
	}

	removed := make(chan status.Version, 1)
	o.SetRemover(func(ctx context.Context, obj *Obj, currentVersion status.Version) error {
		removed <- currentVersion
		return nil
	})

	require.NoError(t, o.RequestCurrentVersionRemoval(context.Background()))

	select {
	case v := <-removed:
		assert.Equal(t, status.Version(1), v)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Remover to be invoked")
	}

	st2 := o.Status()
	assert.True(t, st2.RemovalPending())
}
