// Package upsync implements UpSyncer (§4.9): the component that tees a
// version's write stream up to RemoteStorage as it lands on disk. It does
// not re-synchronize interrupted uploads: a failed upload returns an error,
// and nothing in this package retries it later.
package upsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/3nsoft-go/synced-objstore/internal/objfile"
	"github.com/3nsoft-go/synced-objstore/internal/objid"
	"github.com/3nsoft-go/synced-objstore/internal/remote"
	"github.com/3nsoft-go/synced-objstore/internal/status"
)

// Obj is the subset of syncedobj.Obj's behavior UpSyncer depends on,
// accepted as an interface so tests can supply a fake and so upsync never
// imports syncedobj directly (avoiding a cyclic-reference shape between
// packages that the arena-and-index design discourages).
type Obj interface {
	ID() objid.ID
	RecordUploadCompletion(localVersion, uploadVersion status.Version, headerChange []byte) error
	RecordRemovalUploadAndGC()
	CombineLocalBaseIfPresent(version status.Version) error
}

// Ledger is the derived SQLite index's pending-upload/removal queue.
// Optional: a nil Ledger (the default when New is called without one)
// simply skips queue maintenance, which only exists to let a restart
// resume interrupted uploads without scanning every status.json.
type Ledger interface {
	EnqueuePendingUpload(ctx context.Context, id objid.ID, localVersion status.Version, baseVersion *status.Version, enqueuedAt int64) error
	DequeuePendingUpload(ctx context.Context, id objid.ID) error
	EnqueuePendingRemoval(ctx context.Context, id objid.ID, enqueuedAt int64) error
	DequeuePendingRemoval(ctx context.Context, id objid.ID) error
}

// UpSyncer tees each version's write stream to RemoteStorage and drives
// upload sessions to completion.
type UpSyncer struct {
	storage remote.Storage
	ledger  Ledger
	logger  *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
	maxRetries uint64

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// New constructs an UpSyncer over storage. ledger may be nil if the derived
// SQLite index is not in use.
func New(storage remote.Storage, ledger Ledger, minBackoff, maxBackoff time.Duration, maxRetries uint64, logger *slog.Logger) *UpSyncer {
	if logger == nil {
		logger = slog.Default()
	}

	return &UpSyncer{
		storage:    storage,
		ledger:     ledger,
		logger:     logger,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		maxRetries: maxRetries,
	}
}

// enqueuedAtFn stamps the wall-clock time recorded alongside a queued
// upload/removal; substitutable in tests.
var enqueuedAtFn = func() int64 { return time.Now().Unix() }

// TapFileWrite consumes writes, posting each batch to RemoteStorage via an
// upload session, honoring the server's chunked-upload protocol: the first
// call creates-or-updates, subsequent calls continue the session. On stream
// completion it finalizes the upload, reads the server-assigned version,
// and calls obj.RecordUploadCompletion.
func (u *UpSyncer) TapFileWrite(ctx context.Context, obj Obj, isFirstVersion bool, localVersion, baseVersion status.Version, header []byte, writes <-chan objfile.FileWrite, src *objfile.ObjSource) error {
	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return errors.New("upsync: stopped")
	}
	u.wg.Add(1)
	u.mu.Unlock()

	defer u.wg.Done()

	if !isFirstVersion {
		if err := obj.CombineLocalBaseIfPresent(localVersion); err != nil {
			return fmt.Errorf("upsync: %s: absorbing base before upload: %w", obj.ID(), err)
		}
	}

	if u.ledger != nil {
		var basePtr *status.Version
		if !isFirstVersion {
			basePtr = &baseVersion
		}

		if err := u.ledger.EnqueuePendingUpload(ctx, obj.ID(), localVersion, basePtr, enqueuedAtFn()); err != nil {
			u.logger.Warn("upsync: ledger enqueue failed", "obj_id", obj.ID().String(), "error", err)
		}
	}

	session, err := u.beginUploadWithRetry(ctx, obj.ID(), isFirstVersion, uint64(baseVersion), header)
	if err != nil {
		return fmt.Errorf("upsync: %s: beginning upload: %w", obj.ID(), err)
	}

	for fw := range writes {
		data, rerr := src.Read(fw.Ofs, fw.Len)
		if rerr != nil {
			_ = session.Abort(ctx)
			return fmt.Errorf("upsync: %s: reading batch [%d,%d) to upload: %w", obj.ID(), fw.Ofs, fw.Ofs+fw.Len, rerr)
		}

		if perr := u.putChunkWithRetry(ctx, session, fw.Ofs, data); perr != nil {
			_ = session.Abort(ctx)
			return fmt.Errorf("upsync: %s: uploading batch [%d,%d): %w", obj.ID(), fw.Ofs, fw.Ofs+fw.Len, perr)
		}
	}

	uploadVersion, headerChange, ferr := session.Finish(ctx)
	if ferr != nil {
		return fmt.Errorf("upsync: %s: finishing upload: %w", obj.ID(), ferr)
	}

	if err := obj.RecordUploadCompletion(localVersion, uploadVersion, headerChange); err != nil {
		return fmt.Errorf("upsync: %s: recording upload completion: %w", obj.ID(), err)
	}

	if u.ledger != nil {
		if err := u.ledger.DequeuePendingUpload(ctx, obj.ID()); err != nil {
			u.logger.Warn("upsync: ledger dequeue failed", "obj_id", obj.ID().String(), "error", err)
		}
	}

	return nil
}

// RemoveCurrentVersionOf posts a removal request and, on success, records
// the removal-and-GC hand-off.
func (u *UpSyncer) RemoveCurrentVersionOf(ctx context.Context, obj Obj, currentVersion status.Version) error {
	if u.ledger != nil {
		if err := u.ledger.EnqueuePendingRemoval(ctx, obj.ID(), enqueuedAtFn()); err != nil {
			u.logger.Warn("upsync: ledger enqueue failed", "obj_id", obj.ID().String(), "error", err)
		}
	}

	backoff := u.newBackoff()

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		rerr := u.storage.RequestRemoval(ctx, obj.ID(), uint64(currentVersion))
		return u.classify(rerr)
	})

	if err != nil {
		return fmt.Errorf("upsync: %s: requesting removal: %w", obj.ID(), err)
	}

	obj.RecordRemovalUploadAndGC()

	if u.ledger != nil {
		if err := u.ledger.DequeuePendingRemoval(ctx, obj.ID()); err != nil {
			u.logger.Warn("upsync: ledger dequeue failed", "obj_id", obj.ID().String(), "error", err)
		}
	}

	return nil
}

// Stop makes TapFileWrite refuse new work and waits for in-flight uploads
// to finish. It does not abort upload sessions already in progress.
func (u *UpSyncer) Stop() {
	u.mu.Lock()
	u.stopped = true
	u.mu.Unlock()

	u.wg.Wait()
}

func (u *UpSyncer) beginUploadWithRetry(ctx context.Context, id objid.ID, isFirstVersion bool, baseVersion uint64, header []byte) (remote.UploadSession, error) {
	var session remote.UploadSession

	backoff := u.newBackoff()

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var beginErr error
		session, beginErr = u.storage.BeginUpload(ctx, id, isFirstVersion, baseVersion, header)

		return u.classify(beginErr)
	})

	return session, err
}

func (u *UpSyncer) putChunkWithRetry(ctx context.Context, session remote.UploadSession, ofs uint64, data []byte) error {
	backoff := u.newBackoff()

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		return u.classify(session.PutChunk(ctx, ofs, data))
	})
}

func (u *UpSyncer) newBackoff() retry.Backoff {
	b := retry.NewExponential(u.minBackoff)
	b = retry.WithMaxRetries(u.maxRetries, b)
	b = retry.WithCappedDuration(u.maxBackoff, b)

	return b
}

func (u *UpSyncer) classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, remote.ErrNotFound) || errors.Is(err, remote.ErrConflict) {
		return err
	}

	return retry.RetryableError(err)
}
