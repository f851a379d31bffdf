package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/3nsoft-go/synced-objstore/internal/objid"
)

// Downloader fetches object bytes on demand (§4.5): ObjFiles constructs one
// per store and SyncedObj routes SegMissing/SegBase resolution through it
// when no local copy of a range exists. Every fetch retries transient
// failures with exponential backoff and surfaces permanent ones (not-found,
// conflict) immediately so callers never retry those.
type Downloader struct {
	storage Storage
	logger  *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
	maxRetries uint64
}

// NewDownloader constructs a Downloader over storage. minBackoff/maxBackoff
// bound the exponential retry delay; maxRetries caps attempts on transient
// errors before giving up.
func NewDownloader(storage Storage, minBackoff, maxBackoff time.Duration, maxRetries uint64, logger *slog.Logger) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}

	return &Downloader{
		storage:    storage,
		logger:     logger,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		maxRetries: maxRetries,
	}
}

// GetLayout fetches id's current server version and layout, retrying
// transient errors. A permanent classification (ErrNotFound) returns
// immediately without retry.
func (d *Downloader) GetLayout(ctx context.Context, id objid.ID) (version uint64, layout Layout, err error) {
	backoff := d.newBackoff()

	rerr := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var getErr error
		version, layout, getErr = d.storage.GetCurrentVersion(ctx, id)

		return d.classify(getErr)
	})

	if rerr != nil {
		return 0, Layout{}, fmt.Errorf("remote: fetching layout of %s: %w", id, rerr)
	}

	return version, layout, nil
}

// GetRange fetches length bytes of version's logical content at ofs,
// retrying transient errors. The bytes are returned as received: nothing
// here checks them against a segment's recorded checksum, and
// objfile.ObjOnDisk.FillSegment stores them without such a check either.
func (d *Downloader) GetRange(ctx context.Context, id objid.ID, version, ofs, length uint64) ([]byte, error) {
	var data []byte

	backoff := d.newBackoff()

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		var getErr error
		data, getErr = d.storage.GetRange(ctx, id, version, ofs, length)

		return d.classify(getErr)
	})

	if err != nil {
		return nil, fmt.Errorf("remote: fetching range [%d,%d) of %s v%d: %w", ofs, ofs+length, id, version, err)
	}

	return data, nil
}

func (d *Downloader) newBackoff() retry.Backoff {
	b := retry.NewExponential(d.minBackoff)
	b = retry.WithMaxRetries(d.maxRetries, b)
	b = retry.WithCappedDuration(d.maxBackoff, b)
	b = retry.WithJitterPercent(20, b)

	return b
}

// classify turns a Storage error into either nil (success), a permanent
// error (propagated immediately, no retry), or retry.RetryableError
// (transient, eligible for another attempt).
func (d *Downloader) classify(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict):
		return err
	case errors.Is(err, ErrThrottled), errors.Is(err, ErrUnavailable):
		d.logger.Debug("transient remote error, retrying", "error", err)
		return retry.RetryableError(err)
	default:
		return retry.RetryableError(err)
	}
}
