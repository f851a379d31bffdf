// Package remote defines the RemoteStorage port (§4.8) that the store
// transfers bytes through, and Downloader (§4.5), the on-demand range
// fetcher that fills in missing segments of an ObjOnDisk.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/3nsoft-go/synced-objstore/internal/objid"
)

// Sentinel errors for RemoteStorage status classification. Permanent
// failure classes (ErrNotFound, ErrConflict) must never be retried by a
// caller; transient ones (ErrThrottled, ErrUnavailable) are retried with
// backoff by the implementations in this package.
var (
	ErrNotFound    = errors.New("remote: object not found")
	ErrConflict    = errors.New("remote: version conflict")
	ErrThrottled   = errors.New("remote: throttled")
	ErrUnavailable = errors.New("remote: temporarily unavailable")
)

// Layout is the header+segment description of a version as the server
// reports it, mirroring the wire shape objfile persists locally.
type Layout struct {
	Header       []byte
	SegmentTable []byte // opaque, server-defined segment table encoding
	TotalLen     uint64
}

// UploadSession represents an in-progress chunked upload, continued across
// multiple PutChunk calls the way the teacher's driveops session store
// continues an interrupted OneDrive upload session.
type UploadSession interface {
	// PutChunk uploads one contiguous range. ofs must equal the session's
	// running write offset; callers drive it with strictly increasing,
	// contiguous ranges as ObjOnDisk emits FileWrite batches.
	PutChunk(ctx context.Context, ofs uint64, data []byte) error

	// Finish completes the session, returning the version number the
	// server assigned and, if the server chose to rewrite the version's
	// header during reconciliation, the replacement header bytes.
	Finish(ctx context.Context) (version uint64, headerChange []byte, err error)

	// Abort cancels the session; the server discards any partial bytes.
	Abort(ctx context.Context) error
}

// Storage is the port the store transfers object bytes through. An
// implementation's methods must be safe for concurrent use across distinct
// object ids; the store never calls two methods concurrently for the same
// id (I6 serializes on SynchronizerOnObjId), so implementations need not
// serialize themselves beyond the transport's own limits.
type Storage interface {
	// GetCurrentVersion fetches the header and segment layout of id's
	// current server version, for makeByDownloadingCurrentVersion.
	GetCurrentVersion(ctx context.Context, id objid.ID) (version uint64, layout Layout, err error)

	// GetRange fetches length bytes at ofs of the given version's logical
	// content, used to fill SegMissing/SegBase segments on demand.
	GetRange(ctx context.Context, id objid.ID, version uint64, ofs, length uint64) ([]byte, error)

	// BeginUpload starts (or, if resuming, continues) a chunked upload of
	// a new version. isFirstVersion distinguishes object creation from an
	// update, and baseVersion (if non-zero) tells the server which
	// version this upload diffs against.
	BeginUpload(ctx context.Context, id objid.ID, isFirstVersion bool, baseVersion uint64, header []byte) (UploadSession, error)

	// RequestRemoval posts a removal of id's current version.
	RequestRemoval(ctx context.Context, id objid.ID, currentVersion uint64) error
}

// ClassifyLayoutErr wraps a transport-level layout fetch error consistently
// so callers can errors.Is against the sentinels above regardless of which
// Storage implementation is in play.
func ClassifyLayoutErr(id objid.ID, err error) error {
	return fmt.Errorf("remote: layout of %s: %w", id, err)
}
