// Package syncedobj implements SyncedObj (§4.6): the per-object façade
// that owns status, coordinates reads against local and remote version
// caches, and drives writes, uploads, and base-absorption through
// internal/objfile and internal/status.
package syncedobj

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/3nsoft-go/synced-objstore/internal/objfile"
	"github.com/3nsoft-go/synced-objstore/internal/objid"
	"github.com/3nsoft-go/synced-objstore/internal/remote"
	"github.com/3nsoft-go/synced-objstore/internal/status"
)

// ScheduleGCFn is called whenever an object's non-garbage set may have
// shrunk (upload completion, remote change absorption, removal), matching
// the "schedules GC" hand-off described across §4.6/§4.10.
type ScheduleGCFn func(id objid.ID)

// Uploader tees a newly-written version's write stream up to remote storage
// as it lands on disk, mirroring upsync.UpSyncer.TapFileWrite's signature
// one layer removed so this package never imports internal/upsync (the
// arena-and-index shape: Obj hands the uploader a value handle to itself,
// never the other way around).
type Uploader func(ctx context.Context, obj *Obj, isFirstVersion bool, localVersion, baseVersion status.Version, header []byte, writes <-chan objfile.FileWrite, src *objfile.ObjSource) error

// Remover posts a removal request for the object's current version and
// records the removal-and-GC hand-off, mirroring
// upsync.UpSyncer.RemoveCurrentVersionOf.
type Remover func(ctx context.Context, obj *Obj, currentVersion status.Version) error

// cachedVersion is one entry of SyncedObj's bounded TTL handle caches.
type cachedVersion struct {
	obj      *objfile.ObjOnDisk
	lastUsed time.Time
}

// Obj is the per-object façade. All of its exported methods are intended to
// be invoked only from inside a SynchronizerOnObjId action for this id — it
// performs no locking of its own beyond protecting its internal caches,
// per I6.
type Obj struct {
	id         objid.ID
	folder     string
	downloader *remote.Downloader
	scheduleGC ScheduleGCFn
	upload     Uploader
	remove     Remover
	logger     *slog.Logger

	versionTTL time.Duration

	mu         sync.Mutex
	st         *status.Status
	localVers  map[status.Version]*cachedVersion
	remoteVers map[status.Version]*cachedVersion
}

// New constructs a SyncedObj over an already-loaded status and folder.
func New(id objid.ID, folder string, st *status.Status, downloader *remote.Downloader, scheduleGC ScheduleGCFn, versionTTL time.Duration, logger *slog.Logger) *Obj {
	if logger == nil {
		logger = slog.Default()
	}

	return &Obj{
		id:         id,
		folder:     folder,
		st:         st,
		downloader: downloader,
		scheduleGC: scheduleGC,
		versionTTL: versionTTL,
		logger:     logger,
		localVers:  make(map[status.Version]*cachedVersion),
		remoteVers: make(map[status.Version]*cachedVersion),
	}
}

// SetUploader wires an Uploader in after construction, the same
// construction-order-breaking shape as objfiles.Store.SetScheduler: ObjFiles
// builds the Obj first, then hands it the UpSyncer-backed closure.
func (o *Obj) SetUploader(u Uploader) {
	o.upload = u
}

// SetRemover wires a Remover in after construction, mirroring SetUploader.
func (o *Obj) SetRemover(r Remover) {
	o.remove = r
}

// ID returns the object's id.
func (o *Obj) ID() objid.ID { return o.id }

// Folder returns the object's on-disk folder, for GC's file enumeration.
func (o *Obj) Folder() string { return o.folder }

// Status returns a snapshot of the object's current status.
func (o *Obj) Status() status.Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	return *o.st
}

func (o *Obj) localPath(v status.Version, ext string) string {
	return filepath.Join(o.folder, strconv.FormatUint(uint64(v), 10)+"."+ext)
}

// statusPath is status.json's path within the object's folder.
func (o *Obj) statusPath() string {
	return filepath.Join(o.folder, "status.json")
}

// persist writes the in-memory status back to disk. Callers hold o.mu.
// Status mutations matter only once durable, per I1–I6's reliance on
// status.json surviving a restart.
func (o *Obj) persist() error {
	if err := o.st.WriteTo(o.statusPath()); err != nil {
		return fmt.Errorf("syncedobj: %s: persisting status: %w", o.id, err)
	}

	return nil
}

// currentVersionPath resolves the on-disk path of the status's active local
// version, trying both the "unsynced" (still local-only) and "v" (already
// renamed on upload completion, per I3) extensions.
func (o *Obj) currentVersionPath(v status.Version) (string, error) {
	for _, ext := range []string{"unsynced", "v"} {
		p := o.localPath(v, ext)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("syncedobj: no on-disk file for %s version %d", o.id, v)
}

// saveNewVersion creates a new local version file, subscribing to encStream.
// Per §4.6, the status's current version is not flipped to this new version
// until the stream completes (status.SetLocalCurrentVersion); a stream error
// drops the partial file and leaves status untouched.
func (o *Obj) saveNewVersion(ctx context.Context, version status.Version, baseVersion *status.Version, encStream io.Reader) (*objfile.ObjOnDisk, <-chan objfile.FileWrite, error) {
	path := o.localPath(version, "unsynced")

	var header []byte

	obj, writes, err := objfile.CreateFileForWriteOfNewVersion(path, header, encStream)
	if err != nil {
		return nil, nil, fmt.Errorf("syncedobj: %s: creating version %d: %w", o.id, version, err)
	}

	o.mu.Lock()
	o.localVers[version] = &cachedVersion{obj: obj, lastUsed: timeNow()}
	o.mu.Unlock()

	doneWrites := make(chan objfile.FileWrite)

	go func() {
		defer close(doneWrites)

		for fw := range writes {
			doneWrites <- fw
		}

		if err := obj.Err(); err != nil {
			o.mu.Lock()
			delete(o.localVers, version)
			o.mu.Unlock()

			o.logger.Warn("version write aborted", "obj_id", o.id.String(), "version", version, "error", err)

			return
		}

		o.mu.Lock()
		o.st.SetLocalCurrentVersion(version, baseVersion)
		persistErr := o.persist()
		o.mu.Unlock()

		if persistErr != nil {
			o.logger.Warn("failed to persist status after local write", "obj_id", o.id.String(), "version", version, "error", persistErr)
		}

		o.logger.Debug("local version committed", "obj_id", o.id.String(), "version", version)
	}()

	return obj, doneWrites, nil
}

// SaveNewVersion is the write-path entry point: it creates the local
// version file from encStream and, once an Uploader is wired in, tees the
// write stream up to remote storage as it lands on disk, per §4.6/§4.9's
// data flow (`saveNewVersion` → local file → UpSyncer tee → remote upload).
// With no Uploader wired (bring-up, or a store running fully offline), the
// stream is still drained so the version commits locally and the object is
// simply left local-only.
func (o *Obj) SaveNewVersion(ctx context.Context, version status.Version, baseVersion *status.Version, header []byte, encStream io.Reader) error {
	obj, writes, err := o.saveNewVersion(ctx, version, baseVersion, encStream)
	if err != nil {
		return err
	}

	if o.upload == nil {
		go func() {
			for range writes {
			}
		}()

		return nil
	}

	isFirstVersion := baseVersion == nil

	var bv status.Version
	if baseVersion != nil {
		bv = *baseVersion
	}

	src := obj.GetSrc(nil)

	go func() {
		if err := o.upload(ctx, o, isFirstVersion, version, bv, header, writes, src); err != nil {
			o.logger.Warn("uploading new version failed", "obj_id", o.id.String(), "version", version, "error", err)
		}
	}()

	return nil
}

// RequestCurrentVersionRemoval marks the current version's removal pending
// and, once a Remover is wired in, posts the removal to remote storage,
// finally recording the removal-and-GC hand-off on success.
func (o *Obj) RequestCurrentVersionRemoval(ctx context.Context) error {
	sync := o.Status().SyncStatus()
	if sync.Local == nil && sync.Synced == nil {
		return fmt.Errorf("syncedobj: %s: no current version to remove", o.id)
	}

	if err := o.RemoveCurrentVersion(); err != nil {
		return err
	}

	if o.remove == nil {
		return nil
	}

	current := sync.Local
	if current == nil {
		current = sync.Synced
	}

	go func() {
		if err := o.remove(ctx, o, *current); err != nil {
			o.logger.Warn("requesting removal failed", "obj_id", o.id.String(), "version", *current, "error", err)
		}
	}()

	return nil
}

// CombineLocalBaseIfPresent absorbs version's immediate local base into the
// version file itself, so an upload never needs to reference a purely
// local base that GC might otherwise collect out from under it.
func (o *Obj) CombineLocalBaseIfPresent(version status.Version) error {
	o.mu.Lock()
	base, hasBase := o.st.BaseOfLocalVersion(version)
	o.mu.Unlock()

	if !hasBase || base == nil {
		return nil
	}

	basePath, err := o.currentVersionPath(*base)
	if err != nil {
		return fmt.Errorf("syncedobj: %s: locating base %d to absorb: %w", o.id, *base, err)
	}

	o.mu.Lock()
	cached, ok := o.localVers[version]
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("syncedobj: %s: version %d not in local cache for absorption", o.id, version)
	}

	if err := cached.obj.AbsorbImmediateBaseVersion(basePath); err != nil {
		return fmt.Errorf("syncedobj: %s: absorbing base for version %d: %w", o.id, version, err)
	}

	return nil
}

// RecordUploadCompletion renames the local version file to its server-
// assigned remote version number, applies any header rewrite, updates
// status, and schedules GC — the upload-completion sequence of §4.6.
func (o *Obj) RecordUploadCompletion(localVersion status.Version, uploadVersion status.Version, headerChange []byte) error {
	o.mu.Lock()
	cached, ok := o.localVers[localVersion]
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("syncedobj: %s: local version %d not cached for completion", o.id, localVersion)
	}

	newPath := o.localPath(uploadVersion, "v")

	if err := cached.obj.MoveFileAndProxyThis(newPath, headerChange); err != nil {
		return fmt.Errorf("syncedobj: %s: completing upload of version %d as %d: %w", o.id, localVersion, uploadVersion, err)
	}

	o.mu.Lock()
	delete(o.localVers, localVersion)
	o.remoteVers[uploadVersion] = cached
	o.st.RecordUploadCompletion(localVersion, uploadVersion)
	persistErr := o.persist()
	o.mu.Unlock()

	if persistErr != nil {
		return fmt.Errorf("syncedobj: %s: completing upload of version %d as %d: %w", o.id, localVersion, uploadVersion, persistErr)
	}

	if o.scheduleGC != nil {
		o.scheduleGC(o.id)
	}

	return nil
}

// RecordRemovalUploadAndGC records that the server-side removal of this
// object's current version succeeded, schedules GC for the physical
// cleanup, and returns.
func (o *Obj) RecordRemovalUploadAndGC() {
	o.mu.Lock()
	o.st.RecordRemoteRemovalCompletion()
	persistErr := o.persist()
	o.mu.Unlock()

	if persistErr != nil {
		o.logger.Warn("failed to persist status after removal completion", "obj_id", o.id.String(), "error", persistErr)
	}

	if o.scheduleGC != nil {
		o.scheduleGC(o.id)
	}
}

// RemoveCurrentVersion is a status-level deletion: physical file removal is
// deferred to GC so that an in-flight reader of the current version never
// sees a file vanish underneath it. Used by the orchestrator driving a
// caller-initiated object removal (as opposed to a server-origin one, which
// arrives through RecordRemoteRemoval).
func (o *Obj) RemoveCurrentVersion() error {
	o.mu.Lock()
	o.st.MarkRemovalPending()
	persistErr := o.persist()
	o.mu.Unlock()

	if persistErr != nil {
		return fmt.Errorf("syncedobj: %s: marking removal pending: %w", o.id, persistErr)
	}

	return nil
}

// RecordRemoteChange absorbs a remote change notification's new version
// number into status, per ObjStatus.RecordRemoteChange's idempotency. It
// schedules GC since absorbing a new remote version can make a prior one
// collectable.
func (o *Obj) RecordRemoteChange(newVersion status.Version) error {
	o.mu.Lock()
	o.st.RecordRemoteChange(newVersion)
	persistErr := o.persist()
	o.mu.Unlock()

	if persistErr != nil {
		return fmt.Errorf("syncedobj: %s: recording remote change to %d: %w", o.id, newVersion, persistErr)
	}

	if o.scheduleGC != nil {
		o.scheduleGC(o.id)
	}

	return nil
}

// RecordRemoteRemoval absorbs a server-origin object-removed notification.
func (o *Obj) RecordRemoteRemoval() error {
	o.mu.Lock()
	o.st.RecordRemoteRemoval()
	persistErr := o.persist()
	o.mu.Unlock()

	if persistErr != nil {
		return fmt.Errorf("syncedobj: %s: recording remote removal: %w", o.id, persistErr)
	}

	if o.scheduleGC != nil {
		o.scheduleGC(o.id)
	}

	return nil
}

// RecordVersionArchival absorbs a version-archived notification: v is no
// longer the object's current server version but remains fetchable as
// history until an archived-version-removed notification retires it.
func (o *Obj) RecordVersionArchival(v status.Version) error {
	o.mu.Lock()
	o.st.RecordVersionArchival(v)
	persistErr := o.persist()
	o.mu.Unlock()

	if persistErr != nil {
		return fmt.Errorf("syncedobj: %s: recording archival of version %d: %w", o.id, v, persistErr)
	}

	return nil
}

// RecordArchivedVersionRemoval absorbs an archived-version-removed
// notification, making v collectable by GC.
func (o *Obj) RecordArchivedVersionRemoval(v status.Version) error {
	o.mu.Lock()
	o.st.RecordArchVersionRemoval(v)
	persistErr := o.persist()
	o.mu.Unlock()

	if persistErr != nil {
		return fmt.Errorf("syncedobj: %s: recording removal of archived version %d: %w", o.id, v, persistErr)
	}

	if o.scheduleGC != nil {
		o.scheduleGC(o.id)
	}

	return nil
}

// GetNonGarbageVersions returns the {local, remote, uploadVersion} triple
// GC consumes to decide what is collectable.
func (o *Obj) GetNonGarbageVersions() (local, remoteVersions status.NonGarbage, uploadVersion *status.Version) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.st.GetNonGarbageVersions()
}

// dropCachedVersionsOlderThan evicts cached handles for versions strictly
// less than keep — the fixed version of the teacher's shadowing bug
// (comparing the cached version against the argument, not the loop
// variable against itself).
func (o *Obj) dropCachedVersionsOlderThan(keep status.Version) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for v := range o.localVers {
		if v < keep {
			delete(o.localVers, v)
		}
	}

	for v := range o.remoteVers {
		if v < keep {
			delete(o.remoteVers, v)
		}
	}
}

// sweepExpired evicts cache entries idle longer than versionTTL, trimming
// SyncedObj's open-handle footprint without affecting status or on-disk
// state.
func (o *Obj) sweepExpired() {
	o.mu.Lock()
	defer o.mu.Unlock()

	cutoff := timeNow().Add(-o.versionTTL)

	for v, cv := range o.localVers {
		if cv.lastUsed.Before(cutoff) {
			delete(o.localVers, v)
		}
	}

	for v, cv := range o.remoteVers {
		if cv.lastUsed.Before(cutoff) {
			delete(o.remoteVers, v)
		}
	}
}

var timeNow = time.Now
