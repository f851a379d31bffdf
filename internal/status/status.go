// Package status implements ObjStatus, the per-object persistent state
// machine described by the synced object store's data model: which
// versions are local-only, which have been uploaded and under what remote
// version number, what the remote side's head is, and which versions must
// be kept out of the garbage collector's reach.
//
// A Status value is not safe for concurrent use by itself — every method
// here assumes the caller already holds the per-object lock
// (synclock.Synchronizer.Run keyed on the object id), per invariant I6 of
// the data model.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Version is an object version number. Versions are positive and strictly
// monotonic within an object's history; 0 is never a valid version and is
// used as the zero value meaning "no version".
type Version uint64

// SyncState is the coarse sync state returned by Status.SyncStatus.
type SyncState string

// SyncState values, matching the transitions summarized in the data model.
const (
	StateNone        SyncState = "none"
	StateUnsynced    SyncState = "unsynced"
	StateSynced      SyncState = "synced"
	StateBehind      SyncState = "behind"
	StateConflicting SyncState = "conflicting"
)

// SyncStatus is the snapshot returned by Status.SyncStatus and by
// SyncedObj to broadcast listeners.
type SyncStatus struct {
	State  SyncState
	Local  *Version
	Synced *Version
	Remote *Version
}

// NonGarbage is one side (local or remote) of the non-garbage bookkeeping
// the GC consults. Versions lists versions that must never be collected
// regardless of GCMax; GCMax, when set, additionally protects every version
// >= GCMax even if not individually listed (everything strictly below GCMax
// and not individually listed is fair game).
type NonGarbage struct {
	Versions map[Version]struct{} `json:"versions"`
	GCMax    *Version             `json:"gcMax,omitempty"`
}

func newNonGarbage() NonGarbage {
	return NonGarbage{Versions: make(map[Version]struct{})}
}

func (ng *NonGarbage) protect(v Version) {
	if ng.Versions == nil {
		ng.Versions = make(map[Version]struct{})
	}

	ng.Versions[v] = struct{}{}
}

func (ng *NonGarbage) unprotect(v Version) {
	delete(ng.Versions, v)
}

// Contains reports whether v must be preserved: either listed explicitly,
// or GCMax is unset, or v is at or above GCMax.
func (ng NonGarbage) Contains(v Version) bool {
	if _, ok := ng.Versions[v]; ok {
		return true
	}

	return ng.GCMax == nil || v >= *ng.GCMax
}

// localEntry records one local-only version and its base relation, if any.
type localEntry struct {
	Base *Version `json:"base,omitempty"`
}

// Status is the persistent per-object state machine (ObjStatus).
type Status struct {
	CurrentVersion       *Version               `json:"currentVersion,omitempty"`
	LocalVersions        map[Version]localEntry `json:"localVersions"`
	SyncedVersions       map[Version]Version    `json:"syncedVersions"`
	RemoteLatest         Version                `json:"remoteLatest"`
	ArchivedVersions     map[Version]struct{}   `json:"archivedVersions"`
	Archived             bool                   `json:"archived"`
	NeedsRemovalOnRemote bool                   `json:"needsRemovalOnRemote"`
	PendingUploadVersion *Version               `json:"pendingUploadVersion,omitempty"`
	LocalNonGarbage      NonGarbage             `json:"localNonGarbage"`
	RemoteNonGarbage     NonGarbage             `json:"remoteNonGarbage"`
}

// New creates the empty status of a brand-new, never-written object.
func New() *Status {
	return &Status{
		LocalVersions:    make(map[Version]localEntry),
		SyncedVersions:   make(map[Version]Version),
		ArchivedVersions: make(map[Version]struct{}),
		LocalNonGarbage:  newNonGarbage(),
		RemoteNonGarbage: newNonGarbage(),
	}
}

// NewForDownloadedVersion creates the status of an object this device has
// just learned about by downloading its current server version, with no
// local history of its own yet. The downloaded version is recorded as
// already synced (local view and remote view coincide) so that ordinary
// reads are served straight from the `.v` file ObjFiles materialized.
func NewForDownloadedVersion(currentOnServer Version) *Status {
	s := New()
	s.CurrentVersion = &currentOnServer
	s.SyncedVersions[currentOnServer] = currentOnServer
	s.RemoteLatest = currentOnServer
	s.RemoteNonGarbage.protect(currentOnServer)
	s.RemoteNonGarbage.GCMax = &currentOnServer

	return s
}

// SetLocalCurrentVersion records a newly written local-only version as the
// object's current head. If baseVersion is non-nil, the base relation is
// recorded and the base is protected from GC until it is absorbed or its
// upload completes.
func (s *Status) SetLocalCurrentVersion(version Version, baseVersion *Version) {
	s.LocalVersions[version] = localEntry{Base: baseVersion}
	s.CurrentVersion = &version

	s.LocalNonGarbage.protect(version)
	s.LocalNonGarbage.GCMax = &version

	if baseVersion != nil {
		s.protectBase(*baseVersion)
	}
}

// protectBase marks a base version (whichever side it lives on) non-garbage.
func (s *Status) protectBase(base Version) {
	if uv, ok := s.SyncedVersions[base]; ok {
		s.RemoteNonGarbage.protect(uv)
		return
	}

	s.LocalNonGarbage.protect(base)
}

// RecordUploadCompletion maps a local-only version to its assigned remote
// version number once the upload has been acknowledged by the server. It
// advances remoteLatest (I4), moves the version out of the local-only set
// and its explicit local protection (I3: the unsynced file is renamed to a
// `v` file by the caller, which the remote side now protects), and prunes
// any now-unreferenced base versions from the non-garbage sets.
func (s *Status) RecordUploadCompletion(localVersion, uploadVersion Version) {
	delete(s.LocalVersions, localVersion)
	s.LocalNonGarbage.unprotect(localVersion)
	s.SyncedVersions[localVersion] = uploadVersion

	if uploadVersion > s.RemoteLatest {
		s.RemoteLatest = uploadVersion
	}

	s.RemoteNonGarbage.protect(uploadVersion)
	s.RemoteNonGarbage.GCMax = &uploadVersion

	if s.PendingUploadVersion != nil && *s.PendingUploadVersion == uploadVersion {
		s.PendingUploadVersion = nil
	}

	s.pruneUnreferencedBases()
}

// RecordUploadBegin records that an upload session targeting uploadVersion
// is in flight, so the GC does not treat its `<uploadVersion>.upload`
// sidecar as an orphan while it is still being written.
func (s *Status) RecordUploadBegin(uploadVersion Version) {
	s.PendingUploadVersion = &uploadVersion
}

// RecordUploadAborted clears a pending upload marker after a failed or
// cancelled upload session, leaving the local-only version as is.
func (s *Status) RecordUploadAborted() {
	s.PendingUploadVersion = nil
}

// pruneUnreferencedBases drops non-garbage entries that no remaining
// local-only version's base relation points at, other than the protection
// each side's GCMax watermark already provides. It is intentionally
// conservative: a base is only dropped from the explicit set, never forced
// below GCMax.
func (s *Status) pruneUnreferencedBases() {
	referenced := make(map[Version]bool)

	for _, entry := range s.LocalVersions {
		if entry.Base == nil {
			continue
		}

		if uv, ok := s.SyncedVersions[*entry.Base]; ok {
			referenced[uv] = true
		} else {
			referenced[*entry.Base] = true
		}
	}

	if cur := s.CurrentVersion; cur != nil {
		if uv, ok := s.SyncedVersions[*cur]; ok {
			referenced[uv] = true
		} else {
			referenced[*cur] = true
		}
	}

	for v := range s.LocalNonGarbage.Versions {
		if !referenced[v] && (s.LocalNonGarbage.GCMax == nil || v < *s.LocalNonGarbage.GCMax) {
			s.LocalNonGarbage.unprotect(v)
		}
	}

	for v := range s.RemoteNonGarbage.Versions {
		if v == s.RemoteLatest {
			continue
		}

		if !referenced[v] && (s.RemoteNonGarbage.GCMax == nil || v < *s.RemoteNonGarbage.GCMax) {
			s.RemoteNonGarbage.unprotect(v)
		}
	}
}

// RecordRemoteChange folds in a remote-origin "object changed" notification.
// It is idempotent: applying the same newVer twice (or an older/equal one)
// leaves the status unchanged (P4).
func (s *Status) RecordRemoteChange(newVer Version) {
	if newVer <= s.RemoteLatest {
		return
	}

	s.RemoteLatest = newVer
}

// RecordRemoteRemoval folds in a server-origin "object removed" event: the
// server has already deleted the object, so there is nothing left to upload.
func (s *Status) RecordRemoteRemoval() {
	s.Archived = true
	s.NeedsRemovalOnRemote = false
}

// RecordVersionArchival folds in a server-origin "version archived" event.
func (s *Status) RecordVersionArchival(v Version) {
	s.ArchivedVersions[v] = struct{}{}
}

// RecordArchVersionRemoval folds in a server-origin "archived version
// removed" event: the server has physically discarded that version's
// bytes, so this device's non-garbage bookkeeping no longer needs to
// protect it.
func (s *Status) RecordArchVersionRemoval(v Version) {
	delete(s.ArchivedVersions, v)
	s.RemoteNonGarbage.unprotect(v)
}

// MarkRemovalPending records that this device wants the object removed on
// the server; the removal itself is uploaded by the caller (UpSyncer).
func (s *Status) MarkRemovalPending() {
	s.NeedsRemovalOnRemote = true
}

// RecordRemoteRemovalCompletion folds in the successful completion of this
// device's own upload-of-removal request.
func (s *Status) RecordRemoteRemovalCompletion() {
	s.Archived = true
	s.NeedsRemovalOnRemote = false
}

// GetNonGarbageVersions returns the {local, remote} non-garbage snapshot
// consumed by the GC's collectIn, plus the version (if any) of an in-flight
// upload whose sidecar must not be treated as an orphan.
func (s *Status) GetNonGarbageVersions() (local, remote NonGarbage, uploadVersion *Version) {
	return s.LocalNonGarbage, s.RemoteNonGarbage, s.PendingUploadVersion
}

// IsArchived reports whether the whole object has been archived (removed).
func (s *Status) IsArchived() bool {
	return s.Archived
}

// RemovalPending reports whether a removal upload is still pending.
func (s *Status) RemovalPending() bool {
	return s.NeedsRemovalOnRemote
}

// NeverUploaded reports whether this object has never had any version
// acknowledged by the server.
func (s *Status) NeverUploaded() bool {
	return len(s.SyncedVersions) == 0 && s.RemoteLatest == 0
}

// LatestSyncedVersion returns the highest local version this device has had
// acknowledged as uploaded, and whether any exists.
func (s *Status) LatestSyncedVersion() (Version, bool) {
	var best Version
	found := false

	for local := range s.SyncedVersions {
		if !found || local > best {
			best = local
			found = true
		}
	}

	return best, found
}

// BaseOfLocalVersion returns the base version recorded for a still
// local-only version, and whether v is tracked as local-only at all.
func (s *Status) BaseOfLocalVersion(v Version) (base *Version, ok bool) {
	entry, ok := s.LocalVersions[v]
	if !ok {
		return nil, false
	}

	return entry.Base, true
}

// UploadVersionOf returns the remote version number a local version was
// assigned, if it has been uploaded.
func (s *Status) UploadVersionOf(v Version) (Version, bool) {
	uv, ok := s.SyncedVersions[v]
	return uv, ok
}

// SyncStatus computes the coarse sync state for the current head version.
func (s *Status) SyncStatus() SyncStatus {
	if s.CurrentVersion == nil {
		return SyncStatus{State: StateNone}
	}

	cur := *s.CurrentVersion

	if uv, synced := s.SyncedVersions[cur]; synced {
		if s.RemoteLatest > uv {
			remote := s.RemoteLatest
			return SyncStatus{State: StateBehind, Local: &cur, Synced: &uv, Remote: &remote}
		}

		return SyncStatus{State: StateSynced, Local: &cur, Synced: &uv}
	}

	// Local-only head: compare against the version it was forked from.
	effectiveBase, hasBase := s.BaseOfLocalVersion(cur)

	var baseFloor *Version

	switch {
	case hasBase && effectiveBase != nil:
		if uv, ok := s.SyncedVersions[*effectiveBase]; ok {
			baseFloor = &uv
		} else {
			baseFloor = effectiveBase
		}
	default:
		if latest, ok := s.LatestSyncedVersion(); ok {
			uv := s.SyncedVersions[latest]
			baseFloor = &uv
		}
	}

	if baseFloor != nil && s.RemoteLatest > *baseFloor {
		remote := s.RemoteLatest
		return SyncStatus{State: StateConflicting, Local: &cur, Remote: &remote}
	}

	return SyncStatus{State: StateUnsynced, Local: &cur}
}

// Removable reports whether the object folder as a whole is collectable:
// archived, no removal upload still pending, and both non-garbage sets
// empty of explicit protections (I5). GCMax is not consulted.
func (s *Status) Removable() bool {
	if !s.Archived || s.NeedsRemovalOnRemote {
		return false
	}

	return len(s.LocalNonGarbage.Versions) == 0 && len(s.RemoteNonGarbage.Versions) == 0
}

// ReadFrom loads and parses a status.json file.
func ReadFrom(path string) (*Status, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("status: reading %s: %w", path, err)
	}

	var s Status
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("status: parsing %s: %w", path, err)
	}

	if s.LocalVersions == nil {
		s.LocalVersions = make(map[Version]localEntry)
	}

	if s.SyncedVersions == nil {
		s.SyncedVersions = make(map[Version]Version)
	}

	if s.ArchivedVersions == nil {
		s.ArchivedVersions = make(map[Version]struct{})
	}

	if s.LocalNonGarbage.Versions == nil {
		s.LocalNonGarbage.Versions = make(map[Version]struct{})
	}

	if s.RemoteNonGarbage.Versions == nil {
		s.RemoteNonGarbage.Versions = make(map[Version]struct{})
	}

	return &s, nil
}

// statusFilePermissions matches the teacher's config file permission
// convention: owner read/write, group and others read-only.
const statusFilePermissions = 0o644

// WriteTo persists Status to path atomically: write to a temp file in the
// same directory, then rename over the target. A crash between the two
// steps never leaves a partially written status.json (P6).
func (s *Status) WriteTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("status: creating object folder %s: %w", dir, err)
	}

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("status: encoding %s: %w", path, err)
	}

	f, err := os.CreateTemp(dir, ".status-*.tmp")
	if err != nil {
		return fmt.Errorf("status: creating temp file in %s: %w", dir, err)
	}

	tempPath := f.Name()

	succeeded := false
	defer func() {
		if !succeeded {
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("status: writing temp file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("status: syncing temp file: %w", err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("status: closing temp file: %w", err)
	}

	if err := os.Chmod(tempPath, statusFilePermissions); err != nil {
		return fmt.Errorf("status: setting permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("status: renaming into place: %w", err)
	}

	succeeded = true

	return nil
}
