// Package objfiles implements ObjFiles (§4.7): the store that owns a
// bounded-TTL cache of SyncedObj instances, the Downloader, and the GC,
// arbitrating concurrent access by object id.
package objfiles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/3nsoft-go/synced-objstore/internal/objfile"
	"github.com/3nsoft-go/synced-objstore/internal/objfolders"
	"github.com/3nsoft-go/synced-objstore/internal/objid"
	"github.com/3nsoft-go/synced-objstore/internal/remote"
	"github.com/3nsoft-go/synced-objstore/internal/status"
	"github.com/3nsoft-go/synced-objstore/internal/synclock"
	"github.com/3nsoft-go/synced-objstore/internal/syncedobj"
	"github.com/3nsoft-go/synced-objstore/internal/upsync"
)

// Scheduler forwards a GC request for an object id, implemented by
// internal/gc.Collector.ScheduleCollection.
type Scheduler interface {
	ScheduleCollection(id objid.ID)
}


type cacheEntry struct {
	obj      *syncedobj.Obj
	lastUsed time.Time
}

// Store is ObjFiles: a factory and cache of SyncedObj, keyed by object id.
type Store struct {
	folders    *objfolders.Folders
	downloader *remote.Downloader
	storage    remote.Storage
	lock       *synclock.Synchronizer
	gc         Scheduler
	upSyncer   *upsync.UpSyncer
	logger     *slog.Logger

	objTTL     time.Duration
	versionTTL time.Duration

	mu    sync.Mutex
	objs  map[string]*cacheEntry
	group singleflight.Group
}

// New constructs a Store. gc may be nil during bring-up before the
// collector is wired in; ScheduleGC then becomes a no-op.
func New(folders *objfolders.Folders, storage remote.Storage, downloader *remote.Downloader, gc Scheduler, objTTL, versionTTL time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		folders:    folders,
		storage:    storage,
		downloader: downloader,
		lock:       synclock.New(),
		gc:         gc,
		objTTL:     objTTL,
		versionTTL: versionTTL,
		logger:     logger,
		objs:       make(map[string]*cacheEntry),
	}
}

// SetScheduler wires the collector in after construction, breaking the
// construction-order cycle between Store and gc.Collector (the collector's
// own constructor takes a Store). Safe to call once during startup, before
// any concurrent access begins.
func (s *Store) SetScheduler(gc Scheduler) {
	s.gc = gc
}

func (s *Store) scheduleGC(id objid.ID) {
	if s.gc != nil {
		s.gc.ScheduleCollection(id)
	}
}

// SetUpSyncer wires the streaming uploader in after construction, mirroring
// SetScheduler. Every Obj constructed afterward is given an Uploader/Remover
// closure over it; Objs already cached are left alone — callers wire this
// in once during startup, before the store sees concurrent traffic.
func (s *Store) SetUpSyncer(u *upsync.UpSyncer) {
	s.upSyncer = u
}

// wireUpSyncer gives obj closures that forward to the store's UpSyncer, the
// same arena-and-index shape as scheduleGC: Obj never imports upsync, it
// only holds a callback over itself.
func (s *Store) wireUpSyncer(obj *syncedobj.Obj) {
	if s.upSyncer == nil {
		return
	}

	obj.SetUploader(func(ctx context.Context, o *syncedobj.Obj, isFirstVersion bool, localVersion, baseVersion status.Version, header []byte, writes <-chan objfile.FileWrite, src *objfile.ObjSource) error {
		return s.upSyncer.TapFileWrite(ctx, o, isFirstVersion, localVersion, baseVersion, header, writes, src)
	})

	obj.SetRemover(func(ctx context.Context, o *syncedobj.Obj, currentVersion status.Version) error {
		return s.upSyncer.RemoveCurrentVersionOf(ctx, o, currentVersion)
	})
}

// FindObj returns the cached or freshly-loaded SyncedObj for id, or
// (nil, nil) if no object folder exists for id at all.
func (s *Store) FindObj(ctx context.Context, id objid.ID) (*syncedobj.Obj, error) {
	if cached := s.cacheGet(id); cached != nil {
		return cached, nil
	}

	v, err, _ := s.group.Do(id.String(), func() (interface{}, error) {
		if cached := s.cacheGet(id); cached != nil {
			return cached, nil
		}

		folder, ferr := s.folders.GetFolderAccessFor(id, false)
		if ferr != nil {
			if errors.Is(ferr, objfolders.ErrNotFound) {
				return nil, nil
			}

			return nil, fmt.Errorf("objfiles: locating folder for %s: %w", id, ferr)
		}

		st, serr := status.ReadFrom(statusPath(folder))
		if serr != nil {
			return nil, fmt.Errorf("objfiles: loading status for %s: %w", id, serr)
		}

		obj := syncedobj.New(id, folder, st, s.downloader, s.scheduleGC, s.versionTTL, s.logger)
		s.wireUpSyncer(obj)
		s.cachePut(id, obj)

		return obj, nil
	})

	if err != nil {
		return nil, err
	}

	if v == nil {
		return nil, nil
	}

	return v.(*syncedobj.Obj), nil
}

// MakeByDownloadingCurrentVersion requests id's current version header and
// layout from the server, initializes status with that version, and
// constructs the SyncedObj, per §4.7.
func (s *Store) MakeByDownloadingCurrentVersion(ctx context.Context, id objid.ID) (*syncedobj.Obj, error) {
	version, layout, err := s.downloader.GetLayout(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("objfiles: downloading layout for %s: %w", id, err)
	}

	folder, err := s.folders.GetFolderAccessFor(id, true)
	if err != nil {
		return nil, fmt.Errorf("objfiles: creating folder for %s: %w", id, err)
	}

	st := status.NewForDownloadedVersion(status.Version(version))

	if err := st.WriteTo(statusPath(folder)); err != nil {
		return nil, fmt.Errorf("objfiles: persisting status for %s: %w", id, err)
	}

	path := filepath.Join(folder, strconv.FormatUint(version, 10)+".v")
	if _, err := objfile.CreateFileForExistingVersion(path, layout.Header, layout.TotalLen); err != nil {
		return nil, fmt.Errorf("objfiles: creating skeleton for %s v%d: %w", id, version, err)
	}

	obj := syncedobj.New(id, folder, st, s.downloader, s.scheduleGC, s.versionTTL, s.logger)
	s.wireUpSyncer(obj)
	s.cachePut(id, obj)

	return obj, nil
}

// SaveFirstVersion creates a brand-new object's folder and first version,
// used when the caller has no prior knowledge of id at all. On failure the
// partially created folder is removed so a later retry starts clean.
func (s *Store) SaveFirstVersion(ctx context.Context, id objid.ID) (*syncedobj.Obj, error) {
	folder, err := s.folders.GetFolderAccessFor(id, true)
	if err != nil {
		return nil, fmt.Errorf("objfiles: creating folder for new object %s: %w", id, err)
	}

	st := status.New()

	if err := st.WriteTo(statusPath(folder)); err != nil {
		if rmErr := s.folders.RemoveFolderOf(id); rmErr != nil {
			s.logger.Warn("cleanup after failed first-version save also failed", "obj_id", id.String(), "error", rmErr)
		}

		return nil, fmt.Errorf("objfiles: persisting initial status for %s: %w", id, err)
	}

	obj := syncedobj.New(id, folder, st, s.downloader, s.scheduleGC, s.versionTTL, s.logger)
	s.wireUpSyncer(obj)
	s.cachePut(id, obj)

	return obj, nil
}

// ScheduleGC forwards a GC request for obj's id.
func (s *Store) ScheduleGC(obj *syncedobj.Obj) {
	s.scheduleGC(obj.ID())
}

// RunOnObjId serializes actions per object id through the FIFO
// SynchronizerOnObjId, satisfying I6.
func (s *Store) RunOnObjId(ctx context.Context, id objid.ID, action func(ctx context.Context) error) error {
	return s.lock.Run(ctx, id, action)
}

// DropFromCache evicts id's SyncedObj from the cache, used by GC after a
// whole-folder removal so a later FindObj reloads correctly.
func (s *Store) DropFromCache(id objid.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objs, id.String())
}

func (s *Store) cacheGet(id objid.ID) *syncedobj.Obj {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.objs[id.String()]
	if !ok {
		return nil
	}

	e.lastUsed = time.Now()

	return e.obj
}

func (s *Store) cachePut(id objid.ID, obj *syncedobj.Obj) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.objs[id.String()] = &cacheEntry{obj: obj, lastUsed: time.Now()}
}

// SweepExpired evicts cache entries idle longer than objTTL. Intended to be
// called periodically by a background ticker owned by the caller.
func (s *Store) SweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-s.objTTL)

	for key, e := range s.objs {
		if e.lastUsed.Before(cutoff) {
			delete(s.objs, key)
		}
	}
}

func statusPath(folder string) string {
	return filepath.Join(folder, "status.json")
}
