// Package gc implements GC (§4.10): the single-process-at-a-time collector
// that deletes files belonging to garbage versions and removes object
// folders once every version a folder holds is collectable.
package gc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/3nsoft-go/synced-objstore/internal/objfolders"
	"github.com/3nsoft-go/synced-objstore/internal/objid"
	"github.com/3nsoft-go/synced-objstore/internal/status"
	"github.com/3nsoft-go/synced-objstore/internal/syncedobj"
)

// statusFileName is excluded from canRemove's sweep; it is the object's
// durable state, never a version file.
const statusFileName = "status.json"

// maxSweepWorkers bounds the fan-out of collectIn's per-file deletion batch;
// the per-object lock already keeps two objects' sweeps from racing each
// other, this only parallelizes the files within one object's folder.
const maxSweepWorkers = 4

// Store is the subset of objfiles.Store's behavior the collector depends
// on, accepted as an interface so gc never needs to import the objfiles
// package's Scheduler back (objfiles.Scheduler already takes gc by
// interface in the other direction, so neither package imports the other's
// concrete *Store/*Collector type — the arena-and-index shape).
type Store interface {
	FindObj(ctx context.Context, id objid.ID) (*syncedobj.Obj, error)
	RunOnObjId(ctx context.Context, id objid.ID, action func(ctx context.Context) error) error
	DropFromCache(id objid.ID)
}

// Ledger is the derived SQLite index's subset the collector keeps in sync
// with each object's live non-garbage set, so other components can query it
// without scanning status.json files. Optional: a nil Ledger (the default
// when New is called without one) simply skips index maintenance.
type Ledger interface {
	RefreshNonGarbage(ctx context.Context, id objid.ID, st status.Status) error
	RemoveObj(ctx context.Context, id objid.ID) error
}

// Collector is GC. The zero value is not usable; construct with New.
type Collector struct {
	store   Store
	folders *objfolders.Folders
	ledger  Ledger
	logger  *slog.Logger

	mu        sync.Mutex
	wip       map[string]objid.ID
	scheduled map[string]objid.ID
	running   bool
	stopped   bool
}

// New constructs a Collector over store and folders. ledger may be nil if
// the derived SQLite index is not in use.
func New(store Store, folders *objfolders.Folders, ledger Ledger, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}

	return &Collector{
		store:     store,
		folders:   folders,
		ledger:    ledger,
		logger:    logger,
		wip:       make(map[string]objid.ID),
		scheduled: make(map[string]objid.ID),
	}
}

// ScheduleCollection adds id to the scheduled set and launches the
// collector loop if it is not already running. Dropped silently once
// Stop has been called.
func (c *Collector) ScheduleCollection(id objid.ID) {
	c.mu.Lock()

	if c.stopped {
		c.mu.Unlock()
		return
	}

	c.scheduled[id.String()] = id

	needsLaunch := !c.running
	if needsLaunch {
		c.running = true
	}

	c.mu.Unlock()

	if needsLaunch {
		go c.runLoop()
	}
}

// Stop sets the stop flag: queued work is dropped, but a collection already
// in progress runs to completion.
func (c *Collector) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = true
}

// runLoop drains wip/scheduled one object at a time until both are empty or
// Stop has been called, per §4.10's collector loop.
func (c *Collector) runLoop() {
	ctx := context.Background()

	for {
		id, ok := c.nextObj()
		if !ok {
			return
		}

		err := c.store.RunOnObjId(ctx, id, func(ctx context.Context) error {
			return c.collectIn(ctx, id)
		})
		if err != nil {
			c.logger.Warn("gc: collection failed", "obj_id", id.String(), "error", err)
		}
	}
}

// nextObj pops one object id to collect, swapping wip from scheduled when
// wip runs dry, and reports false once there is nothing left (or Stop was
// called), releasing the running flag in that case.
func (c *Collector) nextObj() (objid.ID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		c.running = false
		return objid.ID{}, false
	}

	if len(c.wip) == 0 {
		c.wip, c.scheduled = c.scheduled, make(map[string]objid.ID)
	}

	for key, id := range c.wip {
		delete(c.wip, key)
		return id, true
	}

	c.running = false

	return objid.ID{}, false
}

// collectIn performs one object's collection pass: whole-folder removal
// when I5 is satisfied, otherwise a per-file sweep against canRemove.
func (c *Collector) collectIn(ctx context.Context, id objid.ID) error {
	obj, err := c.store.FindObj(ctx, id)
	if err != nil {
		return fmt.Errorf("gc: %s: loading object: %w", id, err)
	}

	if obj == nil {
		return nil
	}

	st := obj.Status()

	if st.Removable() {
		c.store.DropFromCache(id)

		if err := c.folders.RemoveFolderOf(id); err != nil {
			return fmt.Errorf("gc: %s: removing folder: %w", id, err)
		}

		if c.ledger != nil {
			if err := c.ledger.RemoveObj(ctx, id); err != nil {
				c.logger.Warn("gc: ledger cleanup failed", "obj_id", id.String(), "error", err)
			}
		}

		c.logger.Debug("gc: removed object folder", "obj_id", id.String())

		return nil
	}

	if c.ledger != nil {
		if err := c.ledger.RefreshNonGarbage(ctx, id, st); err != nil {
			c.logger.Warn("gc: ledger refresh failed", "obj_id", id.String(), "error", err)
		}
	}

	local, remote, uploadVersion := st.GetNonGarbageVersions()

	folder := obj.Folder()

	entries, err := os.ReadDir(folder)
	if err != nil {
		return fmt.Errorf("gc: %s: reading folder: %w", id, err)
	}

	var (
		sweepMu  sync.Mutex
		sweepErr error
	)

	var g errgroup.Group
	g.SetLimit(maxSweepWorkers)

	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == statusFileName {
			continue
		}

		if !canRemove(entry.Name(), local, remote, uploadVersion) {
			continue
		}

		name := entry.Name()

		g.Go(func() error {
			path := filepath.Join(folder, name)
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				sweepMu.Lock()
				sweepErr = multierr.Append(sweepErr, fmt.Errorf("%s: %w", name, rmErr))
				sweepMu.Unlock()
			}

			return nil
		})
	}

	g.Wait()

	if sweepErr != nil {
		c.logger.Warn("gc: sweep had removal failures", "obj_id", id.String(), "error", sweepErr)
		return fmt.Errorf("gc: %s: sweeping garbage files: %w", id, sweepErr)
	}

	return nil
}

// canRemove classifies a version-file name as garbage per §4.10's rules,
// keyed on its extension: "unsynced" against the local side, "v" against
// the remote side, "upload" against the in-flight upload marker. Any other
// extension is kept untouched.
func canRemove(name string, local, remote status.NonGarbage, uploadVersion *status.Version) bool {
	ext := filepath.Ext(name)
	if ext == "" {
		return false
	}

	stem := name[:len(name)-len(ext)]
	ext = ext[1:] // drop the leading dot

	n, err := strconv.ParseUint(stem, 10, 64)

	switch ext {
	case "unsynced":
		if err != nil {
			return true
		}

		return !local.Contains(status.Version(n))
	case "v":
		if err != nil {
			return true
		}

		return !remote.Contains(status.Version(n))
	case "upload":
		if err != nil {
			return true
		}

		return uploadVersion == nil || status.Version(n) != *uploadVersion
	default:
		return false
	}
}
