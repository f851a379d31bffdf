// Package storeengine wires RemoteEvents notifications into ObjFiles and
// SyncedObj and runs the cold-tier demotion sweep — the counterpart of the
// teacher's sync.Orchestrator, one layer up from any single object. The
// store's startup and shutdown sequence lives in the main package, not here.
package storeengine

import (
	"context"
	"log/slog"

	"github.com/3nsoft-go/synced-objstore/internal/events"
	"github.com/3nsoft-go/synced-objstore/internal/objfolders"
	"github.com/3nsoft-go/synced-objstore/internal/objid"
	"github.com/3nsoft-go/synced-objstore/internal/status"
	"github.com/3nsoft-go/synced-objstore/internal/syncedobj"
)

func objVersion(v uint64) status.Version { return status.Version(v) }

// ObjStore is the subset of objfiles.Store the engine depends on to resolve
// an event's target object.
type ObjStore interface {
	FindObj(ctx context.Context, id objid.ID) (*syncedobj.Obj, error)
	RunOnObjId(ctx context.Context, id objid.ID, action func(ctx context.Context) error) error
}

// Engine owns the event-to-object wiring and the periodic cold-tier
// demotion sweep.
type Engine struct {
	store   ObjStore
	folders *objfolders.Folders
	canMove objfolders.CanMoveToColdFn
	logger  *slog.Logger
}

// New constructs an Engine. canMove defaults to
// objfolders.DefaultCanMoveToCold if nil.
func New(store ObjStore, folders *objfolders.Folders, canMove objfolders.CanMoveToColdFn, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	if canMove == nil {
		canMove = objfolders.DefaultCanMoveToCold
	}

	return &Engine{
		store:   store,
		folders: folders,
		canMove: canMove,
		logger:  logger,
	}
}

// Handlers builds the events.Handlers bridging every RemoteEvents
// notification kind into the matching SyncedObj mutation, per §4.9. Each
// handler loads (or skips, if the object was never materialized locally)
// the target object under its own SynchronizerOnObjId action, mirroring
// how upsync and gc already serialize per-object work.
func (e *Engine) Handlers() events.Handlers {
	return events.Handlers{
		OnObjectChanged: func(ctx context.Context, id objid.ID, newVer uint64) {
			e.withObj(ctx, id, func(ctx context.Context, obj *syncedobj.Obj) error {
				return obj.RecordRemoteChange(objVersion(newVer))
			})
		},
		OnObjectRemoved: func(ctx context.Context, id objid.ID) {
			e.withObj(ctx, id, func(ctx context.Context, obj *syncedobj.Obj) error {
				return obj.RecordRemoteRemoval()
			})
		},
		OnVersionArchived: func(ctx context.Context, id objid.ID, archVer uint64) {
			e.withObj(ctx, id, func(ctx context.Context, obj *syncedobj.Obj) error {
				return obj.RecordVersionArchival(objVersion(archVer))
			})
		},
		OnArchivedVersionRemoved: func(ctx context.Context, id objid.ID, archVer uint64) {
			e.withObj(ctx, id, func(ctx context.Context, obj *syncedobj.Obj) error {
				return obj.RecordArchivedVersionRemoval(objVersion(archVer))
			})
		},
	}
}

// withObj loads id under the per-object lock and applies action, logging
// (never panicking) on failure: a notification for an object this replica
// has never materialized, or a transient error, must not crash the event
// dispatch loop that delivered it.
func (e *Engine) withObj(ctx context.Context, id objid.ID, action func(ctx context.Context, obj *syncedobj.Obj) error) {
	err := e.store.RunOnObjId(ctx, id, func(ctx context.Context) error {
		obj, ferr := e.store.FindObj(ctx, id)
		if ferr != nil {
			return ferr
		}

		if obj == nil {
			e.logger.Debug("event for untracked object, ignoring", "obj_id", id.String())
			return nil
		}

		return action(ctx, obj)
	})
	if err != nil {
		e.logger.Warn("applying remote event failed", "obj_id", id.String(), "error", err)
	}
}

// SweepDemotions runs TryDemote over every recent-tier object, moving
// idle, fully-synced ones to the cold tier. Intended to be called
// periodically (see the demotion ticker in main.go's run).
func (e *Engine) SweepDemotions() {
	for _, id := range e.folders.ListRecent() {
		moved, err := e.folders.TryDemote(id, e.canMove)
		if err != nil {
			e.logger.Warn("demotion sweep failed", "obj_id", id.String(), "error", err)
			continue
		}

		if moved {
			e.logger.Debug("demoted object to cold tier", "obj_id", id.String())
		}
	}
}
