// Package index implements a derived, rebuildable SQLite index over the
// object store's per-object status files: a non-garbage ledger, a
// pending-upload/removal queue, and a conflict list that ObjFiles, GC, and
// UpSyncer can query cheaply instead of scanning every status.json. The
// per-object status.json file remains the durable source of truth (I1–I6
// are defined against it) — this index is a cache the store can drop and
// rebuild at any time by re-reading every status file, never written to
// ahead of the status file it mirrors.
package index

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers as "sqlite"

	"github.com/3nsoft-go/synced-objstore/internal/objid"
	"github.com/3nsoft-go/synced-objstore/internal/status"
)

const walJournalSizeLimit = 64 * 1024 * 1024

// Index owns the SQLite connection and every prepared statement the store's
// hot paths use.
type Index struct {
	db     *sql.DB
	logger *slog.Logger

	upsertNonGarbage *sql.Stmt
	clearNonGarbage  *sql.Stmt
	deleteObj        *sql.Stmt

	enqueueUpload *sql.Stmt
	dequeueUpload *sql.Stmt
	listUploads   *sql.Stmt

	enqueueRemoval *sql.Stmt
	dequeueRemoval *sql.Stmt
	listRemovals   *sql.Stmt

	recordConflict *sql.Stmt
	resolveConflict *sql.Stmt
	listConflicts  *sql.Stmt
}

// Open opens (creating if absent) the SQLite database at path, applies
// migrations, and prepares statements. Use ":memory:" in tests.
func Open(path string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("index: opening %s: %w", path, err)
	}

	ctx := context.Background()

	if err := setPragmas(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	idx := &Index{db: db, logger: logger}

	if err := idx.prepareStatements(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("index: preparing statements: %w", err)
	}

	return idx, nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("index: setting pragma %q: %w", p, err)
		}
	}

	return nil
}

func (idx *Index) prepareStatements(ctx context.Context) error {
	stmts := []struct {
		dst  **sql.Stmt
		text string
	}{
		{&idx.upsertNonGarbage, `INSERT OR IGNORE INTO nongarbage (obj_id, side, version) VALUES (?, ?, ?)`},
		{&idx.clearNonGarbage, `DELETE FROM nongarbage WHERE obj_id = ?`},
		{&idx.deleteObj, `DELETE FROM nongarbage WHERE obj_id = ?`},
		{&idx.enqueueUpload, `INSERT INTO pending_uploads (obj_id, local_version, base_version, enqueued_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(obj_id) DO UPDATE SET local_version = excluded.local_version, base_version = excluded.base_version, enqueued_at = excluded.enqueued_at`},
		{&idx.dequeueUpload, `DELETE FROM pending_uploads WHERE obj_id = ?`},
		{&idx.listUploads, `SELECT obj_id, local_version, base_version FROM pending_uploads ORDER BY enqueued_at`},
		{&idx.enqueueRemoval, `INSERT OR REPLACE INTO pending_removals (obj_id, enqueued_at) VALUES (?, ?)`},
		{&idx.dequeueRemoval, `DELETE FROM pending_removals WHERE obj_id = ?`},
		{&idx.listRemovals, `SELECT obj_id FROM pending_removals ORDER BY enqueued_at`},
		{&idx.recordConflict, `INSERT OR REPLACE INTO conflicts (obj_id, local_version, remote_version, detected_at) VALUES (?, ?, ?, ?)`},
		{&idx.resolveConflict, `DELETE FROM conflicts WHERE obj_id = ?`},
		{&idx.listConflicts, `SELECT obj_id, local_version, remote_version FROM conflicts ORDER BY detected_at`},
	}

	for _, s := range stmts {
		stmt, err := idx.db.PrepareContext(ctx, s.text)
		if err != nil {
			return fmt.Errorf("preparing %q: %w", s.text, err)
		}

		*s.dst = stmt
	}

	return nil
}

// Close releases the underlying database connection.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// RefreshNonGarbage replaces id's non-garbage ledger rows with a snapshot
// derived from its current status — the index's only writer for this
// table, always called with the status that was just persisted to disk.
func (idx *Index) RefreshNonGarbage(ctx context.Context, id objid.ID, st status.Status) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: %s: beginning refresh: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.StmtContext(ctx, idx.clearNonGarbage).ExecContext(ctx, id.String()); err != nil {
		return fmt.Errorf("index: %s: clearing ledger: %w", id, err)
	}

	local, remote, _ := st.GetNonGarbageVersions()

	for v := range local.Versions {
		if _, err := tx.StmtContext(ctx, idx.upsertNonGarbage).ExecContext(ctx, id.String(), "local", uint64(v)); err != nil {
			return fmt.Errorf("index: %s: recording local non-garbage %d: %w", id, v, err)
		}
	}

	for v := range remote.Versions {
		if _, err := tx.StmtContext(ctx, idx.upsertNonGarbage).ExecContext(ctx, id.String(), "remote", uint64(v)); err != nil {
			return fmt.Errorf("index: %s: recording remote non-garbage %d: %w", id, v, err)
		}
	}

	return tx.Commit()
}

// RemoveObj drops every row for id, called once GC has removed the whole
// object folder.
func (idx *Index) RemoveObj(ctx context.Context, id objid.ID) error {
	if _, err := idx.deleteObj.ExecContext(ctx, id.String()); err != nil {
		return fmt.Errorf("index: %s: removing from ledger: %w", id, err)
	}

	if _, err := idx.dequeueUpload.ExecContext(ctx, id.String()); err != nil {
		return fmt.Errorf("index: %s: clearing pending upload: %w", id, err)
	}

	if _, err := idx.dequeueRemoval.ExecContext(ctx, id.String()); err != nil {
		return fmt.Errorf("index: %s: clearing pending removal: %w", id, err)
	}

	if _, err := idx.resolveConflict.ExecContext(ctx, id.String()); err != nil {
		return fmt.Errorf("index: %s: clearing conflict: %w", id, err)
	}

	return nil
}

// PendingUpload is one row of the pending-upload queue.
type PendingUpload struct {
	ObjId        objid.ID
	LocalVersion status.Version
	BaseVersion  *status.Version
}

// EnqueuePendingUpload records that localVersion (with optional base) still
// needs to reach the server, so a restart can resume upload-sync sweeps.
func (idx *Index) EnqueuePendingUpload(ctx context.Context, id objid.ID, localVersion status.Version, baseVersion *status.Version, enqueuedAt int64) error {
	var base any
	if baseVersion != nil {
		base = uint64(*baseVersion)
	}

	if _, err := idx.enqueueUpload.ExecContext(ctx, id.String(), uint64(localVersion), base, enqueuedAt); err != nil {
		return fmt.Errorf("index: %s: enqueuing pending upload: %w", id, err)
	}

	return nil
}

// DequeuePendingUpload removes id's pending-upload row, once UpSyncer has
// recorded its completion.
func (idx *Index) DequeuePendingUpload(ctx context.Context, id objid.ID) error {
	if _, err := idx.dequeueUpload.ExecContext(ctx, id.String()); err != nil {
		return fmt.Errorf("index: %s: dequeuing pending upload: %w", id, err)
	}

	return nil
}

// ListPendingUploads returns every object with an unresolved upload,
// oldest first, for a restart to resume.
func (idx *Index) ListPendingUploads(ctx context.Context) ([]PendingUpload, error) {
	rows, err := idx.listUploads.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: listing pending uploads: %w", err)
	}
	defer rows.Close()

	var out []PendingUpload

	for rows.Next() {
		var (
			rawID   string
			local   uint64
			baseVer sql.NullInt64
		)

		if err := rows.Scan(&rawID, &local, &baseVer); err != nil {
			return nil, fmt.Errorf("index: scanning pending upload row: %w", err)
		}

		id, err := objid.New(rawID)
		if err != nil {
			return nil, fmt.Errorf("index: parsing obj id %q: %w", rawID, err)
		}

		pu := PendingUpload{ObjId: id, LocalVersion: status.Version(local)}

		if baseVer.Valid {
			bv := status.Version(baseVer.Int64)
			pu.BaseVersion = &bv
		}

		out = append(out, pu)
	}

	return out, rows.Err()
}

// EnqueuePendingRemoval records that id's removal still needs to reach the
// server.
func (idx *Index) EnqueuePendingRemoval(ctx context.Context, id objid.ID, enqueuedAt int64) error {
	if _, err := idx.enqueueRemoval.ExecContext(ctx, id.String(), enqueuedAt); err != nil {
		return fmt.Errorf("index: %s: enqueuing pending removal: %w", id, err)
	}

	return nil
}

// DequeuePendingRemoval removes id's pending-removal row.
func (idx *Index) DequeuePendingRemoval(ctx context.Context, id objid.ID) error {
	if _, err := idx.dequeueRemoval.ExecContext(ctx, id.String()); err != nil {
		return fmt.Errorf("index: %s: dequeuing pending removal: %w", id, err)
	}

	return nil
}

// ListPendingRemovals returns every object id with an unresolved removal
// request, oldest first.
func (idx *Index) ListPendingRemovals(ctx context.Context) ([]objid.ID, error) {
	rows, err := idx.listRemovals.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: listing pending removals: %w", err)
	}
	defer rows.Close()

	var out []objid.ID

	for rows.Next() {
		var rawID string
		if err := rows.Scan(&rawID); err != nil {
			return nil, fmt.Errorf("index: scanning pending removal row: %w", err)
		}

		id, err := objid.New(rawID)
		if err != nil {
			return nil, fmt.Errorf("index: parsing obj id %q: %w", rawID, err)
		}

		out = append(out, id)
	}

	return out, rows.Err()
}

// Conflict is one row of the conflict list.
type Conflict struct {
	ObjId         objid.ID
	LocalVersion  status.Version
	RemoteVersion status.Version
}

// RecordConflict upserts id's conflict entry, matching the status
// machine's StateConflicting classification.
func (idx *Index) RecordConflict(ctx context.Context, id objid.ID, local, remote status.Version, detectedAt int64) error {
	if _, err := idx.recordConflict.ExecContext(ctx, id.String(), uint64(local), uint64(remote), detectedAt); err != nil {
		return fmt.Errorf("index: %s: recording conflict: %w", id, err)
	}

	return nil
}

// ResolveConflict clears id's conflict entry.
func (idx *Index) ResolveConflict(ctx context.Context, id objid.ID) error {
	if _, err := idx.resolveConflict.ExecContext(ctx, id.String()); err != nil {
		return fmt.Errorf("index: %s: resolving conflict: %w", id, err)
	}

	return nil
}

// ListConflicts returns every currently open conflict, oldest first.
func (idx *Index) ListConflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := idx.listConflicts.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: listing conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict

	for rows.Next() {
		var (
			rawID  string
			local  uint64
			remote uint64
		)

		if err := rows.Scan(&rawID, &local, &remote); err != nil {
			return nil, fmt.Errorf("index: scanning conflict row: %w", err)
		}

		id, err := objid.New(rawID)
		if err != nil {
			return nil, fmt.Errorf("index: parsing obj id %q: %w", rawID, err)
		}

		out = append(out, Conflict{ObjId: id, LocalVersion: status.Version(local), RemoteVersion: status.Version(remote)})
	}

	return out, rows.Err()
}
