// Package objfolders implements ObjFolders (§4.1): the two-tier cache that
// maps an object id to its filesystem folder, with a "recent" tier backed
// by an in-memory map and a "deeper" cold tier reachable by the same path
// layout but not kept warm in memory.
package objfolders

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/3nsoft-go/synced-objstore/internal/objid"
)

// ErrNotFound is returned by getFolderAccessFor when createIfMissing is
// false and no folder exists for the id in either tier.
var ErrNotFound = errors.New("objfolders: object folder not found")

// recentDirName and coldDirName name the two tiers under the store root.
const (
	recentDirName  = "recent"
	coldDirName    = "cold"
	objDirPerms    = 0o700
	shardKeyLength = 2 // first N hex chars of the id hash used as a shard
)

// CanMoveToColdFn decides whether an object currently in the recent tier may
// be demoted. It must return false if any "*.unsynced" file exists under
// path, or the status file indicates the object is not fully synced — the
// predicate is intentionally conservative, since a wrong "true" risks data
// loss on demotion (§9 Open Questions).
type CanMoveToColdFn func(id objid.ID, path string) bool

// Folders is the two-tier ObjFolders cache.
type Folders struct {
	root   string
	logger *slog.Logger

	mu     sync.Mutex
	recent map[string]string // objid key -> absolute path, recent tier only
}

// New constructs a Folders cache rooted at root (root/recent, root/cold).
func New(root string, logger *slog.Logger) (*Folders, error) {
	if logger == nil {
		logger = slog.Default()
	}

	for _, sub := range []string{recentDirName, coldDirName} {
		if err := os.MkdirAll(filepath.Join(root, sub), objDirPerms); err != nil {
			return nil, fmt.Errorf("objfolders: creating %s tier: %w", sub, err)
		}
	}

	return &Folders{root: root, logger: logger, recent: make(map[string]string)}, nil
}

// shardedPath returns the default (recent-tier) path for id: a two-level
// shard of its hash, then the id's own safe filename. Sharding keeps any
// single directory from accumulating an unbounded number of entries.
func shardedPath(root, tier string, id objid.ID) string {
	sum := sha256.Sum256([]byte(id.String()))
	shard := hex.EncodeToString(sum[:])[:shardKeyLength]

	return filepath.Join(root, tier, shard, id.String())
}

// GetFolderAccessFor returns the folder path for id, creating it in the
// recent tier if createIfMissing is true and it does not yet exist in
// either tier.
func (fs *Folders) GetFolderAccessFor(id objid.ID, createIfMissing bool) (string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	key := id.String()

	if path, ok := fs.recent[key]; ok {
		return path, nil
	}

	coldPath := shardedPath(fs.root, coldDirName, id)
	if _, err := os.Stat(coldPath); err == nil {
		return coldPath, nil
	}

	recentPath := shardedPath(fs.root, recentDirName, id)
	if _, err := os.Stat(recentPath); err == nil {
		fs.recent[key] = recentPath
		return recentPath, nil
	}

	if !createIfMissing {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := os.MkdirAll(recentPath, objDirPerms); err != nil {
		return "", fmt.Errorf("objfolders: creating folder for %s: %w", id, err)
	}

	fs.recent[key] = recentPath

	return recentPath, nil
}

// ListRecent enumerates every object id currently tracked in the recent
// tier, for GC's incremental sweep.
func (fs *Folders) ListRecent() []objid.ID {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	out := make([]objid.ID, 0, len(fs.recent))

	for key := range fs.recent {
		if id, err := objid.New(key); err == nil {
			out = append(out, id)
		}
	}

	return out
}

// RemoveFolderOf deletes id's entire folder tree, from whichever tier it
// currently lives in, and drops it from the recent-tier map.
func (fs *Folders) RemoveFolderOf(id objid.ID) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	key := id.String()
	path, ok := fs.recent[key]

	if !ok {
		path = shardedPath(fs.root, coldDirName, id)
		if _, err := os.Stat(path); err != nil {
			path = shardedPath(fs.root, recentDirName, id)
		}
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("objfolders: removing folder for %s: %w", id, err)
	}

	delete(fs.recent, key)

	return nil
}

// TryDemote moves id from the recent tier to the cold tier if canMove
// approves it. It is a no-op (returning false, nil) if id is not in the
// recent tier, or if canMove declines.
func (fs *Folders) TryDemote(id objid.ID, canMove CanMoveToColdFn) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	key := id.String()

	path, ok := fs.recent[key]
	if !ok {
		return false, nil
	}

	if !canMove(id, path) {
		fs.logger.Debug("demotion declined by predicate", "obj_id", key)
		return false, nil
	}

	coldPath := shardedPath(fs.root, coldDirName, id)

	if err := os.MkdirAll(filepath.Dir(coldPath), objDirPerms); err != nil {
		return false, fmt.Errorf("objfolders: preparing cold tier for %s: %w", id, err)
	}

	if err := os.Rename(path, coldPath); err != nil {
		return false, fmt.Errorf("objfolders: demoting %s: %w", id, err)
	}

	delete(fs.recent, key)
	fs.logger.Debug("demoted object to cold tier", "obj_id", key)

	return true, nil
}
