package objfolders

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/3nsoft-go/synced-objstore/internal/objid"
	"github.com/3nsoft-go/synced-objstore/internal/status"
)

// DefaultCanMoveToCold is the conservative demotion predicate described in
// §4.2: it declines whenever any "*.unsynced" file is present, or the
// status file cannot be read, or its sync state is anything other than
// fully synced or StateNone (no current version at all). A wrong "true" here risks losing a local-only version that
// has not yet made it to the server, so every ambiguous case answers false.
func DefaultCanMoveToCold(_ objid.ID, path string) bool {
	entries, err := os.ReadDir(path)
	if err != nil {
		return false
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if strings.HasSuffix(entry.Name(), ".unsynced") {
			return false
		}
	}

	st, err := status.ReadFrom(filepath.Join(path, "status.json"))
	if err != nil {
		return false
	}

	return st.SyncStatus().State == status.StateSynced || st.SyncStatus().State == status.StateNone
}
