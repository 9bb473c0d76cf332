package store

import (
	"fmt"
	"path/filepath"
)

// New creates the Store of one area based on the backend name.
//
// Supported backends:
//
//	"json"    - JSON file dataDir/<area>.json (default)
//	"sqlite"  - SQLite database at dataDir/tabsync.db, shared by all areas
//	"leveldb" - LevelDB directory dataDir/<area>.ldb
//	"memory"  - In-memory (ephemeral, for testing)
//
// Remote stores need a server URL and are built with NewRemoteStore.
func New(backend, dataDir, area string) (Store, error) {
	switch backend {
	case "json", "":
		return NewJsonFileStore(dataDir, area)
	case "sqlite":
		return NewSqliteStore(filepath.Join(dataDir, "tabsync.db"), area)
	case "leveldb":
		return NewLevelStore(filepath.Join(dataDir, area+".ldb"), area)
	case "memory":
		return NewMemoryStore(area), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %q (supported: json, sqlite, leveldb, memory)", backend)
	}
}
