package tierwasm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tetratelabs/tierwasm/internal/compilationcache"
)

// CacheKey identifies a compiled artifact: the sha256 of the module binary, the backend, the configuration that
// affects codegen and the engine version. Its String form is lowercase hex, and ParseCacheKey reverses it.
type CacheKey = compilationcache.Key

// ParseCacheKey parses the hex form of a CacheKey.
func ParseCacheKey(s string) (CacheKey, error) {
	return compilationcache.ParseKey(s)
}

// ArtifactStore persists ahead-of-time objects by CacheKey. Implementations must be safe for concurrent use.
type ArtifactStore = compilationcache.Store

// Kinds of ArtifactStore accepted by OpenArtifactStore.
const (
	// StoreKindDir keeps one file per key in a directory.
	StoreKindDir = compilationcache.StoreDir
	// StoreKindLevelDB keeps objects in a LevelDB database directory.
	StoreKindLevelDB = compilationcache.StoreLevelDB
	// StoreKindBadger keeps objects in a Badger database directory.
	StoreKindBadger = compilationcache.StoreBadger
	// StoreKindSQLite keeps objects in one SQLite database file.
	StoreKindSQLite = compilationcache.StoreSQLite
)

// OpenArtifactStore opens the store of the kind at path, creating what is missing. A relative path is resolved
// against the working directory.
//
// Note: A store is only valid for use by one Runtime at a time in a process. Separate processes may share the dir
// and sqlite kinds. The embedder must safeguard the path from external changes.
func OpenArtifactStore(kind, path string) (ArtifactStore, error) {
	switch kind {
	case StoreKindDir, StoreKindLevelDB, StoreKindBadger, StoreKindSQLite:
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
	var err error
	if path, err = filepath.Abs(path); err != nil {
		return nil, err
	}
	dir := path
	if kind == StoreKindSQLite {
		dir = filepath.Dir(path)
	}
	if err = mkdir(dir); err != nil {
		return nil, err
	}
	return compilationcache.OpenStore(kind, path, nil)
}

func mkdir(dirname string) error {
	if st, err := os.Stat(dirname); errors.Is(err, os.ErrNotExist) {
		if err = os.MkdirAll(dirname, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %v", dirname, err)
		}
	} else if err != nil {
		return err
	} else if !st.IsDir() {
		return fmt.Errorf("%s is not dir", dirname)
	}
	return nil
}
