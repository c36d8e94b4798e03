package compilationcache

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v3"
	"github.com/syndtr/goleveldb/leveldb"
	"go.uber.org/zap"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

// Store persists ahead-of-time objects across processes. Implementations are safe for concurrent use.
//
// Entries carry their own header, checked when loaded, so a Store never validates what it holds.
type Store interface {
	// Get returns the content added for the key. ok is false with a nil error when there is none. The caller
	// closes content.
	Get(key Key) (content io.ReadCloser, ok bool, err error)

	// Add sets the content of the key, replacing any previous one.
	Add(key Key, content io.Reader) error

	// Delete removes the content of the key. Deleting a missing key is not an error.
	Delete(key Key) error

	// Close flushes and releases the store.
	Close() error
}

// Store kinds accepted by OpenStore.
const (
	StoreDir     = "dir"
	StoreLevelDB = "leveldb"
	StoreBadger  = "badger"
	StoreSQLite  = "sqlite"
)

// OpenStore opens the store of the kind at the path, creating it when missing.
func OpenStore(kind, path string, logger *zap.Logger) (Store, error) {
	switch kind {
	case StoreDir:
		return NewDirStore(path)
	case StoreLevelDB:
		return NewLevelDBStore(path)
	case StoreBadger:
		return NewBadgerStore(path, logger)
	case StoreSQLite:
		return NewSQLiteStore(path)
	}
	return nil, fmt.Errorf("unknown store kind %q", kind)
}

// NewDirStore returns a Store keeping one file per key in the directory.
func NewDirStore(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	return &dirStore{dirPath: dir}, nil
}

// dirStore names each file by the hex of its key. Files are written under a temporary name and renamed, so a
// reader never sees a partial file.
type dirStore struct {
	dirPath string
}

func (d *dirStore) path(key Key) string {
	return filepath.Join(d.dirPath, key.String())
}

func (d *dirStore) Get(key Key) (content io.ReadCloser, ok bool, err error) {
	f, err := os.Open(d.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return f, true, nil
}

func (d *dirStore) Add(key Key, content io.Reader) (err error) {
	tmp, err := os.CreateTemp(d.dirPath, key.String()+".*.tmp")
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = io.Copy(tmp, content); err != nil {
		_ = tmp.Close()
		return
	}
	if err = tmp.Close(); err != nil {
		return
	}
	return os.Rename(tmp.Name(), d.path(key))
}

func (d *dirStore) Delete(key Key) (err error) {
	err = os.Remove(d.path(key))
	if errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	return
}

func (d *dirStore) Close() error { return nil }

// NewLevelDBStore returns a Store in the LevelDB database at the path.
func NewLevelDBStore(path string) (Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("opening leveldb: %w", err)
	}
	return &levelDBStore{db: db}, nil
}

type levelDBStore struct {
	db *leveldb.DB
}

func (s *levelDBStore) Get(key Key) (io.ReadCloser, bool, error) {
	v, err := s.db.Get(key[:], nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return io.NopCloser(bytes.NewReader(v)), true, nil
}

func (s *levelDBStore) Add(key Key, content io.Reader) error {
	v, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	return s.db.Put(key[:], v, nil)
}

func (s *levelDBStore) Delete(key Key) error {
	return s.db.Delete(key[:], nil)
}

func (s *levelDBStore) Close() error { return s.db.Close() }

// NewBadgerStore returns a Store in the Badger database at the path. Badger logs through logger.
func NewBadgerStore(path string, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{logger.Named("badger").Sugar()})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	return &badgerStore{db: db}, nil
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

type badgerStore struct {
	db *badger.DB
}

func (s *badgerStore) Get(key Key) (io.ReadCloser, bool, error) {
	var v []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key[:])
		if err != nil {
			return err
		}
		v, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return io.NopCloser(bytes.NewReader(v)), true, nil
}

func (s *badgerStore) Add(key Key, content io.Reader) error {
	v, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key[:], v)
	})
}

func (s *badgerStore) Delete(key Key) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key[:])
	})
}

func (s *badgerStore) Close() error { return s.db.Close() }

// NewSQLiteStore returns a Store in the table artifacts of the SQLite database at the path.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	for _, stmt := range []string{
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS artifacts (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		)`,
	} {
		if _, err = db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing database: %w", err)
		}
	}
	return &sqliteStore{db: db}, nil
}

type sqliteStore struct {
	db *sql.DB
}

func (s *sqliteStore) Get(key Key) (io.ReadCloser, bool, error) {
	var v []byte
	err := s.db.QueryRow("SELECT value FROM artifacts WHERE key = ?", key.String()).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("querying artifact: %w", err)
	}
	return io.NopCloser(bytes.NewReader(v)), true, nil
}

func (s *sqliteStore) Add(key Key, content io.Reader) error {
	v, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	if _, err = s.db.Exec("INSERT OR REPLACE INTO artifacts (key, value) VALUES (?, ?)", key.String(), v); err != nil {
		return fmt.Errorf("saving artifact: %w", err)
	}
	return nil
}

func (s *sqliteStore) Delete(key Key) error {
	if _, err := s.db.Exec("DELETE FROM artifacts WHERE key = ?", key.String()); err != nil {
		return fmt.Errorf("deleting artifact: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }
