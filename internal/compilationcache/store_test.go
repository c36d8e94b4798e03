package compilationcache

import (
	"bytes"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func storePath(t *testing.T, kind string) string {
	dir := t.TempDir()
	if kind == StoreSQLite {
		return filepath.Join(dir, "artifacts.db")
	}
	return dir
}

func requireContent(t *testing.T, s Store, k Key, expected []byte) {
	content, ok, err := s.Get(k)
	require.NoError(t, err)
	require.True(t, ok)
	actual, err := io.ReadAll(content)
	require.NoError(t, err)
	require.NoError(t, content.Close())
	require.Equal(t, expected, actual)
}

func TestStore(t *testing.T) {
	for _, kind := range []string{StoreDir, StoreLevelDB, StoreBadger, StoreSQLite} {
		kind := kind
		t.Run(kind, func(t *testing.T) {
			s, err := OpenStore(kind, storePath(t, kind), zaptest.NewLogger(t))
			require.NoError(t, err)
			defer func() { require.NoError(t, s.Close()) }()

			k := Key{1, 2, 3}
			_, ok, err := s.Get(k)
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, s.Add(k, bytes.NewReader([]byte{1, 2, 3, 4})))
			requireContent(t, s, k, []byte{1, 2, 3, 4})

			// Add replaces the content.
			require.NoError(t, s.Add(k, bytes.NewReader([]byte{5})))
			requireContent(t, s, k, []byte{5})

			other := Key{9}
			require.NoError(t, s.Add(other, bytes.NewReader([]byte{6})))

			require.NoError(t, s.Delete(k))
			_, ok, err = s.Get(k)
			require.NoError(t, err)
			require.False(t, ok)
			requireContent(t, s, other, []byte{6})

			// Deleting a missing key is not an error.
			require.NoError(t, s.Delete(k))
		})
	}
}

func TestStore_Reopen(t *testing.T) {
	for _, kind := range []string{StoreDir, StoreLevelDB, StoreBadger, StoreSQLite} {
		kind := kind
		t.Run(kind, func(t *testing.T) {
			path := storePath(t, kind)
			s, err := OpenStore(kind, path, nil)
			require.NoError(t, err)
			require.NoError(t, s.Add(Key{1}, bytes.NewReader([]byte("object"))))
			require.NoError(t, s.Close())

			s, err = OpenStore(kind, path, nil)
			require.NoError(t, err)
			defer s.Close()
			requireContent(t, s, Key{1}, []byte("object"))
		})
	}
}

func TestOpenStore_UnknownKind(t *testing.T) {
	_, err := OpenStore("tape", t.TempDir(), nil)
	require.EqualError(t, err, `unknown store kind "tape"`)
}
