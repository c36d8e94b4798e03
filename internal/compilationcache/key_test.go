package compilationcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	base := NewKey([]byte{0, 'a', 's', 'm'}, "aot", []byte{1}, "v1")
	require.Equal(t, base, NewKey([]byte{0, 'a', 's', 'm'}, "aot", []byte{1}, "v1"))

	for _, k := range []Key{
		NewKey([]byte{0, 'a', 's', 'n'}, "aot", []byte{1}, "v1"),
		NewKey([]byte{0, 'a', 's', 'm'}, "optimizing", []byte{1}, "v1"),
		NewKey([]byte{0, 'a', 's', 'm'}, "aot", []byte{2}, "v1"),
		NewKey([]byte{0, 'a', 's', 'm'}, "aot", []byte{1}, "v2"),
		// Moving bytes between parts changes the key.
		NewKey([]byte{0, 'a', 's'}, "maot", []byte{1}, "v1"),
	} {
		require.NotEqual(t, base, k)
	}
}

func TestKey_String(t *testing.T) {
	k := Key{0xab, 0x01}
	s := k.String()
	require.Len(t, s, 64)
	require.Equal(t, "ab01", s[:4])

	parsed, err := ParseKey(s)
	require.NoError(t, err)
	require.Equal(t, k, parsed)

	_, err = ParseKey("ab01")
	require.EqualError(t, err, `invalid key "ab01": expected 64 hex digits`)
	_, err = ParseKey(s[:62] + "zz")
	require.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	type config struct {
		Features uint64
		Names    map[string]int
	}
	a, err := Fingerprint(config{Features: 3, Names: map[string]int{"b": 2, "a": 1, "c": 3}})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		b, err := Fingerprint(config{Features: 3, Names: map[string]int{"c": 3, "a": 1, "b": 2}})
		require.NoError(t, err)
		require.Equal(t, a, b)
	}
	c, err := Fingerprint(config{Features: 1})
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}
