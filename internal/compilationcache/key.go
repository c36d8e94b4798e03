package compilationcache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Key identifies an artifact: the sha256 of the module binary, the backend name, the fingerprint of the
// configuration the backend compiles with, and the engine version. Equal keys mean interchangeable artifacts.
type Key [sha256.Size]byte

// NewKey returns the key of the binary compiled by the backend. Each part is prefixed with its length, so no two
// different inputs hash the same concatenation.
func NewKey(bin []byte, backend string, fingerprint []byte, engineVersion string) Key {
	h := sha256.New()
	for _, part := range [][]byte{bin, []byte(backend), fingerprint, []byte(engineVersion)} {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write(part)
	}
	var k Key
	h.Sum(k[:0])
	return k
}

// String returns the key in lowercase hex.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// ParseKey reverses Key.String.
func ParseKey(s string) (Key, error) {
	var k Key
	if hex.DecodedLen(len(s)) != len(k) {
		return k, fmt.Errorf("invalid key %q: expected %d hex digits", s, 2*len(k))
	}
	if _, err := hex.Decode(k[:], []byte(s)); err != nil {
		return k, fmt.Errorf("invalid key %q: %w", s, err)
	}
	return k, nil
}

var fingerprintMode cbor.EncMode

func init() {
	var err error
	if fingerprintMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(fmt.Sprintf("compilationcache: failed to create CBOR enc mode: %v", err))
	}
}

// Fingerprint returns the canonical CBOR encoding of v, which holds the configuration that affects compiled code.
func Fingerprint(v interface{}) ([]byte, error) {
	return fingerprintMode.Marshal(v)
}
