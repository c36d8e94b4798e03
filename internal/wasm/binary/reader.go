package binary

import (
	"bytes"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/leb128"
)

// reader tracks the absolute offset in the module binary of the data it reads, so that errors can report it.
type reader struct {
	*bytes.Reader
	// base is the offset of the first byte of the data in the module binary.
	base uint64
	size int
}

func newReader(data []byte, base uint64) *reader {
	return &reader{Reader: bytes.NewReader(data), base: base, size: len(data)}
}

// pos returns the offset in the module binary of the next byte.
func (r *reader) pos() uint64 {
	return r.base + uint64(r.size-r.Len())
}

func malformed(offset uint64, format string, args ...interface{}) error {
	return &api.DecodeError{Phase: api.PhaseDecode, Kind: api.KindMalformed, Offset: offset, Detail: fmt.Sprintf(format, args...)}
}

func invalid(kind api.Kind, offset uint64, format string, args ...interface{}) error {
	return &api.DecodeError{Phase: api.PhaseValidate, Kind: kind, Offset: offset, Detail: fmt.Sprintf(format, args...)}
}

func (r *reader) readByte(what string) (byte, error) {
	at := r.pos()
	b, err := r.ReadByte()
	if err != nil {
		return 0, malformed(at, "read %s: %v", what, io.ErrUnexpectedEOF)
	}
	return b, nil
}

func (r *reader) u32(what string) (uint32, error) {
	at := r.pos()
	v, _, err := leb128.DecodeUint32(r)
	if err != nil {
		return 0, malformed(at, "read %s: %v", what, err)
	}
	return v, nil
}

// vecSize reads the length of a vector, whose elements are each at least one byte.
func (r *reader) vecSize(what string) (uint32, error) {
	at := r.pos()
	n, err := r.u32(what + " count")
	if err != nil {
		return 0, err
	}
	if int64(n) > int64(r.Len()) {
		return 0, malformed(at, "%s count %d exceeds the remaining %d bytes", what, n, r.Len())
	}
	return n, nil
}

func (r *reader) bytes(n uint32, what string) ([]byte, error) {
	at := r.pos()
	if int64(n) > int64(r.Len()) {
		return nil, malformed(at, "read %s: %d bytes exceed the remaining %d", what, n, r.Len())
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, malformed(at, "read %s: %v", what, err)
	}
	return buf, nil
}

// utf8 reads a size-prefixed name.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-name
func (r *reader) utf8(what string) (string, error) {
	at := r.pos()
	n, err := r.u32(what + " size")
	if err != nil {
		return "", err
	}
	buf, err := r.bytes(n, what)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", malformed(at, "%s is not valid UTF-8", what)
	}
	return string(buf), nil
}
