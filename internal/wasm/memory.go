package wasm

import (
	"encoding/binary"
	"fmt"

	"github.com/tetratelabs/tierwasm/api"
	"github.com/tetratelabs/tierwasm/internal/wasmruntime"
)

const (
	// MemoryPageSize is the unit of memory length in WebAssembly,
	// and is defined as 2^16 = 65536.
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0
	MemoryPageSize = uint32(65536)
	// MemoryLimitPages is maximum number of pages defined (2^16).
	// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#grow-mem
	MemoryLimitPages = uint32(65536)
	// MemoryPageSizeInBits satisfies the relation: "1 << MemoryPageSizeInBits == MemoryPageSize".
	MemoryPageSizeInBits = 16
)

var _ api.Memory = &MemoryInstance{}

// MemoryInstance is the linear memory of an instance: one owned buffer whose every access is bounds checked.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#memory-instances%E2%91%A0.
type MemoryInstance struct {
	Buffer []byte
	// Min and Max are in pages. Max is the effective maximum after the engine limit is applied.
	Min, Max uint32
}

// NewMemoryInstance allocates min pages of zeroed memory.
func NewMemoryInstance(min, max uint32) *MemoryInstance {
	return &MemoryInstance{Buffer: make([]byte, MemoryPagesToBytesNum(min)), Min: min, Max: max}
}

// Size implements api.Memory Size
func (m *MemoryInstance) Size() uint32 {
	return uint32(len(m.Buffer))
}

// hasSize returns true if Len is sufficient for sizeInBytes at the given offset.
func (m *MemoryInstance) hasSize(offset uint64, sizeInBytes uint32) bool {
	return offset+uint64(sizeInBytes) <= uint64(len(m.Buffer))
}

// Read implements api.Memory Read
func (m *MemoryInstance) Read(offset, byteCount uint32) ([]byte, bool) {
	if !m.hasSize(uint64(offset), byteCount) {
		return nil, false
	}
	return m.Buffer[offset : offset+byteCount : offset+byteCount], true
}

// Write implements api.Memory Write
func (m *MemoryInstance) Write(offset uint32, val []byte) bool {
	if !m.hasSize(uint64(offset), uint32(len(val))) {
		return false
	}
	copy(m.Buffer[offset:], val)
	return true
}

// ReadUint32Le implements api.Memory ReadUint32Le
func (m *MemoryInstance) ReadUint32Le(offset uint32) (uint32, bool) {
	if !m.hasSize(uint64(offset), 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(m.Buffer[offset:]), true
}

// WriteUint32Le implements api.Memory WriteUint32Le
func (m *MemoryInstance) WriteUint32Le(offset, v uint32) bool {
	if !m.hasSize(uint64(offset), 4) {
		return false
	}
	binary.LittleEndian.PutUint32(m.Buffer[offset:], v)
	return true
}

// Grow implements api.Memory Grow
func (m *MemoryInstance) Grow(deltaPages uint32) (previousPages uint32, ok bool) {
	if r := m.GrowPages(deltaPages); r != 0xffffffff {
		return r, true
	}
	return 0, false
}

// GrowPages extends the memory buffer by deltaPages pages. This is the semantics of memory.grow.
//
// Returns -1 if the operation resulted in exceeding the maximum memory pages.
// Otherwise, returns the prior memory size after growing the memory buffer.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#grow-mem
func (m *MemoryInstance) GrowPages(deltaPages uint32) uint32 {
	currentPages := m.PageSize()
	if uint64(currentPages)+uint64(deltaPages) > uint64(m.Max) {
		return 0xffffffff // = -1 in signed 32-bit integer.
	}
	if deltaPages > 0 {
		m.Buffer = append(m.Buffer, make([]byte, MemoryPagesToBytesNum(deltaPages))...)
	}
	return currentPages
}

// PageSize returns the current memory buffer size in pages.
func (m *MemoryInstance) PageSize() uint32 {
	return uint32(uint64(len(m.Buffer)) >> MemoryPageSizeInBits)
}

// Load executes a load instruction at the effective address base+offset. It panics with
// wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess when any byte of the access is out of range.
func (m *MemoryInstance) Load(op Opcode, base uint32, offset uint64) uint64 {
	size, _ := MemoryAccessOf(op)
	ea := uint64(base) + offset
	if !m.hasSize(ea, size) {
		panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
	}
	b := m.Buffer[ea:]
	switch op {
	case OpcodeI32Load, OpcodeF32Load, OpcodeI64Load32U:
		return uint64(binary.LittleEndian.Uint32(b))
	case OpcodeI64Load, OpcodeF64Load:
		return binary.LittleEndian.Uint64(b)
	case OpcodeI32Load8S:
		return uint64(uint32(int32(int8(b[0]))))
	case OpcodeI32Load8U, OpcodeI64Load8U:
		return uint64(b[0])
	case OpcodeI32Load16S:
		return uint64(uint32(int32(int16(binary.LittleEndian.Uint16(b)))))
	case OpcodeI32Load16U, OpcodeI64Load16U:
		return uint64(binary.LittleEndian.Uint16(b))
	case OpcodeI64Load8S:
		return uint64(int64(int8(b[0])))
	case OpcodeI64Load16S:
		return uint64(int64(int16(binary.LittleEndian.Uint16(b))))
	case OpcodeI64Load32S:
		return uint64(int64(int32(binary.LittleEndian.Uint32(b))))
	}
	panic(fmt.Errorf("BUG: %s is not a load", InstructionName(op)))
}

// Store executes a store instruction at the effective address base+offset. Nothing is written when the access is
// out of range.
func (m *MemoryInstance) Store(op Opcode, base uint32, offset uint64, v uint64) {
	size, _ := MemoryAccessOf(op)
	ea := uint64(base) + offset
	if !m.hasSize(ea, size) {
		panic(wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess)
	}
	b := m.Buffer[ea:]
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	}
}

// MemoryPagesToBytesNum converts the given pages into the number of bytes contained in these pages.
func MemoryPagesToBytesNum(pages uint32) (bytesNum uint64) {
	return uint64(pages) << MemoryPageSizeInBits
}

// PagesToUnitOfBytes converts the pages to a human-readable form similar to what's specified. Ex. 1 -> "64 Ki"
func PagesToUnitOfBytes(pages uint32) string {
	k := uint64(pages) * 64
	if k < 1024 {
		return fmt.Sprintf("%d Ki", k)
	}
	m := k / 1024
	if m < 1024 {
		return fmt.Sprintf("%d Mi", m)
	}
	return fmt.Sprintf("%d Gi", m/1024)
}
