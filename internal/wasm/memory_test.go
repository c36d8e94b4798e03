package wasm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/tierwasm/internal/wasmruntime"
)

func TestMemoryPageConsts(t *testing.T) {
	require.Equal(t, MemoryPageSize, uint32(1)<<MemoryPageSizeInBits)
	require.Equal(t, MemoryPageSize, uint32(1<<16))
	require.Equal(t, MemoryLimitPages, uint32(1<<16))
}

func TestMemoryPagesToBytesNum(t *testing.T) {
	for _, numPage := range []uint32{0, 1, 5, 10} {
		require.Equal(t, uint64(numPage*MemoryPageSize), MemoryPagesToBytesNum(numPage))
	}
}

func TestMemoryInstance_Grow_Size(t *testing.T) {
	max := uint32(10)
	m := NewMemoryInstance(0, max)
	require.Equal(t, uint32(0), m.GrowPages(5))
	require.Equal(t, uint32(5), m.PageSize())

	// Zero page grow is well-defined, should return the current page correctly.
	require.Equal(t, uint32(5), m.GrowPages(0))
	require.Equal(t, uint32(5), m.PageSize())
	require.Equal(t, uint32(5), m.GrowPages(4))
	require.Equal(t, uint32(9), m.PageSize())

	// At this point, the page size equal 9, so trying to grow two pages should result in failure.
	require.Equal(t, int32(-1), int32(m.GrowPages(2)))
	require.Equal(t, uint32(9), m.PageSize())

	// But growing one page is still permitted.
	require.Equal(t, uint32(9), m.GrowPages(1))

	// Ensure that the current page size equals the max.
	require.Equal(t, max, m.PageSize())

	prev, ok := m.Grow(1)
	require.False(t, ok)
	require.Zero(t, prev)
}

func TestMemoryInstance_LoadStore(t *testing.T) {
	m := NewMemoryInstance(1, 1)

	m.Store(OpcodeI32Store, 65532, 0, 0xdeadbeef)
	require.Equal(t, uint64(0xdeadbeef), m.Load(OpcodeI32Load, 65500, 32))
	require.Equal(t, uint64(0xffffffef), m.Load(OpcodeI32Load8S, 65532, 0))
	require.Equal(t, uint64(0xef), m.Load(OpcodeI64Load8U, 65532, 0))
	require.Equal(t, uint64(0xffffffffdeadbeef), m.Load(OpcodeI64Load32S, 0, 65532))
	require.Equal(t, uint64(0xffffffffffffbeef), m.Load(OpcodeI64Load16S, 65532, 0))

	tests := []struct {
		name   string
		store  Opcode
		load   Opcode
		base   uint32
		offset uint64
	}{
		{name: "one byte past the end", store: OpcodeI32Store, load: OpcodeI32Load, base: 65533},
		{name: "store at 65537", store: OpcodeI32Store8, load: OpcodeI32Load8U, base: 65537},
		{name: "offset overflows 32 bits", store: OpcodeI64Store, load: OpcodeI64Load, base: 0xffffffff, offset: 0xffffffff},
		{name: "offset only", store: OpcodeI32Store16, load: OpcodeI32Load16U, offset: 65535},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			before := append([]byte{}, m.Buffer...)
			require.PanicsWithValue(t, wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess, func() {
				m.Store(tc.store, tc.base, tc.offset, ^uint64(0))
			})
			require.Equal(t, before, m.Buffer)
			require.PanicsWithValue(t, wasmruntime.ErrRuntimeOutOfBoundsMemoryAccess, func() {
				m.Load(tc.load, tc.base, tc.offset)
			})
		})
	}
}

func TestMemoryInstance_ReadWrite(t *testing.T) {
	m := NewMemoryInstance(1, 1)
	require.True(t, m.WriteUint32Le(0, 11))
	v, ok := m.ReadUint32Le(0)
	require.True(t, ok)
	require.Equal(t, uint32(11), v)

	require.True(t, m.Write(MemoryPageSize-2, []byte{1, 2}))
	require.False(t, m.Write(MemoryPageSize-1, []byte{1, 2}))
	_, ok = m.Read(MemoryPageSize-1, 2)
	require.False(t, ok)
	_, ok = m.ReadUint32Le(MemoryPageSize - 3)
	require.False(t, ok)
	require.False(t, m.WriteUint32Le(MemoryPageSize-3, 1))
}

func TestPagesToUnitOfBytes(t *testing.T) {
	tests := []struct {
		name     string
		pages    uint32
		expected string
	}{
		{name: "zero", pages: 0, expected: "0 Ki"},
		{name: "one", pages: 1, expected: "64 Ki"},
		{name: "megs", pages: 100, expected: "6 Mi"},
		{name: "max", pages: MemoryLimitPages, expected: "4 Gi"},
	}

	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, PagesToUnitOfBytes(tc.pages))
		})
	}
}
