package wasm

// NullReference is an uninitialized table element.
const NullReference = ^Index(0)

// TableInstance holds function references by element index. Elements are positions in the function index namespace
// of the owning module, or NullReference.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#table-instances%E2%91%A0
type TableInstance struct {
	References []Index
	Min        uint32
	Max        *uint32
}

// NewTableInstance allocates a table of min null elements.
func NewTableInstance(t *Table) *TableInstance {
	refs := make([]Index, t.Min)
	for i := range refs {
		refs[i] = NullReference
	}
	return &TableInstance{References: refs, Min: t.Min, Max: t.Max}
}

// Lookup returns the function at the element index, or false when the index is out of range or the element is null.
func (t *TableInstance) Lookup(elem uint32) (Index, bool) {
	if uint64(elem) >= uint64(len(t.References)) {
		return 0, false
	}
	f := t.References[elem]
	return f, f != NullReference
}
