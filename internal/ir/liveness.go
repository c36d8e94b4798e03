package ir

// liveness holds the registers live on entry to and exit from each block.
type liveness struct {
	liveIn, liveOut []regSet
}

// computeLiveness solves the backward dataflow problem by iterating over the blocks in reverse until no set
// changes.
func computeLiveness(f *Function) *liveness {
	n := len(f.Blocks)
	lv := &liveness{liveIn: make([]regSet, n), liveOut: make([]regSet, n)}
	uses := make([]regSet, n)
	defs := make([]regSet, n)
	var buf []Reg
	for id, b := range f.Blocks {
		lv.liveIn[id] = newRegSet(f.NumRegs)
		lv.liveOut[id] = newRegSet(f.NumRegs)
		u, d := newRegSet(f.NumRegs), newRegSet(f.NumRegs)
		for i := range b.Instrs {
			in := &b.Instrs[i]
			for _, r := range in.Uses(buf[:0]) {
				if !d.has(r) {
					u.add(r)
				}
			}
			for _, r := range in.Defs(buf[:0]) {
				d.add(r)
			}
		}
		for _, r := range b.Term.Uses(buf[:0]) {
			if !d.has(r) {
				u.add(r)
			}
		}
		uses[id], defs[id] = u, d
	}

	for changed := true; changed; {
		changed = false
		for id := n - 1; id >= 0; id-- {
			out := &lv.liveOut[id]
			for _, succ := range f.Blocks[id].successors() {
				if out.union(&lv.liveIn[succ]) {
					changed = true
				}
			}
			// in = uses | (out - defs)
			in := newRegSet(f.NumRegs)
			in.copyFrom(out)
			defs[id].scan(in.remove)
			in.union(&uses[id])
			if lv.liveIn[id].union(&in) {
				changed = true
			}
		}
	}
	return lv
}
