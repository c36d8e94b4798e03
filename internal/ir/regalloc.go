package ir

// passAllocateRegisters assigns each virtual register a frame slot by greedy coloring of the interference graph.
// Parameters are pre-colored with their own index, since callers place arguments there. Two registers interfere
// when one is assigned while the other is live, except that the destination of a copy does not interfere with its
// source. Registers live on entry to the function other than parameters only read the zeroed frame, so they get
// pairwise distinct slots.
func passAllocateRegisters(f *Function) {
	if f.Allocated {
		return
	}
	lv := computeLiveness(f)
	numParams := len(f.Type.Params)

	neighbors := make([][]Reg, f.NumRegs)
	interfere := func(a, b Reg) {
		if a != b {
			neighbors[a] = append(neighbors[a], b)
			neighbors[b] = append(neighbors[b], a)
		}
	}
	used := newRegSet(f.NumRegs)
	for r := 0; r < numParams; r++ {
		used.add(Reg(r))
	}

	var defs, uses []Reg
	for id, b := range f.Blocks {
		live := newRegSet(f.NumRegs)
		live.copyFrom(&lv.liveOut[id])
		for _, r := range b.Term.Uses(uses[:0]) {
			live.add(r)
			used.add(r)
		}
		for i := len(b.Instrs) - 1; i >= 0; i-- {
			in := &b.Instrs[i]
			defs = in.Defs(defs[:0])
			for _, d := range defs {
				used.add(d)
				live.scan(func(r Reg) {
					if in.Kind == InstrCopy && r == in.A {
						return
					}
					interfere(d, r)
				})
			}
			// Results of one call are assigned together.
			for j, d := range defs {
				for _, d2 := range defs[j+1:] {
					interfere(d, d2)
				}
			}
			for _, d := range defs {
				live.remove(d)
			}
			for _, u := range in.Uses(uses[:0]) {
				live.add(u)
				used.add(u)
			}
		}
	}
	var entry []Reg
	lv.liveIn[0].scan(func(r Reg) { entry = append(entry, r) })
	for i, a := range entry {
		for _, b := range entry[i+1:] {
			interfere(a, b)
		}
	}

	color := make([]int32, f.NumRegs)
	for i := range color {
		color[i] = -1
	}
	for r := 0; r < numParams; r++ {
		color[r] = int32(r)
	}
	numColors := numParams
	var taken []bool
	used.scan(func(r Reg) {
		if color[r] >= 0 {
			return
		}
		taken = append(taken[:0], make([]bool, numColors+1)...)
		for _, n := range neighbors[r] {
			if c := color[n]; c >= 0 && int(c) < len(taken) {
				taken[c] = true
			}
		}
		c := 0
		for taken[c] {
			c++
		}
		color[r] = int32(c)
		if c+1 > numColors {
			numColors = c + 1
		}
	})

	rename := func(r Reg) Reg { return Reg(color[r]) }
	for _, b := range f.Blocks {
		for i := range b.Instrs {
			b.Instrs[i].mapRegs(rename, rename)
		}
		b.Term.mapRegs(rename)
	}
	f.NumRegs = numColors
	f.Allocated = true
}
