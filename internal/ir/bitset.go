package ir

import "math/bits"

// regSet is a set of registers backed by a bitset.
type regSet struct {
	bits []uint64
}

func newRegSet(n int) regSet {
	return regSet{bits: make([]uint64, (n+63)/64)}
}

func (s *regSet) has(r Reg) bool {
	index, shift := r/64, r%64
	return index < uint32(len(s.bits)) && s.bits[index]&(1<<shift) != 0
}

func (s *regSet) add(r Reg) {
	index, shift := r/64, r%64
	if index >= uint32(len(s.bits)) {
		s.bits = append(s.bits, make([]uint64, index+1-uint32(len(s.bits)))...)
	}
	s.bits[index] |= 1 << shift
}

func (s *regSet) remove(r Reg) {
	if index, shift := r/64, r%64; index < uint32(len(s.bits)) {
		s.bits[index] &^= 1 << shift
	}
}

// union adds all registers of o, and returns true if any was not present yet.
func (s *regSet) union(o *regSet) (changed bool) {
	if len(o.bits) > len(s.bits) {
		s.bits = append(s.bits, make([]uint64, len(o.bits)-len(s.bits))...)
	}
	for i, v := range o.bits {
		if n := s.bits[i] | v; n != s.bits[i] {
			s.bits[i] = n
			changed = true
		}
	}
	return
}

func (s *regSet) copyFrom(o *regSet) {
	s.bits = append(s.bits[:0], o.bits...)
}

// scan calls f with each register in ascending order.
func (s *regSet) scan(f func(Reg)) {
	for i, v := range s.bits {
		for v != 0 {
			n := bits.TrailingZeros64(v)
			f(Reg(i*64 + n))
			v &= v - 1
		}
	}
}
