package mmu

import (
	"github.com/Azvanzed/icicle-emu/memerr"
	"github.com/Azvanzed/icicle-emu/perm"
	"github.com/Azvanzed/icicle-emu/physical"
	"github.com/Azvanzed/icicle-emu/rangemap"
)

func clip(start, end, lo, hi uint64) (uint64, uint64) {
	if start < lo {
		start = lo
	}
	if end > hi {
		end = hi
	}
	return start, end
}

func (m *Mmu) initBit() perm.Perm {
	if m.trackUninitialized {
		return 0
	}
	return perm.INIT
}

// initPhysical materialises a physical page for the page containing
// addr, called when an access touches an Unallocated, Io, or absent
// mapping under a valid requested permission (§4.3).
func (m *Mmu) initPhysical(addr uint64, forRead bool) (physical.Index, error) {
	P := m.pageBase(addr)
	pageEnd := P + m.pageSize - 1
	overlap := m.mapping.Overlapping(P, pageEnd)

	zeroEligible := forRead && len(overlap) > 0
	var zeroPerm perm.Perm
	covered := uint64(0)
	for i, e := range overlap {
		s, en := clip(e.Start, e.End, P, pageEnd)
		covered += en - s + 1
		if e.Value.Kind != rangemap.Unallocated || e.Value.FillValue != 0 {
			zeroEligible = false
			continue
		}
		if i == 0 {
			zeroPerm = e.Value.Perm
		} else if e.Value.Perm != zeroPerm {
			zeroEligible = false
		}
	}
	zeroEligible = zeroEligible && covered == m.pageSize

	var idx physical.Index
	var ok bool
	if zeroEligible {
		idx, ok = m.phys.ZeroPage(zeroPerm | perm.MAP | m.initBit())
	} else {
		idx, ok = m.phys.Alloc()
	}
	if !ok {
		return 0, memerr.New(memerr.OutOfMemory, addr)
	}

	m.tlb.RemovePage(P)

	if !zeroEligible {
		pg := m.phys.Get(idx)
		for i := range pg.Data {
			pg.Data[i] = UninitValue
			pg.Perm[i] = perm.NONE
		}
		for _, e := range overlap {
			s, en := clip(e.Start, e.End, P, pageEnd)
			switch e.Value.Kind {
			case rangemap.Unallocated:
				for a := s; a <= en; a++ {
					pg.Data[a-P] = e.Value.FillValue
					pg.Perm[a-P] = e.Value.Perm | perm.MAP | m.initBit()
				}
			case rangemap.Physical:
				old := m.phys.Get(e.Value.PageIndex)
				for a := s; a <= en; a++ {
					pg.Data[a-P] = old.Data[a-e.Value.PageAligned]
					pg.Perm[a-P] = old.Perm[a-e.Value.PageAligned]
				}
			case rangemap.Io:
				for a := s; a <= en; a++ {
					pg.Data[a-P] = UninitValue
					pg.Perm[a-P] = perm.NONE
				}
			}
		}
	}

	for _, e := range overlap {
		m.mapping.Delete(e.Start, e.End)
		if e.Start < P {
			m.mapping.Insert(e.Start, P-1, e.Value)
		}
		if e.End > pageEnd {
			m.mapping.Insert(pageEnd+1, e.End, e.Value)
		}
	}
	m.mapping.Insert(P, pageEnd, rangemap.Mapping{
		Kind:        rangemap.Physical,
		PageIndex:   idx,
		PageAligned: P,
	})
	return idx, nil
}
