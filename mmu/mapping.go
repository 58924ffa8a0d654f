package mmu

import (
	"math/bits"

	"github.com/Azvanzed/icicle-emu/memerr"
	"github.com/Azvanzed/icicle-emu/perm"
	"github.com/Azvanzed/icicle-emu/physical"
	"github.com/Azvanzed/icicle-emu/rangemap"
)

// Layout describes a requested allocation for FindFreeMemory/AllocMemory.
type Layout struct {
	Size          uint64
	Align         uint64
	PreferredAddr uint64
}

func (m *Mmu) invalidateMapMutation(start, end uint64) {
	m.tlb.RemoveRange(start, end)
	m.io.ClearCache()
	m.mappingChanged = true
}

// MapMemoryLen inserts [start, start+len-1] -> mapping into the virtual
// mapping table. Fails on overflow, zero length, or overlap (§4.2).
func (m *Mmu) MapMemoryLen(start, length uint64, value rangemap.Mapping) bool {
	if length == 0 {
		return false
	}
	end := start + length - 1
	if end < start {
		return false // AddressOverflow
	}
	if !m.mapping.Insert(start, end, value) {
		return false
	}
	m.invalidateMapMutation(start, end)
	return true
}

// MapPhysical maps exactly one page-sized region at addr to idx.
func (m *Mmu) MapPhysical(addr uint64, idx physical.Index) bool {
	return m.MapMemoryLen(addr, m.pageSize, rangemap.Mapping{
		Kind:        rangemap.Physical,
		PageIndex:   idx,
		PageAligned: m.pageBase(addr),
	})
}

// UnmapMemoryLen removes every mapping entry fully covered by
// [start, start+len-1]. Physical sub-ranges smaller than a full page
// have their permission bytes cleared to NONE without freeing the
// backing page, since it may still be mapped elsewhere (§4.2, and the
// corresponding open question in §9 about shared-page corruption, which
// this implementation resolves by never zeroing permissions across the
// whole page — only the unmapped sub-range — so a sibling mapping of
// the same page outside [start,end] keeps its own permission bytes). A
// partial unmap of a page currently cached as translated code panics
// (§4.2); a full-page unmap of such a page is allowed, since the whole
// mapping entry — Executed flag included — is simply discarded.
// Returns true only if the entire range was covered by existing
// mappings.
func (m *Mmu) UnmapMemoryLen(start, length uint64) bool {
	if length == 0 {
		return false
	}
	end := start + length - 1
	if end < start {
		return false
	}

	overlapping := m.mapping.Overlapping(start, end)
	covered := uint64(0)
	for _, e := range overlapping {
		s, en := e.Start, e.End
		if s < start {
			s = start
		}
		if en > end {
			en = end
		}
		covered += en - s + 1
	}
	if covered != length {
		return false
	}

	for _, e := range overlapping {
		m.mapping.Delete(e.Start, e.End)

		s, en := e.Start, e.End
		clipped := s < start || en > end
		if clipped && e.Value.Kind == rangemap.Physical {
			pg := m.phys.Get(e.Value.PageIndex)
			if pg.Executed {
				panic("mmu: cannot partially unmap a page cached as translated code")
			}
			clearStart := s
			if clearStart < start {
				clearStart = start
			}
			clearEnd := en
			if clearEnd > end {
				clearEnd = end
			}
			base := e.Value.PageAligned
			for a := clearStart; a <= clearEnd; a++ {
				pg.Perm[a-base] = perm.NONE
			}
		}
		// Reinsert the remaining (unclipped) sub-ranges.
		if s < start {
			m.mapping.Insert(s, start-1, e.Value)
		}
		if en > end {
			m.mapping.Insert(end+1, en, e.Value)
		}
	}
	m.invalidateMapMutation(start, end)
	return true
}

// AllocPhysical allocates count fresh pages from the pool.
func (m *Mmu) AllocPhysical(count uint64) ([]physical.Index, error) {
	out := make([]physical.Index, 0, count)
	for i := uint64(0); i < count; i++ {
		idx, ok := m.phys.Alloc()
		if !ok {
			return out, memerr.New(memerr.OutOfMemory, 0)
		}
		out = append(out, idx)
	}
	return out, nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func nextPow2(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	return 1 << bits.Len64(v-1)
}

// FindFreeMemory scans the mapping in ascending order for the lowest
// unmapped region satisfying layout, starting at layout.PreferredAddr
// (default 0).
func (m *Mmu) FindFreeMemory(layout Layout) (uint64, bool) {
	align := layout.Align
	if align == 0 {
		align = 1
	}
	align = nextPow2(align)
	size := alignUp(layout.Size, align)
	if size == 0 {
		return 0, false
	}

	candidate := alignUp(layout.PreferredAddr, align)
	for {
		end := candidate + size - 1
		if end < candidate {
			return 0, false // overflow: no region large enough remains
		}
		overlap := m.mapping.Overlapping(candidate, end)
		if len(overlap) == 0 {
			return candidate, true
		}
		// Advance past the first conflicting entry.
		next := overlap[0].End + 1
		if next == 0 {
			return 0, false
		}
		candidate = alignUp(next, align)
	}
}

// AllocMemory finds free space for layout and maps it to value as given;
// a Physical value's PageIndex and PageAligned are not adjusted to the
// found address.
func (m *Mmu) AllocMemory(layout Layout, value rangemap.Mapping) (uint64, bool) {
	addr, ok := m.FindFreeMemory(layout)
	if !ok {
		return 0, false
	}
	align := layout.Align
	if align == 0 {
		align = 1
	}
	size := alignUp(layout.Size, nextPow2(align))
	if !m.MapMemoryLen(addr, size, value) {
		return 0, false
	}
	return addr, true
}

// UpdatePerm sets the permission bytes covering [addr, addr+count-1] to
// perm | MAP | (INIT unless track_uninitialized). Per §9's open
// question, a partial-page repermission is NOT propagated to sibling
// virtual addresses sharing the same physical page — the original has
// the same limitation and SPEC_FULL.md's design notes direct us to flag
// rather than silently "fix" it.
func (m *Mmu) UpdatePerm(addr, count uint64, p perm.Perm) {
	if count == 0 {
		return
	}
	end := addr + count - 1
	effective := p | perm.MAP
	if !m.trackUninitialized {
		effective |= perm.INIT
	}

	for _, e := range m.mapping.Overlapping(addr, end) {
		if e.Value.Kind == rangemap.Io {
			panic("mmu: update_perm on an I/O region is unsupported")
		}
		if e.Value.Kind == rangemap.Unallocated {
			m.mapping.Delete(e.Start, e.End)
			s, en := clip(e.Start, e.End, addr, end)
			if e.Start < s {
				m.mapping.Insert(e.Start, s-1, e.Value)
			}
			if en < e.End {
				m.mapping.Insert(en+1, e.End, e.Value)
			}
			v := e.Value
			v.Perm = p
			m.mapping.Insert(s, en, v)
			continue
		}
		pg := m.phys.Get(e.Value.PageIndex)
		if pg.Executed {
			m.log.WithField("addr", e.Start).Warn("mmu: update_perm touching a page marked executed")
		}
		s, en := e.Start, e.End
		if s < addr {
			s = addr
		}
		if en > end {
			en = end
		}
		fullPage := s == e.Value.PageAligned && en == e.Value.PageAligned+m.pageSize-1
		if fullPage && m.phys.IsZeroPage(e.Value.PageIndex) {
			if zi, ok := m.phys.ZeroPage(effective); ok {
				m.mapping.Delete(e.Start, e.End)
				m.mapping.Insert(e.Start, e.End, rangemap.Mapping{
					Kind:        rangemap.Physical,
					PageIndex:   zi,
					PageAligned: e.Value.PageAligned,
				})
				continue
			}
		}
		for a := s; a <= en; a++ {
			pg.Perm[a-e.Value.PageAligned] = effective
		}
	}
	m.tlb.RemoveRange(addr, end)
}

// FillMem fills [addr, addr+count-1] with value and ORs INIT into their
// permissions. Unallocated pages in the range are materialised first;
// Io entries are left untouched. Self-modifying-code checked the same
// way a write is; skipped entirely if it would overwrite a zero page
// with zeros.
func (m *Mmu) FillMem(addr, count uint64, value byte) error {
	if count == 0 {
		return nil
	}
	end := addr + count - 1
	for p := m.pageBase(addr); p <= end; p += m.pageSize {
		for _, e := range m.mapping.Overlapping(max(p, addr), min(p+m.pageSize-1, end)) {
			if e.Value.Kind == rangemap.Unallocated {
				if _, err := m.initPhysical(p, false); err != nil {
					return err
				}
				break
			}
		}
		if p+m.pageSize < p {
			break
		}
	}
	for _, e := range m.mapping.Overlapping(addr, end) {
		if e.Value.Kind != rangemap.Physical {
			continue
		}
		if value == 0 && m.phys.IsZeroPage(e.Value.PageIndex) {
			continue
		}
		pg := m.phys.Get(e.Value.PageIndex)
		if m.detectSMC && pg.Executed {
			s, en := e.Start, e.End
			if s < addr {
				s = addr
			}
			if en > end {
				en = end
			}
			for a := s; a <= en; a++ {
				off := a - e.Value.PageAligned
				if pg.Perm[off]&perm.IN_CODE_CACHE != 0 && pg.Data[off] != value {
					return memerr.New(memerr.SelfModifyingCode, a)
				}
			}
		}
		s, en := e.Start, e.End
		if s < addr {
			s = addr
		}
		if en > end {
			en = end
		}
		for a := s; a <= en; a++ {
			off := a - e.Value.PageAligned
			pg.Data[off] = value
			pg.Perm[off] |= perm.INIT
		}
		if !pg.Modified {
			pg.Modified = true
			m.markModified(e.Value.PageAligned)
		}
	}
	m.tlb.RemoveRange(addr, end)
	return nil
}

// MoveRegionLen relocates every mapping in [start, start+len-1] by
// shifting its interval to begin at dst, preserving mapping values
// except that a Physical entry's PageAligned shifts with it. Every
// covered entry is removed before any is reinserted at its shifted
// position (both passes run from the highest-addressed overlap to the
// lowest), so overlapping forward and backward shifts of the same
// region are both safe without a temporary copy.
func (m *Mmu) MoveRegionLen(start, length, dst uint64) error {
	if length == 0 {
		return nil
	}
	end := start + length - 1
	overlapping := m.mapping.Overlapping(start, end)

	covered := uint64(0)
	for _, e := range overlapping {
		s, en := e.Start, e.End
		if s < start {
			s = start
		}
		if en > end {
			en = end
		}
		covered += en - s + 1
	}
	if covered != length {
		return memerr.New(memerr.Unmapped, start)
	}

	for _, e := range overlapping {
		if e.Start < start || e.End > end {
			return memerr.New(memerr.Unmapped, start) // partial overlap with edge: unsupported
		}
	}
	shift := dst - start
	for i := len(overlapping) - 1; i >= 0; i-- {
		m.mapping.Delete(overlapping[i].Start, overlapping[i].End)
	}
	for i := len(overlapping) - 1; i >= 0; i-- {
		e := overlapping[i]
		v := e.Value
		if v.Kind == rangemap.Physical {
			v.PageAligned += shift
		}
		m.mapping.Insert(e.Start+shift, e.End+shift, v)
	}
	m.invalidateMapMutation(start, end)
	m.invalidateMapMutation(dst, dst+length-1)
	return nil
}
