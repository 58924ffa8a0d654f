// Package mmu implements the guest virtual memory management unit: the
// aggregate that ties the physical page pool, the virtual range mapping,
// the software TLB, the three hook stores, and the I/O handler table
// into the single object a translator/executor drives.
//
// Grounded on biscuit/src/vm/as.go's Vm_t, which plays the analogous
// role in the teacher kernel (owning the pmap, the Vmregion tree, and
// the page-fault/TLB-shootdown glue); this package follows its method
// naming style (terse, verb-first, one-or-two-line doc comments) while
// replacing biscuit's hardware-page-table model with the software
// mapping/TLB pair spec.md §2 calls for.
package mmu

import (
	"github.com/sirupsen/logrus"

	"github.com/Azvanzed/icicle-emu/hook"
	"github.com/Azvanzed/icicle-emu/iodev"
	"github.com/Azvanzed/icicle-emu/perm"
	"github.com/Azvanzed/icicle-emu/physical"
	"github.com/Azvanzed/icicle-emu/rangemap"
	"github.com/Azvanzed/icicle-emu/tlb"
)

// UninitValue fills bytes materialised from an Io or absent mapping,
// mirroring the original's sentinel fill for regions that are neither
// real memory nor backed by a handler.
const UninitValue = 0xCC

// Mmu is the guest virtual memory management unit.
type Mmu struct {
	pageSize uint64
	pageMask uint64

	trackUninitialized bool
	detectSMC          bool
	invalidateICache   bool
	mappingChanged     bool

	tlbHitCount  uint64
	tlbMissCount uint64
	modified     map[uint64]struct{}

	tlb            *tlb.Cache
	mapping        *rangemap.Map
	readHooks      *hook.Store[hook.ReadFunc]
	readAfterHooks *hook.Store[hook.ObserveFunc]
	writeHooks     *hook.Store[hook.ObserveFunc]
	phys           *physical.Pool
	io             *iodev.Table

	log *logrus.Logger

	parent *Snapshot
}

// Option configures an Mmu at construction time.
type Option func(*Mmu)

// WithTrackUninitialized enables the track_uninitialized flag (§3):
// newly materialised memory has no INIT bit, so reads before the first
// write fail with Uninitialized.
func WithTrackUninitialized(enabled bool) Option {
	return func(m *Mmu) { m.trackUninitialized = enabled }
}

// WithDetectSelfModifyingCode enables the self-modifying-code guard
// described in §4.1.
func WithDetectSelfModifyingCode(enabled bool) Option {
	return func(m *Mmu) { m.detectSMC = enabled }
}

// WithLogger overrides the default logger used for the non-fatal
// diagnostics described in SPEC_FULL §10 (AMBIENT STACK).
func WithLogger(log *logrus.Logger) Option {
	return func(m *Mmu) { m.log = log }
}

// New creates an empty Mmu with the given page size (must be a power of
// two) and physical page capacity.
func New(pageSize, capacity uint64, opts ...Option) *Mmu {
	m := &Mmu{
		pageSize: pageSize,
		pageMask: pageSize - 1,
		modified: make(map[uint64]struct{}),

		tlb:            tlb.New(pageSize),
		mapping:        rangemap.New(),
		readHooks:      hook.NewStore[hook.ReadFunc](),
		readAfterHooks: hook.NewStore[hook.ObserveFunc](),
		writeHooks:     hook.NewStore[hook.ObserveFunc](),
		phys:           physical.New(pageSize, capacity),
		io:             iodev.NewTable(),

		log: logrus.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PageSize returns the fixed page size of this Mmu.
func (m *Mmu) PageSize() uint64 { return m.pageSize }

// PageOffset returns addr's offset within its page.
func (m *Mmu) PageOffset(addr uint64) uint64 { return addr & m.pageMask }

// PageAligned reports whether addr falls on a page boundary.
func (m *Mmu) PageAligned(addr uint64) bool { return addr&m.pageMask == 0 }

func (m *Mmu) pageBase(addr uint64) uint64 { return addr &^ m.pageMask }

// Capacity returns the physical pool's page capacity.
func (m *Mmu) Capacity() uint64 { return m.phys.Capacity() }

// SetCapacity adjusts the physical pool's page capacity (§5).
func (m *Mmu) SetCapacity(n uint64) { m.phys.SetCapacity(n) }

// TotalPages returns the number of physical pages currently allocated.
func (m *Mmu) TotalPages() uint64 { return m.phys.TotalPages() }

// TLBHitCount returns the number of hot-path TLB hits observed.
func (m *Mmu) TLBHitCount() uint64 { return m.tlbHitCount }

// TLBMissCount returns the number of hot-path TLB misses observed.
func (m *Mmu) TLBMissCount() uint64 { return m.tlbMissCount }

// TLBPtr exposes the TLB's stable heap address for a code generator that
// wants to inline the hot-path lookup itself (§5, §9). The Cache type is
// safe to read concurrently with lookups but not across a mapping
// mutation; see the package doc and §5's shared-mutable-state rules.
func (m *Mmu) TLBPtr() *tlb.Cache { return m.tlb }

// ClearTLB invalidates every cached translation.
func (m *Mmu) ClearTLB() { m.tlb.Clear() }

// InvalidatePage invalidates the cached translation for addr's page.
func (m *Mmu) InvalidatePage(addr uint64) { m.tlb.RemovePage(addr) }

// InvalidateICache reports and clears the one-way "translated code may
// be stale" signal the embedder polls after any SelfModifyingCode-free
// code-coherence-relevant mutation.
func (m *Mmu) InvalidateICache() bool {
	v := m.invalidateICache
	m.invalidateICache = false
	return v
}

// MappingChanged reports and clears the one-way "mapping topology
// changed" signal.
func (m *Mmu) MappingChanged() bool {
	v := m.mappingChanged
	m.mappingChanged = false
	return v
}

// ModifiedPages returns the set of page bases written since the last
// ClearPageModificationLog call.
func (m *Mmu) ModifiedPages() []uint64 {
	out := make([]uint64, 0, len(m.modified))
	for base := range m.modified {
		out = append(out, base)
	}
	return out
}

// ClearPageModificationLog empties the modified-pages set.
func (m *Mmu) ClearPageModificationLog() {
	m.modified = make(map[uint64]struct{})
}

// GetPerm returns the permission byte at addr, or NONE if unmapped.
func (m *Mmu) GetPerm(addr uint64) perm.Perm {
	e, ok := m.mapping.At(addr)
	if !ok {
		return perm.NONE
	}
	switch e.Value.Kind {
	case rangemap.Physical:
		pg := m.phys.Get(e.Value.PageIndex)
		return pg.Perm[addr-e.Value.PageAligned]
	case rangemap.Unallocated:
		return e.Value.Perm | perm.MAP
	default: // Io
		return perm.RW | perm.MAP
	}
}

// GetMapping returns the raw mapping entry covering addr, if any; used
// by the loader/address-space manager to inspect mapping topology
// without going through the access engine.
func (m *Mmu) GetMapping(addr uint64) (rangemap.Mapping, bool) {
	e, ok := m.mapping.At(addr)
	if !ok {
		return rangemap.Mapping{}, false
	}
	return e.Value, true
}

func (m *Mmu) markModified(base uint64) {
	m.modified[base] = struct{}{}
}

// PhysAddr is the resolved (virtual, physical) pair returned by
// ResolveVaddr, mirroring the original's Addr{virt, phys} struct.
type PhysAddr struct {
	Virt  uint64
	Index physical.Index
	// Offset is the byte offset of Virt within the page at Index.
	Offset uint64
}

// ResolveVaddr resolves a virtual address to its backing physical page
// and offset, or ok=false if addr is not currently backed by a Physical
// mapping (unallocated, I/O, or unmapped addresses have no physical
// address).
func (m *Mmu) ResolveVaddr(addr uint64) (PhysAddr, bool) {
	e, ok := m.mapping.At(addr)
	if !ok || e.Value.Kind != rangemap.Physical {
		return PhysAddr{}, false
	}
	return PhysAddr{Virt: addr, Index: e.Value.PageIndex, Offset: addr - e.Value.PageAligned}, true
}

// GetPhysicalAddr returns the physical page index and in-page offset
// backing addr, or ok=false if addr is unallocated, I/O, or unmapped.
func (m *Mmu) GetPhysicalAddr(addr uint64) (physical.Index, uint64, bool) {
	pa, ok := m.ResolveVaddr(addr)
	if !ok {
		return 0, 0, false
	}
	return pa.Index, pa.Offset, true
}

// GetPhysicalIndex returns the physical page index mapped at addr.
func (m *Mmu) GetPhysicalIndex(addr uint64) (physical.Index, bool) {
	e, ok := m.mapping.At(addr)
	if !ok || e.Value.Kind != rangemap.Physical {
		return 0, false
	}
	return e.Value.PageIndex, true
}

// GetPhysical returns the page at idx for read-only inspection.
func (m *Mmu) GetPhysical(idx physical.Index) *physical.Page {
	return m.phys.Get(idx)
}

// GetPhysicalMut returns the page at idx for direct mutation by the
// embedder. As in the original (see its "may invalidate the TLB"
// comment on get_physical_mut), callers that change data bytes through
// this handle are responsible for calling InvalidatePage/ClearTLB
// themselves; the MMU does not do it for them since it cannot observe
// the mutation.
func (m *Mmu) GetPhysicalMut(idx physical.Index) *physical.Page {
	return m.phys.Get(idx)
}

// IsRegularRegion reports whether [start, start+len-1] is entirely
// covered by Physical or Unallocated mappings (no I/O, no gaps).
func (m *Mmu) IsRegularRegion(start, length uint64) bool {
	if length == 0 {
		return false
	}
	end := start + length - 1
	if end < start {
		return false
	}
	covered := uint64(0)
	for _, e := range m.mapping.Overlapping(start, end) {
		if e.Value.Kind != rangemap.Physical && e.Value.Kind != rangemap.Unallocated {
			return false
		}
		s, en := e.Start, e.End
		if s < start {
			s = start
		}
		if en > end {
			en = end
		}
		covered += en - s + 1
	}
	return covered == length
}
