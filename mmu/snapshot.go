package mmu

import (
	"github.com/Azvanzed/icicle-emu/hook"
	"github.com/Azvanzed/icicle-emu/iodev"
	"github.com/Azvanzed/icicle-emu/physical"
	"github.com/Azvanzed/icicle-emu/rangemap"
	"github.com/Azvanzed/icicle-emu/tlb"
)

// Snapshot is an opaque, restorable point-in-time view of an Mmu's
// state (§4.5).
type Snapshot struct {
	mapping *rangemap.Map
	phys    *physical.Snapshot
	io      [][]byte
}

// Snapshot clears the TLB, clones the mapping, asks the physical pool
// for a CoW snapshot, and snapshots every registered I/O handler.
func (m *Mmu) Snapshot() *Snapshot {
	m.tlb.Clear()
	snap := &Snapshot{
		mapping: m.mapping.Clone(),
		phys:    m.phys.Snapshot(),
		io:      m.io.SnapshotAll(),
	}
	m.parent = snap
	return snap
}

// Restore replaces the Mmu's mapping, physical pool, and I/O handler
// state from a previously taken Snapshot.
func (m *Mmu) Restore(snap *Snapshot) {
	m.tlb.Clear()
	m.io.ClearCache()
	m.modified = make(map[uint64]struct{})
	m.phys.Restore(snap.phys)
	m.io.RestoreAll(snap.io)
	m.mapping = snap.mapping.Clone()
	m.parent = snap
}

// SnapshotVirtualMapping marks every Physical page as copy-on-write and
// returns a clone of the mapping; page data itself is not cloned, so
// subsequent writes force a CoW allocation.
func (m *Mmu) SnapshotVirtualMapping() *rangemap.Map {
	m.tlb.Clear()
	m.mapping.Ascend(func(e *rangemap.Entry) bool {
		if e.Value.Kind == rangemap.Physical {
			m.phys.Refup(e.Value.PageIndex)
		}
		return true
	})
	return m.mapping.Clone()
}

// TakeVirtualMapping extracts the current mapping, leaving the Mmu with
// an empty one.
func (m *Mmu) TakeVirtualMapping() *rangemap.Map {
	m.tlb.Clear()
	old := m.mapping
	m.mapping = rangemap.New()
	return old
}

// RestoreVirtualMapping replaces the current mapping with mp.
func (m *Mmu) RestoreVirtualMapping(mp *rangemap.Map) {
	m.tlb.Clear()
	m.mapping = mp
}

// ResetVirtual clears the mapping back to empty.
func (m *Mmu) ResetVirtual() {
	m.tlb.Clear()
	m.mapping = rangemap.New()
}

// Clear returns the Mmu to its just-constructed empty state, preserving
// configuration flags, page size, and capacity.
func (m *Mmu) Clear() {
	m.tlb = tlb.New(m.pageSize)
	m.mapping = rangemap.New()
	m.readHooks = hook.NewStore[hook.ReadFunc]()
	m.readAfterHooks = hook.NewStore[hook.ObserveFunc]()
	m.writeHooks = hook.NewStore[hook.ObserveFunc]()
	m.phys = physical.New(m.pageSize, m.phys.Capacity())
	m.io = iodev.NewTable()
	m.modified = make(map[uint64]struct{})
	m.parent = nil
	m.tlbHitCount = 0
	m.tlbMissCount = 0
}
