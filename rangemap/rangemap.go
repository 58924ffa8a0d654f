// Package rangemap implements the ordered interval container backing the
// MMU's virtual mapping table: an ordered map from inclusive address
// ranges [start, end] to MemoryMapping variants (Physical, Unallocated,
// Io).
//
// Grounded on the teacher's style of building collections over a
// well-known container rather than a bespoke tree (biscuit leans on
// plain slices for its small in-kernel structures); here the pack's
// gVisor fork (other_examples manifest wilinz-gvisor/go.mod) depends
// directly on github.com/google/btree for exactly this kind of ordered
// range bookkeeping, which this package wraps.
package rangemap

import (
	"github.com/google/btree"

	"github.com/Azvanzed/icicle-emu/perm"
	"github.com/Azvanzed/icicle-emu/physical"
)

// Kind distinguishes the three MemoryMapping variants from spec §3.
type Kind int

const (
	Physical Kind = iota
	Unallocated
	Io
)

// Mapping is the value half of an entry. Only the fields relevant to
// Kind are meaningful.
type Mapping struct {
	Kind Kind

	// Physical
	PageIndex   physical.Index
	PageAligned uint64

	// Unallocated
	FillValue byte
	Perm      perm.Perm

	// Io
	HandlerID uint64
}

// Entry is one [Start, End] inclusive interval and its mapping.
type Entry struct {
	Start uint64
	End   uint64
	Value Mapping
}

func (e *Entry) contains(addr uint64) bool {
	return addr >= e.Start && addr <= e.End
}

func (e *Entry) overlaps(start, end uint64) bool {
	return e.Start <= end && start <= e.End
}

// Map is an ordered, non-overlapping collection of Entry, keyed by
// Start.
type Map struct {
	tree *btree.BTreeG[*Entry]
}

func less(a, b *Entry) bool {
	return a.Start < b.Start
}

// New creates an empty Map.
func New() *Map {
	return &Map{tree: btree.NewG[*Entry](32, less)}
}

// Len returns the number of entries.
func (m *Map) Len() int { return m.tree.Len() }

// Overlapping returns every entry intersecting [start, end], in
// ascending address order.
func (m *Map) Overlapping(start, end uint64) []*Entry {
	var out []*Entry
	// Entries with Start > end cannot overlap; scan from the entry with
	// the greatest Start <= end downward is awkward with BTreeG's ascend
	// API, so ascend the whole tree from the start of a generous pivot:
	// the entry immediately before `start` may still overlap if its End
	// reaches into the range, so we must also consider one entry before.
	pivotStart := uint64(0)
	if before, ok := m.entryBefore(start); ok {
		pivotStart = before.Start
	}
	visit := func(e *Entry) bool {
		if e.overlaps(start, end) {
			out = append(out, e)
		}
		return true
	}
	if end == ^uint64(0) {
		m.tree.AscendGreaterOrEqual(&Entry{Start: pivotStart}, visit)
	} else {
		m.tree.AscendRange(&Entry{Start: pivotStart}, &Entry{Start: end + 1}, visit)
	}
	return out
}

// entryBefore returns the entry with the greatest Start <= addr, if any.
func (m *Map) entryBefore(addr uint64) (*Entry, bool) {
	var found *Entry
	m.tree.DescendLessOrEqual(&Entry{Start: addr}, func(e *Entry) bool {
		found = e
		return false
	})
	return found, found != nil
}

// At returns the entry containing addr, if any.
func (m *Map) At(addr uint64) (*Entry, bool) {
	e, ok := m.entryBefore(addr)
	if !ok || !e.contains(addr) {
		return nil, false
	}
	return e, true
}

// Insert adds [start, end] -> value. It fails if the range overlaps any
// existing entry, is empty, or wraps past the 64-bit address space.
func (m *Map) Insert(start, end uint64, value Mapping) bool {
	if end < start {
		return false
	}
	if len(m.Overlapping(start, end)) > 0 {
		return false
	}
	m.tree.ReplaceOrInsert(&Entry{Start: start, End: end, Value: value})
	return true
}

// Delete removes the entry with exactly the given [start, end] bounds.
// Returns false if no such entry exists.
func (m *Map) Delete(start, end uint64) bool {
	e, ok := m.tree.Get(&Entry{Start: start})
	if !ok || e.End != end {
		return false
	}
	m.tree.Delete(&Entry{Start: start})
	return true
}

// Clone returns a shallow copy: entries are copied, mapping values are
// copied by value, but any referenced physical pages are shared (the
// caller is responsible for CoW-marking the pool).
func (m *Map) Clone() *Map {
	out := New()
	m.tree.Ascend(func(e *Entry) bool {
		cp := *e
		out.tree.ReplaceOrInsert(&cp)
		return true
	})
	return out
}

// Ascend calls fn for every entry in ascending address order, stopping
// early if fn returns false.
func (m *Map) Ascend(fn func(*Entry) bool) {
	m.tree.Ascend(fn)
}

// Clear removes every entry.
func (m *Map) Clear() {
	m.tree.Clear(false)
}
