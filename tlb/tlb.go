// Package tlb implements the software translation-lookaside cache: a
// direct-mapped, split read/write cache from virtual page base to a
// physical page reference, used to accelerate the MMU's hot path.
//
// The original design exposes a raw pointer into physical memory so a
// JIT can inline the lookup. This port keeps the "stable address, cheap
// inline lookup" property — the Cache itself is always heap-allocated,
// so its address never moves even if its internal maps grow — but
// caches a *physical.Page reference (no byte offset) instead of an
// unsafe.Pointer, per the "safe pointer caching" design note in §9.
package tlb

import "github.com/Azvanzed/icicle-emu/physical"

// Entry is one cached translation: the physical page backing a virtual
// page, with no offset stored since page bases always align.
type Entry struct {
	Page *physical.Page
}

// Cache is the split read/write software TLB. Always referenced through
// a pointer so its address is stable for the lifetime of the owning
// Mmu, matching the original's "boxed on the heap" requirement.
type Cache struct {
	pageSize uint64
	pageMask uint64

	read  map[uint64]Entry
	write map[uint64]Entry
}

// New creates an empty Cache for the given page size.
func New(pageSize uint64) *Cache {
	return &Cache{
		pageSize: pageSize,
		pageMask: pageSize - 1,
		read:     make(map[uint64]Entry),
		write:    make(map[uint64]Entry),
	}
}

// PageBase returns addr rounded down to the page boundary.
func (c *Cache) PageBase(addr uint64) uint64 {
	return addr &^ c.pageMask
}

// LookupRead returns the cached page for a read at addr's page, if any.
func (c *Cache) LookupRead(addr uint64) (*physical.Page, bool) {
	e, ok := c.read[c.PageBase(addr)]
	if !ok {
		return nil, false
	}
	return e.Page, true
}

// LookupWrite returns the cached page for a write at addr's page, if any.
func (c *Cache) LookupWrite(addr uint64) (*physical.Page, bool) {
	e, ok := c.write[c.PageBase(addr)]
	if !ok {
		return nil, false
	}
	return e.Page, true
}

// InsertRead installs a read-side entry for the page containing addr.
func (c *Cache) InsertRead(addr uint64, page *physical.Page) {
	c.read[c.PageBase(addr)] = Entry{Page: page}
}

// InsertWrite installs a write-side entry for the page containing addr.
func (c *Cache) InsertWrite(addr uint64, page *physical.Page) {
	c.write[c.PageBase(addr)] = Entry{Page: page}
}

// ContainsWrite reports whether a write entry exists for the page
// containing addr (used by tests and by instrumentation to verify
// invalidation, per scenario 3 in §8).
func (c *Cache) ContainsWrite(addr uint64) bool {
	_, ok := c.write[c.PageBase(addr)]
	return ok
}

// ContainsRead reports whether a read entry exists for the page
// containing addr.
func (c *Cache) ContainsRead(addr uint64) bool {
	_, ok := c.read[c.PageBase(addr)]
	return ok
}

// RemovePage invalidates both the read and write entries for the page
// containing addr.
func (c *Cache) RemovePage(addr uint64) {
	base := c.PageBase(addr)
	delete(c.read, base)
	delete(c.write, base)
}

// RemoveReadPage invalidates only the read-side entry for the page
// containing addr, used when a write may have moved the backing page
// (copy-on-write) but the write-side entry is handled separately.
func (c *Cache) RemoveReadPage(addr uint64) {
	delete(c.read, c.PageBase(addr))
}

// RemoveRange invalidates every entry whose page base falls within
// [start, end].
func (c *Cache) RemoveRange(start, end uint64) {
	first := c.PageBase(start)
	last := c.PageBase(end)
	for base := first; base <= last; base += c.pageSize {
		delete(c.read, base)
		delete(c.write, base)
		if base+c.pageSize < base {
			break // would overflow past the end of the address space
		}
	}
}

// Clear invalidates every entry. Used for the blanket invalidations
// required on hook mutation, snapshot, and restore (§4.4, §4.5).
func (c *Cache) Clear() {
	c.read = make(map[uint64]Entry)
	c.write = make(map[uint64]Entry)
}
