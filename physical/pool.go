// Package physical implements the fixed-capacity physical page pool: the
// opaque page store the mapping manager and access engine materialise
// pages from, clone for copy-on-write, and share zero pages out of.
//
// Grounded on biscuit/src/mem/mem.go's Physmem_t free-list allocator and
// refcounted page model; the per-CPU free-list split and atomic
// refcounting there are collapsed to a single free list and plain int
// refcounts here since the MMU's concurrency model (see §5) is
// single-threaded cooperative, not biscuit's multi-CPU kernel.
package physical

import "github.com/Azvanzed/icicle-emu/perm"

// Index is a stable handle to a page in the pool. It never changes once
// a page is allocated, and is never reused while the page is live.
type Index uint32

// Page is one fixed-size physical page: byte data, per-byte permissions,
// and the flags the spec's access engine and mapping manager consult.
type Page struct {
	Data []byte
	Perm []perm.Perm

	// Executed marks that this page's bytes have been handed to the code
	// translation cache; see ensure_executable in §4.1.
	Executed bool
	// Modified marks that this page has been written since the last
	// clear_page_modification_log.
	Modified bool
	// CopyOnWrite marks a page shared by more than one owner (a snapshot
	// or a zero page); the next write must clone it first.
	CopyOnWrite bool

	refcount int32
}

// Pool is the fixed-capacity allocator of fixed-size physical pages.
type Pool struct {
	pageSize uint64
	capacity uint64

	pages []*Page
	free  []Index

	zeroPages map[perm.Perm]Index
}

// New creates an empty pool with the given page size and page capacity.
func New(pageSize, capacity uint64) *Pool {
	return &Pool{
		pageSize:  pageSize,
		capacity:  capacity,
		zeroPages: make(map[perm.Perm]Index),
	}
}

// PageSize returns the fixed page size of this pool.
func (p *Pool) PageSize() uint64 { return p.pageSize }

// Capacity returns the current page-count capacity.
func (p *Pool) Capacity() uint64 { return p.capacity }

// SetCapacity clamps n upward to the number of pages currently
// allocated, per §5's resource-limit rule.
func (p *Pool) SetCapacity(n uint64) {
	inUse := uint64(len(p.pages) - len(p.free))
	if n < inUse {
		n = inUse
	}
	p.capacity = n
}

// TotalPages returns the number of live (non-free) pages.
func (p *Pool) TotalPages() uint64 {
	return uint64(len(p.pages) - len(p.free))
}

// allocSlot returns a fresh, zeroed Page at a newly reserved index, or
// ok=false if the pool is at capacity.
func (p *Pool) allocSlot() (Index, *Page, bool) {
	if p.TotalPages() >= p.capacity {
		return 0, nil, false
	}
	if n := len(p.free); n > 0 {
		idx := p.free[n-1]
		p.free = p.free[:n-1]
		pg := &Page{
			Data: make([]byte, p.pageSize),
			Perm: make([]perm.Perm, p.pageSize),
		}
		p.pages[idx] = pg
		return idx, pg, true
	}
	pg := &Page{
		Data: make([]byte, p.pageSize),
		Perm: make([]perm.Perm, p.pageSize),
	}
	idx := Index(len(p.pages))
	p.pages = append(p.pages, pg)
	return idx, pg, true
}

// Alloc allocates one fresh, zero-filled page with NONE permission
// everywhere. Returns ok=false on OutOfMemory.
func (p *Pool) Alloc() (Index, bool) {
	idx, pg, ok := p.allocSlot()
	if !ok {
		return 0, false
	}
	pg.refcount = 1
	return idx, true
}

// Get returns the page at idx.
func (p *Pool) Get(idx Index) *Page {
	return p.pages[idx]
}

// Free releases idx back to the pool's free list. Callers must ensure no
// mapping still references idx.
func (p *Pool) Free(idx Index) {
	p.pages[idx] = nil
	p.free = append(p.free, idx)
}

// Clone allocates a fresh page and copies idx's data and permission
// bytes into it, per the copy-on-write policy in §4.1 write_physical
// step 2 and §9's explicit refcount design note: the new page has
// CopyOnWrite=false and refcount 1; the source page's refcount is
// decremented since one fewer owner now shares it.
func (p *Pool) Clone(idx Index) (Index, bool) {
	src := p.pages[idx]
	newIdx, pg, ok := p.allocSlot()
	if !ok {
		return 0, false
	}
	copy(pg.Data, src.Data)
	copy(pg.Perm, src.Perm)
	pg.Executed = false
	pg.CopyOnWrite = false
	pg.Modified = src.Modified
	pg.refcount = 1
	p.Refdown(idx)
	return newIdx, true
}

// Refup increments idx's refcount, marking it shared (copy-on-write).
func (p *Pool) Refup(idx Index) {
	p.pages[idx].refcount++
	p.pages[idx].CopyOnWrite = true
}

// Refdown decrements idx's refcount. It does not free the page: pages
// are released only by an explicit Free call, and the mmu package never
// makes one.
func (p *Pool) Refdown(idx Index) {
	if p.pages[idx].refcount > 0 {
		p.pages[idx].refcount--
	}
}

// Refcount returns idx's current refcount.
func (p *Pool) Refcount(idx Index) int32 {
	return p.pages[idx].refcount
}

// ZeroPage returns the shared read-only all-zero page for the given
// permission class, allocating it on first use. The page is marked
// CopyOnWrite so that any write target forces a clone first, per §9
// "Shared zero pages".
func (p *Pool) ZeroPage(perms perm.Perm) (Index, bool) {
	if idx, ok := p.zeroPages[perms]; ok {
		return idx, true
	}
	idx, pg, ok := p.allocSlot()
	if !ok {
		return 0, false
	}
	for i := range pg.Perm {
		pg.Perm[i] = perms
	}
	pg.CopyOnWrite = true
	pg.refcount = 1
	p.zeroPages[perms] = idx
	return idx, true
}

// IsZeroPage reports whether idx is one of the pool's shared zero pages.
func (p *Pool) IsZeroPage(idx Index) bool {
	for _, z := range p.zeroPages {
		if z == idx {
			return true
		}
	}
	return false
}

// Snapshot is an opaque, point-in-time view of the pool's page table.
// Taking one marks every live page copy-on-write (so later writes clone
// rather than mutate data the snapshot's view depends on) and records
// the pool's slot layout so Restore can put it back.
type Snapshot struct {
	pageSize  uint64
	capacity  uint64
	pages     []*Page
	free      []Index
	zeroPages map[perm.Perm]Index
}

// Snapshot clones the pool's bookkeeping (not page bytes: the
// copy-on-write marking means existing byte buffers stay valid as the
// snapshot's view for as long as anything still points at them) and
// returns it for later Restore.
func (p *Pool) Snapshot() *Snapshot {
	for idx, pg := range p.pages {
		if pg == nil {
			continue
		}
		p.Refup(Index(idx))
	}
	snap := &Snapshot{
		pageSize:  p.pageSize,
		capacity:  p.capacity,
		pages:     append([]*Page(nil), p.pages...),
		free:      append([]Index(nil), p.free...),
		zeroPages: make(map[perm.Perm]Index, len(p.zeroPages)),
	}
	for k, v := range p.zeroPages {
		snap.zeroPages[k] = v
	}
	return snap
}

// Restore replaces the pool's page table with a previously taken
// Snapshot, discarding any pages allocated since.
func (p *Pool) Restore(snap *Snapshot) {
	p.pageSize = snap.pageSize
	p.capacity = snap.capacity
	p.pages = append([]*Page(nil), snap.pages...)
	p.free = append([]Index(nil), snap.free...)
	p.zeroPages = make(map[perm.Perm]Index, len(snap.zeroPages))
	for k, v := range snap.zeroPages {
		p.zeroPages[k] = v
	}
}
