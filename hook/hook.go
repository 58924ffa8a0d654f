// Package hook implements the three stable-id hook stores (read,
// read-after, write) and their reentrant take-and-restore dispatch
// protocol described in spec §4.4.
package hook

// ReadFunc intercepts a read before memory is touched. Returning
// ok=true short-circuits the access with value as the synthesised
// little-endian result; ok=false lets the access fall through to
// memory.
type ReadFunc func(addr uint64, size int) (value uint64, ok bool)

// ObserveFunc is called after a successful read (read-after hooks) or
// write (write hooks) with the bytes involved.
type ObserveFunc func(addr uint64, data []byte)

// Hook is one registered range/handler pair. ID is stable for the life
// of the registration and equals its slot index.
type Hook[H any] struct {
	ID    uint64
	Start uint64
	End   uint64 // exclusive, per spec §2 item 4: half-open [start, end)
	Fn    H
}

func (h *Hook[H]) contains(addr uint64) bool {
	return addr >= h.Start && addr < h.End
}

// Store holds hooks of one kind. Slots are nil when free; Add reuses
// the lowest free slot before growing. base is added to every slot
// index to form an id: Dispatch raises it for the duration of a nested
// Add so ids handed out mid-dispatch already equal their final,
// post-dispatch id (see Dispatch).
type Store[H any] struct {
	slots []*Hook[H]
	base  uint64
}

// NewStore creates an empty Store.
func NewStore[H any]() *Store[H] {
	return &Store[H]{}
}

// Add registers a hook over the half-open range [start, end) and
// returns its stable id.
func (s *Store[H]) Add(start, end uint64, fn H) uint64 {
	for i, slot := range s.slots {
		if slot == nil {
			id := uint64(i) + s.base
			s.slots[i] = &Hook[H]{ID: id, Start: start, End: end, Fn: fn}
			return id
		}
	}
	id := uint64(len(s.slots)) + s.base
	s.slots = append(s.slots, &Hook[H]{ID: id, Start: start, End: end, Fn: fn})
	return id
}

// Remove frees the slot for id. Returns false if id was never
// registered or already removed.
func (s *Store[H]) Remove(id uint64) bool {
	if id < s.base {
		return false
	}
	i := id - s.base
	if i >= uint64(len(s.slots)) || s.slots[i] == nil {
		return false
	}
	s.slots[i] = nil
	return true
}

// Get returns the hook registered at id, if live.
func (s *Store[H]) Get(id uint64) (*Hook[H], bool) {
	if id < s.base {
		return nil, false
	}
	i := id - s.base
	if i >= uint64(len(s.slots)) || s.slots[i] == nil {
		return nil, false
	}
	return s.slots[i], true
}

// Contains reports whether any live hook's range, padded out to whole
// pages of pageSize, includes addr. The mapping manager and access
// engine use this to decide whether a TLB entry may safely be cached
// for a page (§4.4).
func (s *Store[H]) Contains(addr, pageSize uint64) bool {
	mask := pageSize - 1
	for _, h := range s.slots {
		if h == nil {
			continue
		}
		paddedStart := h.Start &^ mask
		paddedEnd := (h.End + mask) &^ mask // may overflow; see §9 open question
		if addr >= paddedStart && addr < paddedEnd {
			return true
		}
	}
	return false
}

// Dispatch runs fn once for every hook whose range contains addr, in
// insertion (slot) order, implementing the reentrant take-and-restore
// protocol: the live slot list is swapped out for the duration of fn so
// a handler may call back into Add/Remove (operating on the emptied
// store) without corrupting the iteration in progress. base is raised
// for the duration so a nested Add's returned id already accounts for
// the slots it will be appended after. While fn runs, Remove/Get of an
// id handed out before dispatch report false, since those slots are
// taken out of the store; they resolve again once Dispatch returns.
// Slots added during dispatch are appended after the dispatched set
// once fn returns.
func (s *Store[H]) Dispatch(addr uint64, fn func(h *Hook[H])) {
	taken := s.slots
	s.slots = nil
	prevBase := s.base
	s.base = prevBase + uint64(len(taken))
	for _, h := range taken {
		if h != nil && h.contains(addr) {
			fn(h)
		}
	}
	nested := s.slots
	s.base = prevBase
	s.slots = append(taken, nested...)
}

// Len returns the number of slots, live or freed, currently tracked
// (the high-water id + 1).
func (s *Store[H]) Len() int { return len(s.slots) }
