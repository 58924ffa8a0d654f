package mmu

import "github.com/Azvanzed/icicle-emu/hook"

// AddReadHook registers fn over [start, end); see §4.4.
func (m *Mmu) AddReadHook(start, end uint64, fn hook.ReadFunc) uint64 {
	id := m.readHooks.Add(start, end, fn)
	m.tlb.Clear()
	return id
}

// RemoveReadHook unregisters a previously added read hook.
func (m *Mmu) RemoveReadHook(id uint64) bool {
	ok := m.readHooks.Remove(id)
	if ok {
		m.tlb.Clear()
	}
	return ok
}

// GetReadHook returns the read hook registered at id.
func (m *Mmu) GetReadHook(id uint64) (*hook.Hook[hook.ReadFunc], bool) {
	return m.readHooks.Get(id)
}

// AddReadAfterHook registers fn over [start, end) to observe bytes after
// a successful read.
func (m *Mmu) AddReadAfterHook(start, end uint64, fn hook.ObserveFunc) uint64 {
	id := m.readAfterHooks.Add(start, end, fn)
	m.tlb.Clear()
	return id
}

// RemoveReadAfterHook unregisters a previously added read-after hook.
func (m *Mmu) RemoveReadAfterHook(id uint64) bool {
	ok := m.readAfterHooks.Remove(id)
	if ok {
		m.tlb.Clear()
	}
	return ok
}

// GetReadAfterHook returns the read-after hook registered at id.
func (m *Mmu) GetReadAfterHook(id uint64) (*hook.Hook[hook.ObserveFunc], bool) {
	return m.readAfterHooks.Get(id)
}

// AddWriteHook registers fn over [start, end) to observe bytes after a
// successful write.
func (m *Mmu) AddWriteHook(start, end uint64, fn hook.ObserveFunc) uint64 {
	id := m.writeHooks.Add(start, end, fn)
	m.tlb.Clear()
	return id
}

// RemoveWriteHook unregisters a previously added write hook.
func (m *Mmu) RemoveWriteHook(id uint64) bool {
	ok := m.writeHooks.Remove(id)
	if ok {
		m.tlb.Clear()
	}
	return ok
}

// GetWriteHook returns the write hook registered at id.
func (m *Mmu) GetWriteHook(id uint64) (*hook.Hook[hook.ObserveFunc], bool) {
	return m.writeHooks.Get(id)
}
