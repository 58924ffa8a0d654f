package mmu

import "github.com/Azvanzed/icicle-emu/iodev"

// RegisterIoHandler registers mem and returns its stable handler id,
// which can then be used as the HandlerID field of an Io mapping passed
// to MapMemoryLen (§6).
func (m *Mmu) RegisterIoHandler(mem iodev.Memory) iodev.HandlerID {
	return m.io.Register(mem)
}

// GetIoMemoryMut returns the handler registered under id.
func (m *Mmu) GetIoMemoryMut(id iodev.HandlerID) (iodev.Memory, bool) {
	return m.io.Get(id)
}
