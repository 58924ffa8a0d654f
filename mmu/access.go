package mmu

import (
	"encoding/binary"

	"github.com/Azvanzed/icicle-emu/hook"
	"github.com/Azvanzed/icicle-emu/iodev"
	"github.com/Azvanzed/icicle-emu/memerr"
	"github.com/Azvanzed/icicle-emu/perm"
	"github.com/Azvanzed/icicle-emu/physical"
	"github.com/Azvanzed/icicle-emu/rangemap"
)

// Unsigned constrains the widths read<N>/write<N> in the original
// support, standing in for its const-generic N via Go generics.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

func widthOf[T Unsigned]() int {
	var zero T
	switch any(zero).(type) {
	case uint8:
		return 1
	case uint16:
		return 2
	case uint32:
		return 4
	default:
		return 8
	}
}

func decode[T Unsigned](buf []byte) T {
	switch widthOf[T]() {
	case 1:
		return T(buf[0])
	case 2:
		return T(binary.LittleEndian.Uint16(buf))
	case 4:
		return T(binary.LittleEndian.Uint32(buf))
	default:
		return T(binary.LittleEndian.Uint64(buf))
	}
}

func encode[T Unsigned](v T) []byte {
	buf := make([]byte, widthOf[T]())
	switch len(buf) {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	default:
		binary.LittleEndian.PutUint64(buf, uint64(v))
	}
	return buf
}

func kindForPerm(bad, addr uint64, requested, actual perm.Perm) *memerr.Error {
	var k memerr.Kind
	switch perm.Perm(bad) {
	case perm.MAP:
		k = memerr.Unmapped
	case perm.W:
		k = memerr.WriteViolation
	case perm.X:
		k = memerr.ExecViolation
	case perm.INIT:
		k = memerr.Uninitialized
	default:
		k = memerr.ReadViolation
	}
	return memerr.NewPerm(k, addr, uint8(requested), uint8(actual))
}

// ReadAt reads a little-endian T from addr, enforcing requested
// permissions.
func ReadAt[T Unsigned](m *Mmu, addr uint64, requested perm.Perm) (T, error) {
	var zero T
	buf, err := m.readN(addr, widthOf[T](), requested)
	if err != nil {
		return zero, err
	}
	return decode[T](buf), nil
}

// WriteAt writes a little-endian T to addr, enforcing requested
// permissions.
func WriteAt[T Unsigned](m *Mmu, addr uint64, value T, requested perm.Perm) error {
	return m.writeN(addr, encode(value), requested)
}

// ReadU8/16/32/64 and WriteU8/16/32/64 are the concrete External
// Interface entry points named in §6.
func (m *Mmu) ReadU8(addr uint64, requested perm.Perm) (uint8, error) {
	return ReadAt[uint8](m, addr, requested)
}
func (m *Mmu) ReadU16(addr uint64, requested perm.Perm) (uint16, error) {
	return ReadAt[uint16](m, addr, requested)
}
func (m *Mmu) ReadU32(addr uint64, requested perm.Perm) (uint32, error) {
	return ReadAt[uint32](m, addr, requested)
}
func (m *Mmu) ReadU64(addr uint64, requested perm.Perm) (uint64, error) {
	return ReadAt[uint64](m, addr, requested)
}
func (m *Mmu) WriteU8(addr uint64, v uint8, requested perm.Perm) error {
	return WriteAt(m, addr, v, requested)
}
func (m *Mmu) WriteU16(addr uint64, v uint16, requested perm.Perm) error {
	return WriteAt(m, addr, v, requested)
}
func (m *Mmu) WriteU32(addr uint64, v uint32, requested perm.Perm) error {
	return WriteAt(m, addr, v, requested)
}
func (m *Mmu) WriteU64(addr uint64, v uint64, requested perm.Perm) error {
	return WriteAt(m, addr, v, requested)
}

// readN is the hot+slow path entry for an N-byte read.
func (m *Mmu) readN(addr uint64, n int, requested perm.Perm) ([]byte, error) {
	if addr%uint64(n) != 0 {
		return m.readByteWise(addr, n, requested)
	}
	base := m.pageBase(addr)
	if pg, ok := m.tlb.LookupRead(addr); ok {
		off := addr - base
		buf := make([]byte, n)
		for i := 0; i < n; i++ {
			actual := pg.Perm[off+uint64(i)]
			if bad, ok2 := perm.Check(actual, requested); !ok2 {
				return nil, kindForPerm(uint64(bad), addr+uint64(i), requested, actual)
			}
			if perm.NeedsInit(actual, requested) {
				return nil, memerr.NewPerm(memerr.Uninitialized, addr+uint64(i), uint8(requested), uint8(actual))
			}
			buf[i] = pg.Data[off+uint64(i)]
		}
		m.tlbHitCount++
		return buf, nil
	}
	m.tlbMissCount++
	buf, err := m.readTLBMiss(addr, n, requested)
	if err != nil && n != 1 && memerr.Is(err, memerr.Unmapped) {
		return m.readByteWise(addr, n, requested)
	}
	return buf, err
}

// readTLBMiss implements §4.1's slow path for reads.
func (m *Mmu) readTLBMiss(addr uint64, n int, requested perm.Perm) ([]byte, error) {
	var result []byte
	m.readHooks.Dispatch(addr, func(h *hook.Hook[hook.ReadFunc]) {
		if result != nil {
			return
		}
		if v, ok := h.Fn(addr, n); ok {
			result = encode(truncate(v, n))
		}
	})
	if result != nil {
		return result, nil
	}

	if id, ok := m.io.RecallHit(addr); ok {
		dev, _ := m.io.Get(id)
		buf := make([]byte, n)
		if err := dev.Read(addr, buf); err != nil {
			return nil, err
		}
		m.dispatchReadAfter(addr, buf)
		return buf, nil
	}

	e, ok := m.mapping.At(addr)
	if !ok {
		return nil, memerr.New(memerr.Unmapped, addr)
	}

	var buf []byte
	var err error
	switch e.Value.Kind {
	case rangemap.Physical:
		buf, err = m.readPhysical(addr, n, requested, e.Value)
	case rangemap.Unallocated:
		if bad, ok2 := perm.Check(e.Value.Perm|perm.MAP, requested); !ok2 {
			return nil, kindForPerm(uint64(bad), addr, requested, e.Value.Perm|perm.MAP)
		}
		var idx physical.Index
		idx, err = m.initPhysical(addr, true)
		if err != nil {
			return nil, err
		}
		buf, err = m.readPhysical(addr, n, requested, rangemap.Mapping{
			Kind: rangemap.Physical, PageIndex: idx, PageAligned: m.pageBase(addr),
		})
	case rangemap.Io:
		m.io.CacheHit(e.Start, e.End, iodev.HandlerID(e.Value.HandlerID))
		dev, _ := m.io.Get(iodev.HandlerID(e.Value.HandlerID))
		buf = make([]byte, n)
		err = dev.Read(addr, buf)
	default:
		return nil, memerr.New(memerr.Unmapped, addr)
	}
	if err != nil {
		return nil, err
	}
	m.dispatchReadAfter(addr, buf)
	return buf, nil
}

// readPhysical is §4.2's read primitive.
func (m *Mmu) readPhysical(addr uint64, n int, requested perm.Perm, mapping rangemap.Mapping) ([]byte, error) {
	pg := m.phys.Get(mapping.PageIndex)
	off := addr - mapping.PageAligned
	buf := make([]byte, n)
	for i := 0; i < n; i++ {
		actual := pg.Perm[off+uint64(i)]
		if bad, ok := perm.Check(actual, requested); !ok {
			return nil, kindForPerm(uint64(bad), addr+uint64(i), requested, actual)
		}
		if perm.NeedsInit(actual, requested) {
			return nil, memerr.NewPerm(memerr.Uninitialized, addr+uint64(i), uint8(requested), uint8(actual))
		}
		buf[i] = pg.Data[off+uint64(i)]
	}
	if !m.readHooks.Contains(addr, m.pageSize) && !m.readAfterHooks.Contains(addr, m.pageSize) {
		m.tlb.InsertRead(addr, pg)
	}
	return buf, nil
}

// writeN is the hot+slow path entry for an N-byte write.
func (m *Mmu) writeN(addr uint64, data []byte, requested perm.Perm) error {
	n := len(data)
	if addr%uint64(n) != 0 {
		return m.writeByteWise(addr, data, requested)
	}
	base := m.pageBase(addr)
	if pg, ok := m.tlb.LookupWrite(addr); ok {
		off := addr - base
		if m.detectSMC && pg.Executed {
			for i := 0; i < n; i++ {
				o := off + uint64(i)
				if pg.Perm[o]&perm.IN_CODE_CACHE != 0 && pg.Data[o] != data[i] {
					return memerr.New(memerr.SelfModifyingCode, addr+uint64(i))
				}
			}
		}
		for i := 0; i < n; i++ {
			actual := pg.Perm[off+uint64(i)]
			if bad, ok2 := perm.Check(actual, requested); !ok2 {
				return kindForPerm(uint64(bad), addr+uint64(i), requested, actual)
			}
		}
		if !pg.Modified {
			pg.Modified = true
			m.markModified(base)
		}
		for i := 0; i < n; i++ {
			pg.Data[off+uint64(i)] = data[i]
			pg.Perm[off+uint64(i)] |= perm.INIT
		}
		m.tlbHitCount++
		m.dispatchWrite(addr, data)
		return nil
	}
	m.tlbMissCount++
	err := m.writeTLBMiss(addr, data, requested)
	if err != nil && n != 1 && memerr.Is(err, memerr.Unmapped) {
		return m.writeByteWise(addr, data, requested)
	}
	return err
}

// writeTLBMiss implements §4.1's slow path for writes.
func (m *Mmu) writeTLBMiss(addr uint64, data []byte, requested perm.Perm) error {
	if id, ok := m.io.RecallHit(addr); ok {
		dev, _ := m.io.Get(id)
		if err := dev.Write(addr, data); err != nil {
			return err
		}
		m.dispatchWrite(addr, data)
		return nil
	}

	e, ok := m.mapping.At(addr)
	if !ok {
		return memerr.New(memerr.Unmapped, addr)
	}

	switch e.Value.Kind {
	case rangemap.Physical:
		if err := m.writePhysical(addr, data, requested, e.Value); err != nil {
			return err
		}
	case rangemap.Unallocated:
		if bad, ok2 := perm.Check(e.Value.Perm|perm.MAP, requested); !ok2 {
			return kindForPerm(uint64(bad), addr, requested, e.Value.Perm|perm.MAP)
		}
		idx, err := m.initPhysical(addr, false)
		if err != nil {
			return err
		}
		if err := m.writePhysical(addr, data, requested, rangemap.Mapping{
			Kind: rangemap.Physical, PageIndex: idx, PageAligned: m.pageBase(addr),
		}); err != nil {
			return err
		}
	case rangemap.Io:
		m.io.CacheHit(e.Start, e.End, iodev.HandlerID(e.Value.HandlerID))
		dev, _ := m.io.Get(iodev.HandlerID(e.Value.HandlerID))
		if err := dev.Write(addr, data); err != nil {
			return err
		}
	default:
		return memerr.New(memerr.Unmapped, addr)
	}
	m.dispatchWrite(addr, data)
	return nil
}

// writePhysical is §4.2's write primitive: self-modifying-code guard,
// copy-on-write clone, TLB invalidation, modification tracking, and the
// permission-checked byte write.
func (m *Mmu) writePhysical(addr uint64, data []byte, requested perm.Perm, mapping rangemap.Mapping) error {
	idx := mapping.PageIndex
	base := mapping.PageAligned
	pg := m.phys.Get(idx)
	off := addr - base
	n := len(data)

	if m.detectSMC && pg.Executed {
		for i := 0; i < n; i++ {
			o := off + uint64(i)
			if pg.Perm[o]&perm.IN_CODE_CACHE != 0 && pg.Data[o] != data[i] {
				return memerr.New(memerr.SelfModifyingCode, addr+uint64(i))
			}
		}
	}

	if pg.CopyOnWrite {
		newIdx, ok := m.phys.Clone(idx)
		if !ok {
			return memerr.New(memerr.OutOfMemory, addr)
		}
		m.rewritePhysicalMappings(idx, base, newIdx)
		idx = newIdx
		pg = m.phys.Get(idx)
	}

	m.tlb.RemoveReadPage(addr)

	if !pg.Modified {
		pg.Modified = true
		m.markModified(base)
	}

	for i := 0; i < n; i++ {
		o := off + uint64(i)
		actual := pg.Perm[o]
		if bad, ok := perm.Check(actual, requested); !ok {
			return kindForPerm(uint64(bad), addr+uint64(i), requested, actual)
		}
		pg.Data[o] = data[i]
		pg.Perm[o] |= perm.INIT
	}

	if !m.writeHooks.Contains(addr, m.pageSize) {
		m.tlb.InsertWrite(addr, pg)
	}
	return nil
}

// rewritePhysicalMappings updates every Physical mapping entry sharing
// (oldIdx, base) to point at newIdx, needed after a copy-on-write clone
// since a page may be mapped at more than one virtual range.
func (m *Mmu) rewritePhysicalMappings(oldIdx physical.Index, base uint64, newIdx physical.Index) {
	var toFix []*rangemap.Entry
	m.mapping.Ascend(func(e *rangemap.Entry) bool {
		if e.Value.Kind == rangemap.Physical && e.Value.PageIndex == oldIdx && e.Value.PageAligned == base {
			toFix = append(toFix, e)
		}
		return true
	})
	for _, e := range toFix {
		m.mapping.Delete(e.Start, e.End)
		v := e.Value
		v.PageIndex = newIdx
		m.mapping.Insert(e.Start, e.End, v)
	}
}

func truncate(v uint64, n int) uint64 {
	switch n {
	case 1:
		return v & 0xFF
	case 2:
		return v & 0xFFFF
	case 4:
		return v & 0xFFFFFFFF
	default:
		return v
	}
}

// readByteWise and writeByteWise implement the byte-wise fallback used
// for unaligned accesses and for accesses crossing a mapping boundary
// (§4.1, §8 boundary behaviors).
func (m *Mmu) readByteWise(addr uint64, n int, requested perm.Perm) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b, err := m.readN(addr+uint64(i), 1, requested)
		if err != nil {
			return nil, err
		}
		out[i] = b[0]
	}
	return out, nil
}

func (m *Mmu) writeByteWise(addr uint64, data []byte, requested perm.Perm) error {
	for i, b := range data {
		if err := m.writeN(addr+uint64(i), []byte{b}, requested); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mmu) dispatchReadAfter(addr uint64, data []byte) {
	m.readAfterHooks.Dispatch(addr, func(h *hook.Hook[hook.ObserveFunc]) {
		h.Fn(addr, data)
	})
}

func (m *Mmu) dispatchWrite(addr uint64, data []byte) {
	m.writeHooks.Dispatch(addr, func(h *hook.Hook[hook.ObserveFunc]) {
		h.Fn(addr, data)
	})
}

// ReadBytes reads len(out) bytes starting at addr into out, in 8-byte
// strides from addr followed by a byte-wise tail; a stride that is not
// 8-byte aligned goes through the byte-wise fallback. The chunk width is
// 8 bytes, the widest native integer width in Go, not 16.
func (m *Mmu) ReadBytes(addr uint64, out []byte, requested perm.Perm) error {
	i := 0
	for i+8 <= len(out) {
		chunk, err := m.readN(addr+uint64(i), 8, requested)
		if err != nil {
			return err
		}
		copy(out[i:i+8], chunk)
		i += 8
	}
	for ; i < len(out); i++ {
		b, err := m.readN(addr+uint64(i), 1, requested)
		if err != nil {
			return err
		}
		out[i] = b[0]
	}
	return nil
}

// WriteBytes writes data to addr using the same chunking strategy as
// ReadBytes. Progress up to a failing byte is committed and visible, per
// §7.
func (m *Mmu) WriteBytes(addr uint64, data []byte, requested perm.Perm) error {
	i := 0
	for i+8 <= len(data) {
		if err := m.writeN(addr+uint64(i), data[i:i+8], requested); err != nil {
			return err
		}
		i += 8
	}
	for ; i < len(data); i++ {
		if err := m.writeN(addr+uint64(i), data[i:i+1], requested); err != nil {
			return err
		}
	}
	return nil
}

// ReadCstr reads bytes with READ permission starting at addr until a 0
// byte, returning the address of the terminator (matching the
// original's convention of returning the NUL's address, not one past
// it).
func (m *Mmu) ReadCstr(addr uint64) ([]byte, uint64, error) {
	var out []byte
	for {
		b, err := m.readN(addr, 1, perm.R)
		if err != nil {
			return nil, 0, err
		}
		if b[0] == 0 {
			return out, addr, nil
		}
		out = append(out, b[0])
		addr++
	}
}

// EnsureExecutable is called by the translator before caching code at
// [start, start+length-1]: it checks INIT|EXEC, marks each covered page
// executed, ORs IN_CODE_CACHE into the covered permission bytes, and
// removes the write-side TLB entry for each page so a later write is
// forced through the slow path's self-modifying-code check (§4.1).
func (m *Mmu) EnsureExecutable(start, length uint64) error {
	if length == 0 {
		return nil
	}
	end := start + length - 1
	for _, e := range m.mapping.Overlapping(start, end) {
		if e.Value.Kind != rangemap.Physical {
			return memerr.New(memerr.ExecViolation, start)
		}
		pg := m.phys.Get(e.Value.PageIndex)
		s, en := clip(e.Start, e.End, start, end)
		base := e.Value.PageAligned
		for a := s; a <= en; a++ {
			off := a - base
			if bad, ok := perm.Check(pg.Perm[off], perm.INIT|perm.X); !ok {
				return kindForPerm(uint64(bad), a, perm.INIT|perm.X, pg.Perm[off])
			}
			pg.Perm[off] |= perm.IN_CODE_CACHE
		}
		pg.Executed = true
		m.tlb.RemoveRange(s, en)
	}
	m.invalidateICache = true
	return nil
}
