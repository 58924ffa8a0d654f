package iodev_test

import (
	"testing"

	"github.com/Azvanzed/icicle-emu/iodev"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	data []byte
}

func (f *fakeDevice) Read(addr uint64, buf []byte) error  { copy(buf, f.data[addr:]); return nil }
func (f *fakeDevice) Write(addr uint64, buf []byte) error { copy(f.data[addr:], buf); return nil }
func (f *fakeDevice) Snapshot() []byte                    { return append([]byte(nil), f.data...) }
func (f *fakeDevice) Restore(data []byte)                 { copy(f.data, data) }

func TestRegisterAndGet(t *testing.T) {
	table := iodev.NewTable()
	dev := &fakeDevice{data: make([]byte, 16)}
	id := table.Register(dev)

	got, ok := table.Get(id)
	require.True(t, ok)
	require.Same(t, dev, got)
}

func TestLastHitCache(t *testing.T) {
	table := iodev.NewTable()
	dev := &fakeDevice{data: make([]byte, 16)}
	id := table.Register(dev)

	_, ok := table.RecallHit(0x10)
	require.False(t, ok)

	table.CacheHit(0x10, 0x1F, id)
	got, ok := table.RecallHit(0x15)
	require.True(t, ok)
	require.Equal(t, id, got)

	_, ok = table.RecallHit(0x20)
	require.False(t, ok)

	table.ClearCache()
	_, ok = table.RecallHit(0x15)
	require.False(t, ok)
}

func TestSnapshotRestoreAll(t *testing.T) {
	table := iodev.NewTable()
	dev := &fakeDevice{data: []byte{1, 2, 3}}
	table.Register(dev)

	snaps := table.SnapshotAll()
	dev.data[0] = 0xFF
	table.RestoreAll(snaps)
	require.Equal(t, byte(1), dev.data[0])
}
