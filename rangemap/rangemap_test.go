package rangemap_test

import (
	"testing"

	"github.com/Azvanzed/icicle-emu/perm"
	"github.com/Azvanzed/icicle-emu/rangemap"
	"github.com/stretchr/testify/require"
)

func TestInsertAndAt(t *testing.T) {
	m := rangemap.New()
	ok := m.Insert(0x1000, 0x1FFF, rangemap.Mapping{Kind: rangemap.Unallocated, Perm: perm.RW})
	require.True(t, ok)

	e, ok := m.At(0x1500)
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), e.Start)
	require.Equal(t, uint64(0x1FFF), e.End)

	_, ok = m.At(0x2000)
	require.False(t, ok)
}

func TestInsertRejectsOverlap(t *testing.T) {
	m := rangemap.New()
	require.True(t, m.Insert(0x1000, 0x1FFF, rangemap.Mapping{}))
	require.False(t, m.Insert(0x1800, 0x27FF, rangemap.Mapping{}))
	require.False(t, m.Insert(0x500, 0x1500, rangemap.Mapping{}))
}

func TestInsertRejectsEmpty(t *testing.T) {
	m := rangemap.New()
	require.False(t, m.Insert(0x1000, 0x0FFF, rangemap.Mapping{}))
}

func TestDelete(t *testing.T) {
	m := rangemap.New()
	m.Insert(0x1000, 0x1FFF, rangemap.Mapping{})
	require.False(t, m.Delete(0x1000, 0x1000), "bounds must match exactly")
	require.True(t, m.Delete(0x1000, 0x1FFF))
	_, ok := m.At(0x1000)
	require.False(t, ok)
}

func TestOverlapping(t *testing.T) {
	m := rangemap.New()
	m.Insert(0x1000, 0x1FFF, rangemap.Mapping{})
	m.Insert(0x2000, 0x2FFF, rangemap.Mapping{})
	m.Insert(0x4000, 0x4FFF, rangemap.Mapping{})

	got := m.Overlapping(0x1800, 0x2800)
	require.Len(t, got, 2)
	require.Equal(t, uint64(0x1000), got[0].Start)
	require.Equal(t, uint64(0x2000), got[1].Start)
}

func TestCloneIsIndependent(t *testing.T) {
	m := rangemap.New()
	m.Insert(0x1000, 0x1FFF, rangemap.Mapping{Kind: rangemap.Physical, PageIndex: 5})

	clone := m.Clone()
	require.True(t, clone.Delete(0x1000, 0x1FFF))

	_, ok := m.At(0x1000)
	require.True(t, ok, "deleting from the clone must not affect the original")
}
