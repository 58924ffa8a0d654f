package tlb_test

import (
	"testing"

	"github.com/Azvanzed/icicle-emu/physical"
	"github.com/Azvanzed/icicle-emu/tlb"
	"github.com/stretchr/testify/require"
)

func TestInsertAndLookup(t *testing.T) {
	c := tlb.New(4096)
	pg := &physical.Page{Data: make([]byte, 4096)}

	_, ok := c.LookupRead(0x1234)
	require.False(t, ok)

	c.InsertRead(0x1000, pg)
	got, ok := c.LookupRead(0x1234)
	require.True(t, ok)
	require.Same(t, pg, got)
}

func TestWriteEntryIndependentOfRead(t *testing.T) {
	c := tlb.New(4096)
	pg := &physical.Page{Data: make([]byte, 4096)}
	c.InsertRead(0x1000, pg)
	require.False(t, c.ContainsWrite(0x1000))

	c.InsertWrite(0x1000, pg)
	require.True(t, c.ContainsWrite(0x1000))
}

func TestRemovePage(t *testing.T) {
	c := tlb.New(4096)
	pg := &physical.Page{Data: make([]byte, 4096)}
	c.InsertRead(0x1000, pg)
	c.InsertWrite(0x1000, pg)

	c.RemovePage(0x1050)
	require.False(t, c.ContainsRead(0x1000))
	require.False(t, c.ContainsWrite(0x1000))
}

func TestRemoveRangeSpansPages(t *testing.T) {
	c := tlb.New(4096)
	pg := &physical.Page{Data: make([]byte, 4096)}
	c.InsertWrite(0x1000, pg)
	c.InsertWrite(0x2000, pg)
	c.InsertWrite(0x3000, pg)

	c.RemoveRange(0x1000, 0x2FFF)
	require.False(t, c.ContainsWrite(0x1000))
	require.False(t, c.ContainsWrite(0x2000))
	require.True(t, c.ContainsWrite(0x3000))
}

func TestClear(t *testing.T) {
	c := tlb.New(4096)
	pg := &physical.Page{Data: make([]byte, 4096)}
	c.InsertRead(0x1000, pg)
	c.InsertWrite(0x2000, pg)
	c.Clear()
	require.False(t, c.ContainsRead(0x1000))
	require.False(t, c.ContainsWrite(0x2000))
}
