package hook_test

import (
	"testing"

	"github.com/Azvanzed/icicle-emu/hook"
	"github.com/stretchr/testify/require"
)

func TestAddRemoveGet(t *testing.T) {
	s := hook.NewStore[hook.ObserveFunc]()
	id := s.Add(0x1000, 0x1010, func(addr uint64, data []byte) {})
	h, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), h.Start)

	require.True(t, s.Remove(id))
	_, ok = s.Get(id)
	require.False(t, ok)
}

func TestAddReusesFreedSlot(t *testing.T) {
	s := hook.NewStore[hook.ObserveFunc]()
	id1 := s.Add(0x1000, 0x1010, func(uint64, []byte) {})
	s.Remove(id1)
	id2 := s.Add(0x2000, 0x2010, func(uint64, []byte) {})
	require.Equal(t, id1, id2)
}

func TestContainsPadsToPageBoundary(t *testing.T) {
	s := hook.NewStore[hook.ObserveFunc]()
	s.Add(0x1100, 0x1108, func(uint64, []byte) {})
	require.True(t, s.Contains(0x1000, 4096))
	require.False(t, s.Contains(0x2000, 4096))
}

func TestDispatchFiresMatchingHooks(t *testing.T) {
	s := hook.NewStore[hook.ObserveFunc]()
	var fired []uint64
	s.Add(0x1000, 0x2000, func(addr uint64, data []byte) { fired = append(fired, addr) })
	s.Add(0x1500, 0x1600, func(addr uint64, data []byte) { fired = append(fired, addr) })
	s.Add(0x3000, 0x4000, func(addr uint64, data []byte) { fired = append(fired, addr) })

	s.Dispatch(0x1500, func(h *hook.Hook[hook.ObserveFunc]) {
		h.Fn(0x1500, nil)
	})
	require.Equal(t, []uint64{0x1500, 0x1500}, fired)
}

func TestDispatchReentrantAddDoesNotCorruptIteration(t *testing.T) {
	s := hook.NewStore[hook.ObserveFunc]()
	var order []string
	s.Add(0x1000, 0x2000, func(addr uint64, data []byte) {
		order = append(order, "first")
		s.Add(0x5000, 0x6000, func(uint64, []byte) { order = append(order, "nested") })
	})

	s.Dispatch(0x1500, func(h *hook.Hook[hook.ObserveFunc]) {
		h.Fn(0x1500, nil)
	})
	require.Equal(t, []string{"first"}, order)
	require.Equal(t, 2, s.Len())

	s.Dispatch(0x5500, func(h *hook.Hook[hook.ObserveFunc]) {
		h.Fn(0x5500, nil)
	})
	require.Equal(t, []string{"first", "nested"}, order)
}

func TestAddDuringDispatchReturnsIDStableAfterDispatch(t *testing.T) {
	s := hook.NewStore[hook.ObserveFunc]()
	s.Add(0x1000, 0x2000, func(uint64, []byte) {})

	var nestedID uint64
	s.Dispatch(0x1500, func(h *hook.Hook[hook.ObserveFunc]) {
		nestedID = s.Add(0x5000, 0x6000, func(uint64, []byte) {})
	})

	got, ok := s.Get(nestedID)
	require.True(t, ok)
	require.Equal(t, nestedID, got.ID)
	require.Equal(t, uint64(0x5000), got.Start)

	require.True(t, s.Remove(nestedID))
	_, ok = s.Get(nestedID)
	require.False(t, ok)
}
