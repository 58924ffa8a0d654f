package perm_test

import (
	"testing"

	"github.com/Azvanzed/icicle-emu/perm"
	"github.com/stretchr/testify/require"
)

func TestCheckUnmapped(t *testing.T) {
	violated, ok := perm.Check(perm.NONE, perm.R)
	require.False(t, ok)
	require.Equal(t, perm.MAP, violated)
}

func TestCheckMissingBit(t *testing.T) {
	actual := perm.MAP | perm.R | perm.INIT
	violated, ok := perm.Check(actual, perm.RW)
	require.False(t, ok)
	require.Equal(t, perm.W, violated)
}

func TestCheckPasses(t *testing.T) {
	actual := perm.MAP | perm.RWX | perm.INIT
	_, ok := perm.Check(actual, perm.RW)
	require.True(t, ok)
}

func TestNeedsInit(t *testing.T) {
	require.True(t, perm.NeedsInit(perm.MAP|perm.R, perm.R))
	require.False(t, perm.NeedsInit(perm.MAP|perm.R|perm.INIT, perm.R))
	require.False(t, perm.NeedsInit(perm.MAP|perm.R, perm.W))
}
