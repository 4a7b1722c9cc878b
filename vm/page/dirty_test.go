package page

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vmkernel/pagecore/vm/pmap"
)

func TestSetValidRangeThenIsValid(t *testing.T) {
	p := New(0x1000)
	pm := pmap.NewFake()

	p.SetValidRange(0, DevBSize, pm)
	require.NotZero(t, p.ValidMask()&Bits(0, DevBSize))
}

func TestSetValidRangeThenClearDirty(t *testing.T) {
	p := New(0x1000)
	pm := pmap.NewFake()

	p.SetValidClean(0, PageSize, pm)
	require.Equal(t, AllValid, p.ValidMask())
	require.Zero(t, p.DirtyMask())

	p.dirty = 0 // already clear; ClearDirty on an already-clean range
	p.ClearDirty(0, DevBSize, pm)
	require.Zero(t, p.DirtyMask()&Bits(0, DevBSize))
}

func TestSetValidRangePanicsOnAlreadyDirty(t *testing.T) {
	p := New(0x1000)
	pm := pmap.NewFake()
	p.dirty = Bits(0, DevBSize)

	require.Panics(t, func() {
		p.SetValidRange(0, DevBSize, pm)
	})
}

func TestClearDirtyMaskUsesAtomicPathWhenExclusiveBusy(t *testing.T) {
	p := New(0x2000)
	pm := pmap.NewFake()
	p.dirty = AllValid
	require.True(t, p.XBusy())

	p.ClearDirtyMask(Bits(0, DevBSize), pm)
	require.Zero(t, p.DirtyMask()&Bits(0, DevBSize))
}

func TestSetInvalidWholePageOnVnodeEOF(t *testing.T) {
	p := New(0x3000)
	pm := pmap.NewFake()
	p.SetValidClean(0, PageSize, pm)

	// vnode size of 10 bytes means a [0, DevBSize) invalidate crosses
	// EOF and must invalidate the whole page.
	p.SetInvalid(0, DevBSize, 10, pm)
	require.Zero(t, p.ValidMask())
	require.Zero(t, p.DirtyMask())
}

func TestDirtyKBIRequiresFullyValid(t *testing.T) {
	p := New(0x4000)
	require.Panics(t, func() { p.DirtyKBI() })

	p.valid = AllValid
	require.NotPanics(t, func() { p.DirtyKBI() })
	require.Equal(t, AllValid, p.DirtyMask())
}

func TestForceDirtyAllDoesNotRequireFullyValid(t *testing.T) {
	p := New(0x5000)
	p.ForceDirtyAll()
	require.Equal(t, AllValid, p.DirtyMask())
}
