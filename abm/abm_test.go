package abm

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/flashftl/geom"
)

func testGeom() geom.Geometry {
	return geom.Geometry{
		NrChannels:        2,
		NrChipsPerChannel: 2,
		NrBlocksPerChip:   4,
		NrPagesPerBlock:   4,
		SubpagesPerPage:   4,
	}
}

func mustCreate(t *testing.T) *ABM {
	t.Helper()
	a, err := Create(testGeom(), zerolog.Nop(), nil)
	require.NoError(t, err)
	return a
}

func TestLifecycleFreeToCleanToDirty4KBToFree(t *testing.T) {
	a := mustCreate(t)

	b := a.GetFreeBlockPrepare(0, 0)
	require.NotNil(t, b)
	require.Equal(t, Free, b.State())

	a.GetFreeBlockCommit(b)
	require.Equal(t, Clean, b.State())

	a.ValidatePage4KB(0, 0, b.Block, 0, 0)
	require.Equal(t, Dirty4KB, b.State())
	require.Equal(t, Valid, b.Pst(0))

	for pg := 0; pg < testGeom().NrPagesPerBlock; pg++ {
		for s := 0; s < testGeom().SubpagesPerPage; s++ {
			if pg == 0 && s == 0 {
				continue
			}
			a.InvalidatePage(0, 0, b.Block, pg, s)
		}
	}
	a.InvalidatePage(0, 0, b.Block, 0, 0)
	require.Equal(t, testGeom().NrPagesPerBlock*testGeom().SubpagesPerPage-1, b.NrInvalidSubpages())

	a.EraseBlock(0, 0, b.Block, false)
	require.Equal(t, Free, b.State())
	require.Equal(t, 0, b.NrInvalidSubpages())
	for i := 0; i < testGeom().NrPagesPerBlock*testGeom().SubpagesPerPage; i++ {
		require.Equal(t, NotInvalid, b.Pst(i))
	}
}

// nr_invalid_subpages must always equal the popcount of INVALID entries.
func TestInvalidCounterMatchesPopcount(t *testing.T) {
	a := mustCreate(t)
	b := a.GetFreeBlockPrepare(1, 1)
	a.GetFreeBlockCommit(b)

	for pg := 0; pg < testGeom().NrPagesPerBlock; pg++ {
		a.ValidatePage4KB(1, 1, b.Block, pg, 0)
	}
	a.InvalidatePage(1, 1, b.Block, 0, 0)
	a.InvalidatePage(1, 1, b.Block, 1, 0)

	popcount := 0
	for i := 0; i < testGeom().NrPagesPerBlock*testGeom().SubpagesPerPage; i++ {
		if b.Pst(i) == Invalid {
			popcount++
		}
	}
	require.Equal(t, popcount, b.NrInvalidSubpages())
	require.Equal(t, 2, popcount)
}

func TestDoubleInvalidateIsIdempotent(t *testing.T) {
	a := mustCreate(t)
	b := a.GetFreeBlockPrepare(0, 0)
	a.GetFreeBlockCommit(b)
	a.ValidatePage4KB(0, 0, b.Block, 0, 0)

	a.InvalidatePage(0, 0, b.Block, 0, 0)
	require.Equal(t, 1, b.NrInvalidSubpages())
	a.InvalidatePage(0, 0, b.Block, 0, 0)
	require.Equal(t, 1, b.NrInvalidSubpages())
}

func TestDoubleWriteToSamePstPanics(t *testing.T) {
	a := mustCreate(t)
	b := a.GetFreeBlockPrepare(0, 0)
	a.GetFreeBlockCommit(b)
	a.ValidatePage4KB(0, 0, b.Block, 0, 0)

	require.Panics(t, func() {
		a.ValidatePage4KB(0, 0, b.Block, 0, 0)
	})
}

func TestEraseOfNonEmptyBlockPanics(t *testing.T) {
	a := mustCreate(t)
	b := a.GetFreeBlockPrepare(0, 0)
	a.GetFreeBlockCommit(b)
	a.ValidatePage4KB(0, 0, b.Block, 0, 0)

	require.Panics(t, func() {
		a.EraseBlock(0, 0, b.Block, false)
	})
}

func TestFreeBlockPrepareReturnsNilWhenExhausted(t *testing.T) {
	g := testGeom()
	a := mustCreate(t)
	for i := 0; i < g.NrBlocksPerChip; i++ {
		b := a.GetFreeBlockPrepare(0, 0)
		require.NotNil(t, b)
		a.GetFreeBlockCommit(b)
	}
	require.Nil(t, a.GetFreeBlockPrepare(0, 0))
}

// A block that fails erase transitions to BAD and is never returned
// by GetFreeBlockPrepare again.
func TestBadBlockNeverReturnedAgain(t *testing.T) {
	a := mustCreate(t)
	b := a.GetFreeBlockPrepare(0, 0)
	a.GetFreeBlockCommit(b)
	a.ValidatePage4KB(0, 0, b.Block, 0, 0)
	a.InvalidatePage(0, 0, b.Block, 0, 0)

	a.EraseBlock(0, 0, b.Block, true)
	require.Equal(t, Bad, b.State())

	seen := map[int]bool{}
	for {
		fb := a.GetFreeBlockPrepare(0, 0)
		if fb == nil {
			break
		}
		require.False(t, seen[fb.Block])
		seen[fb.Block] = true
		a.GetFreeBlockCommit(fb)
	}
	require.False(t, seen[b.Block])
}

func TestSnapshotRestoreRoundTripsBadBlocks(t *testing.T) {
	a := mustCreate(t)
	b := a.GetFreeBlockPrepare(0, 1)
	a.GetFreeBlockCommit(b)
	a.EraseBlock(0, 1, b.Block, true)

	var buf bytes.Buffer
	require.NoError(t, a.Snapshot(&buf))

	restored, err := Create(testGeom(), zerolog.Nop(), &buf)
	require.NoError(t, err)
	require.Equal(t, Bad, restored.GetBlock(0, 1, b.Block).State())
}
