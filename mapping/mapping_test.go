package mapping

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/flashftl/geom"
)

func testGeom() geom.Geometry {
	return geom.Geometry{NrChannels: 2, NrChipsPerChannel: 2, NrBlocksPerChip: 4, NrPagesPerBlock: 4, SubpagesPerPage: 4}
}

func TestPageTableCommitLookupInvalidate(t *testing.T) {
	pt := NewPageTable(testGeom())
	phy := geom.PhyAddr{Channel: 0, Chip: 0, Block: 1, Page: 2, Punit: 0}

	e := pt.Lookup(5)
	require.Equal(t, NotAllocated, e.Status)

	pt.Commit(5, phy)
	e = pt.Lookup(5)
	require.Equal(t, PageValid, e.Status)
	require.Equal(t, phy, e.Phy)

	pt.Invalidate(5)
	e = pt.Lookup(5)
	require.Equal(t, PageInvalid, e.Status)
}

func TestSubpageTableWriteFindInvalidateTombstone(t *testing.T) {
	st := NewSubpageTable()
	phy := geom.PhyAddr{Channel: 0, Chip: 1, Block: 2, Page: 3, Punit: 1}

	require.Nil(t, st.FindLpa4KB(42))

	st.Write(42, phy, 1, false)
	e := st.FindLpa4KB(42)
	require.NotNil(t, e)
	require.Equal(t, 1, e.Count)
	require.Equal(t, phy, e.Phy)

	// Re-write bumps the lifetime count.
	phy2 := phy
	phy2.Page = 9
	st.Write(42, phy2, 2, false)
	e = st.FindLpa4KB(42)
	require.Equal(t, 2, e.Count)

	// Invalidate tombstones the entry: Count negates, Punit becomes -1,
	// and FindLpa4KB must then report it absent.
	st.Invalidate(42)
	require.Nil(t, st.FindLpa4KB(42))

	// A re-write after tombstoning restores history rather than
	// starting a new entry: count continues from |count|+1.
	st.Write(42, phy, 3, false)
	e = st.FindLpa4KB(42)
	require.Equal(t, 3, e.Count)
}

func TestSubpageTableRecycleWritePreservesCount(t *testing.T) {
	st := NewSubpageTable()
	phy := geom.PhyAddr{Channel: 0, Chip: 0, Block: 0, Page: 0, Punit: 0}

	st.Write(7, phy, 0, false)
	require.Equal(t, 1, st.FindLpa4KB(7).Count)

	st.Write(7, phy, 1, true) // recycle relocation: count must not bump
	require.Equal(t, 1, st.FindLpa4KB(7).Count)
}

func TestInvalidateIsIdempotent(t *testing.T) {
	st := NewSubpageTable()
	phy := geom.PhyAddr{Channel: 0, Chip: 0, Block: 0, Page: 0, Punit: 0}
	st.Write(1, phy, 0, false)
	st.Invalidate(1)
	st.Invalidate(1)
	require.Nil(t, st.FindLpa4KB(1))
}
