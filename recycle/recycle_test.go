package recycle

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/flashftl/abm"
	"github.com/oichkatzele/flashftl/allocator"
	"github.com/oichkatzele/flashftl/devmgr"
	"github.com/oichkatzele/flashftl/geom"
	"github.com/oichkatzele/flashftl/llmgate"
	"github.com/oichkatzele/flashftl/mapping"
)

func testGeom() geom.Geometry {
	return geom.Geometry{NrChannels: 1, NrChipsPerChannel: 1, NrBlocksPerChip: 4, NrPagesPerBlock: 2, SubpagesPerPage: 4}
}

type noopRecycler struct{}

func (noopRecycler) FillDieSlots(active []*abm.Block) error { return nil }

func buildEngine(t *testing.T) (*Engine, *abm.ABM, *allocator.Allocator, *devmgr.Simulator) {
	t.Helper()
	g := testGeom()
	a, err := abm.Create(g, zerolog.Nop(), nil)
	require.NoError(t, err)
	pages := mapping.NewPageTable(g)
	subs := mapping.NewSubpageTable()
	sim := devmgr.NewSimulator(g)
	gate := llmgate.New(sim, g.NrPunits())
	alloc := allocator.New(g, a, noopRecycler{}, 60)
	e := New(g, a, pages, subs, alloc, gate, sim, zerolog.Nop())
	return e, a, alloc, sim
}

func TestColumnIdxAdvancesPastFullyWrittenColumns(t *testing.T) {
	e, a, _, _ := buildEngine(t)
	b := a.GetFreeBlockPrepare(0, 0)
	a.GetFreeBlockCommit(b)

	require.Equal(t, 0, e.columnIdx(b))

	for pg := 0; pg < e.geo.NrPagesPerBlock; pg++ {
		a.ValidatePage4KB(0, 0, b.Block, pg, 0)
		a.InvalidatePage(0, 0, b.Block, pg, 0)
	}
	// Column 0 fully written (and invalid) on every page: advance to 1.
	require.Equal(t, 1, e.columnIdx(b))
}

func TestCompareBlksPrefersNonLastColumnOverLast(t *testing.T) {
	e, _, _, _ := buildEngine(t)
	last := e.geo.SubpagesPerPage - 1
	require.True(t, e.compareBlks(0, last, 0, 99))
	require.False(t, e.compareBlks(last, 0, 99, 0))
}

func TestCompareBlksPrefersSmallerColumnThenMoreInvalid(t *testing.T) {
	e, _, _, _ := buildEngine(t)
	require.True(t, e.compareBlks(1, 2, 0, 0))
	require.True(t, e.compareBlks(1, 1, 5, 2))
	require.False(t, e.compareBlks(1, 1, 1, 5))
}

func TestRunRelocatesOneForOneBelowCompactionThreshold(t *testing.T) {
	e, a, alloc, _ := buildEngine(t)
	g := testGeom()

	b := a.GetFreeBlockPrepare(0, 0)
	a.GetFreeBlockCommit(b)
	// Write column 0 of page 0 only -- a sparse column (1 of 2 pages).
	a.ValidatePage4KB(0, 0, b.Block, 0, 0)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.BlocksProcessed)
	require.Equal(t, 1, res.PagesRelocated)
	require.Equal(t, 0, res.BlocksErased)

	// The reusable block advances to column 1 and stays the Fine
	// stream's active block for this die.
	require.Equal(t, b, alloc.ActiveBlock(allocator.Fine, 0))
	require.Equal(t, 1, alloc.FineColumn(0))
	_ = g
}

func TestRunCompactsWhenValidityRatioAboveThreshold(t *testing.T) {
	// A wide geometry so that leaving a single page's column unwritten
	// still yields a validity ratio above the compaction threshold,
	// while keeping columnIdx pinned to that column (not yet every
	// page has a written slot there).
	g := geom.Geometry{NrChannels: 1, NrChipsPerChannel: 1, NrBlocksPerChip: 2, NrPagesPerBlock: 40, SubpagesPerPage: 4}
	a, err := abm.Create(g, zerolog.Nop(), nil)
	require.NoError(t, err)
	pages := mapping.NewPageTable(g)
	subs := mapping.NewSubpageTable()
	sim := devmgr.NewSimulator(g)
	gate := llmgate.New(sim, g.NrPunits())
	alloc := allocator.New(g, a, noopRecycler{}, 60)
	e := New(g, a, pages, subs, alloc, gate, sim, zerolog.Nop())

	b := a.GetFreeBlockPrepare(0, 0)
	a.GetFreeBlockCommit(b)
	for pg := 0; pg < g.NrPagesPerBlock-1; pg++ {
		a.ValidatePage4KB(0, 0, b.Block, pg, 0)
	}

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.BlocksProcessed)
	require.Greater(t, res.PagesRelocated, 0)
}

func TestRunErasesBlockAfterFinalColumnReclaimed(t *testing.T) {
	e, a, _, sim := buildEngine(t)
	k := e.geo.SubpagesPerPage
	last := k - 1
	b := a.GetFreeBlockPrepare(0, 0)
	a.GetFreeBlockCommit(b)

	// Fill and invalidate every column up to (but not including) last,
	// so columnIdx reports the final column.
	for col := 0; col < last; col++ {
		for pg := 0; pg < e.geo.NrPagesPerBlock; pg++ {
			a.ValidatePage4KB(0, 0, b.Block, pg, col)
			a.InvalidatePage(0, 0, b.Block, pg, col)
		}
	}
	a.ValidatePage4KB(0, 0, b.Block, 0, last)

	// The surviving sub-page's true logical address is carried by the
	// device as an out-of-band tag, not derivable from (page, column);
	// seed the simulator with it the way a real fine-grained write would.
	origPhy := geom.MkPhyAddr(e.geo, 0, 0, b.Block, 0)
	lpa := geom.SubpageLpa(0, k, last)
	bufs := make([][]byte, k)
	states := make([]devmgr.SlotState, k)
	oob := make([]int64, k)
	for i := range bufs {
		bufs[i] = make([]byte, 4096)
		states[i] = devmgr.Hole
		oob[i] = geom.HoleLpa
	}
	states[last] = devmgr.Data
	oob[last] = lpa
	require.NoError(t, sim.MakeReq(&devmgr.Req{Type: devmgr.Write, Phy: origPhy, Main: bufs, SlotStates: states, Oob: oob}))

	// Give the surviving sub-page a live mapping with a single lifetime
	// write: this is what makes writeOneForOne promote it via a fresh
	// GCREC_WRITE instead of rewriting the same physical slot in place.
	e.subs.Write(lpa, origPhy, last, false)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.BlocksErased)
	require.Equal(t, abm.Free, b.State())
}

func TestRunRelocatesUnderTrueLogicalAddressNotPhysicalPosition(t *testing.T) {
	// The regression this guards: a DIRTY_4KB block's column holds an
	// arbitrary host logical sub-page, not one positionally derivable
	// from (page, column). Relocating under a fabricated address would
	// leave the real logical address's table entry dangling at a
	// source block this pass goes on to erase.
	e, a, _, sim := buildEngine(t)
	k := e.geo.SubpagesPerPage

	b := a.GetFreeBlockPrepare(0, 0)
	a.GetFreeBlockCommit(b)

	const trueLpa int64 = 777 // deliberately not 0 == SubpageLpa(0, k, 0)
	phy := geom.MkPhyAddr(e.geo, 0, 0, b.Block, 0)
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = 0xAB
	}

	bufs := make([][]byte, k)
	states := make([]devmgr.SlotState, k)
	oob := make([]int64, k)
	for i := range bufs {
		bufs[i] = make([]byte, 4096)
		states[i] = devmgr.Hole
		oob[i] = geom.HoleLpa
	}
	bufs[0] = payload
	states[0] = devmgr.Data
	oob[0] = trueLpa
	require.NoError(t, sim.MakeReq(&devmgr.Req{Type: devmgr.Write, Phy: phy, Main: bufs, SlotStates: states, Oob: oob}))
	a.ValidatePage4KB(0, 0, b.Block, 0, 0)
	e.subs.Write(trueLpa, phy, 0, false)

	res, err := e.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.PagesRelocated)

	entry := e.subs.FindLpa4KB(trueLpa)
	require.NotNil(t, entry)

	full := make([][]byte, k)
	for i := range full {
		full[i] = make([]byte, 4096)
	}
	require.NoError(t, sim.MakeReq(&devmgr.Req{Type: devmgr.Read, Phy: entry.Phy, Main: full}))
	require.Equal(t, payload, full[entry.SpOff])

	// The source column was invalidated, not left pointing at stale data
	// under a fabricated address.
	require.Equal(t, abm.Invalid, b.Pst(0*k+0))
}

func TestAdjustPoolSizeWidensAndTightens(t *testing.T) {
	e, _, alloc, _ := buildEngine(t)
	start := alloc.PoolPercent()
	e.adjustPoolSize(0.9)
	require.Equal(t, start+1, alloc.PoolPercent())

	e.adjustPoolSize(0.01)
	require.Equal(t, start, alloc.PoolPercent())
}
