// Package recycle implements the recycle engine: reuse of partially
// written 4KB-mode blocks across sub-page columns, exploiting the
// fact that a block written through the fine-grained stream still has
// NOT_INVALID columns available on every page.
package recycle

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/oichkatzele/flashftl/abm"
	"github.com/oichkatzele/flashftl/allocator"
	"github.com/oichkatzele/flashftl/compact"
	"github.com/oichkatzele/flashftl/devmgr"
	"github.com/oichkatzele/flashftl/geom"
	"github.com/oichkatzele/flashftl/llmgate"
	"github.com/oichkatzele/flashftl/mapping"
)

// sparseCompactionThreshold is the validity ratio above which a
// compaction pass runs instead of a one-for-one rewrite.
const sparseCompactionThreshold = 0.95

// poolWidenThreshold / poolTightenThreshold are the adaptive pool-size
// tuning thresholds.
const (
	poolWidenThreshold   = 0.70
	poolTightenThreshold = 0.05
	poolSizeFloor        = 5
)

// Engine runs the recycle pass over one FTL instance's state.
type Engine struct {
	geo   geom.Geometry
	abm   *abm.ABM
	pages *mapping.PageTable
	subs  *mapping.SubpageTable
	alloc *allocator.Allocator
	gate  *llmgate.Gate
	mgr   devmgr.Manager
	log   zerolog.Logger

	runs int // cumulative count of completed Run passes, sampled by metrics.Source
}

// New constructs a recycle engine over the given collaborators.
func New(g geom.Geometry, a *abm.ABM, pages *mapping.PageTable, subs *mapping.SubpageTable,
	alloc *allocator.Allocator, gate *llmgate.Gate, mgr devmgr.Manager, log zerolog.Logger) *Engine {
	return &Engine{geo: g, abm: a, pages: pages, subs: subs, alloc: alloc, gate: gate, mgr: mgr, log: log}
}

// columnIdx derives a block's current target sub-page column from its
// invalid-subpage count, advancing past a column boundary when every
// page's slot in that column has already been written.
func (e *Engine) columnIdx(b *abm.Block) int {
	pagesPerBlock := e.geo.NrPagesPerBlock
	col := b.NrInvalidSubpages() / pagesPerBlock
	if col >= e.geo.SubpagesPerPage {
		col = e.geo.SubpagesPerPage - 1
	}
	// If every page's slot at `col` is already written (VALID or
	// INVALID, never NOT_INVALID), advance to the next column.
	k := e.geo.SubpagesPerPage
	for col < k-1 {
		allWritten := true
		for pg := 0; pg < pagesPerBlock; pg++ {
			if b.Pst(pg*k+col) == abm.NotInvalid {
				allWritten = false
				break
			}
		}
		if !allWritten {
			break
		}
		col++
	}
	return col
}

// compareBlks orders two candidate blocks: prefer the smaller column
// index, except that the last column is worse than any earlier one;
// among equal column index prefer more invalid pages in that column.
// Returns true if left is preferred over right.
func (e *Engine) compareBlks(leftCol, rightCol, leftInvalid, rightInvalid int) bool {
	last := e.geo.SubpagesPerPage - 1
	leftLast := leftCol == last
	rightLast := rightCol == last
	if leftLast != rightLast {
		return !leftLast // non-last beats last
	}
	if leftCol != rightCol {
		return leftCol < rightCol
	}
	return leftInvalid > rightInvalid
}

type reusable struct {
	block  *abm.Block
	column int
}

func (e *Engine) invalidInColumn(b *abm.Block, col int) int {
	k := e.geo.SubpagesPerPage
	n := 0
	for pg := 0; pg < e.geo.NrPagesPerBlock; pg++ {
		if b.Pst(pg*k+col) == abm.Invalid {
			n++
		}
	}
	return n
}

// selectReusable walks die (ch, chip)'s dirty_4kb list and picks the
// block compareBlks prefers: the smallest column index (the last column
// ranking behind all others), then the most invalid pages in that
// column.
func (e *Engine) selectReusable(ch, chip int) *reusable {
	var best *reusable
	e.abm.IterDirty4KB(ch, chip, func(b *abm.Block) bool {
		col := e.columnIdx(b)
		inv := e.invalidInColumn(b, col)
		if best == nil || e.compareBlks(col, best.column, inv, e.invalidInColumn(best.block, best.column)) {
			best = &reusable{block: b, column: col}
		}
		return true
	})
	return best
}

// FillDieSlots implements allocator.Recycler: invoked when the fine
// stream wraps with nr_dirty_4kb_blks above the pool cap. For every
// punit it selects a reusable block, relocates its chosen column, and
// installs the block as the new active Fine-stream target at the next
// column (or leaves the slot empty if the block was fully drained and
// erased).
func (e *Engine) FillDieSlots(active []*abm.Block) error {
	return e.Run(context.Background())
}

// Result summarises one recycle pass.
type Result struct {
	BlocksProcessed int
	PagesRelocated  int
	BlocksErased    int
}

// Runs returns the cumulative count of completed Run passes.
func (e *Engine) Runs() int { return e.runs }

// Run performs one recycle pass across every die.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	if err := e.mgr.Flush(ctx); err != nil {
		return Result{}, err
	}
	e.runs++

	var res Result
	k := e.geo.SubpagesPerPage
	last := k - 1

	for p := 0; p < e.geo.NrPunits(); p++ {
		ch, chip := geom.PunitOf(e.geo, p)
		ru := e.selectReusable(ch, chip)
		if ru == nil {
			continue
		}
		res.BlocksProcessed++

		col := ru.column
		total := e.geo.NrPagesPerBlock
		validInCol := 0
		var reads []compact.ReadResult
		type slotOrigin struct {
			page int
		}
		var origins []slotOrigin
		for pg := 0; pg < total; pg++ {
			if ru.block.Pst(pg*k+col) != abm.Valid {
				continue
			}
			validInCol++
			bufs := make([][]byte, k)
			states := make([]devmgr.SlotState, k)
			oob := make([]int64, k)
			for i := range bufs {
				bufs[i] = make([]byte, 4096)
				states[i] = devmgr.Hole
				oob[i] = geom.HoleLpa
			}
			states[col] = devmgr.Data
			phy := geom.MkPhyAddr(e.geo, ch, chip, ru.block.Block, pg)
			req := &devmgr.Req{
				Type:       devmgr.RecRead,
				Phy:        phy,
				Main:       bufs,
				SlotStates: states,
				Oob:        oob,
			}
			if err := e.gate.MakeReq(p, req); err != nil {
				e.gate.EndReq(p, req)
				return res, err
			}
			e.gate.EndReq(p, req)
			// The block's physical column bears no relationship to the
			// logical sub-page address for data written through the
			// fine stream -- the true address travels with the data as
			// an out-of-band tag and must be read back from there, not
			// reconstructed from (page, column).
			reads = append(reads, compact.ReadResult{Slots: []compact.Slot{{
				State: devmgr.Data, Lpa: oob[col], Buf: bufs[col],
			}}})
			origins = append(origins, slotOrigin{page: pg})
		}

		ratio := 0.0
		if total > 0 {
			ratio = float64(validInCol) / float64(total)
		}
		e.adjustPoolSize(ratio)

		if ratio > sparseCompactionThreshold {
			packed := compact.Finalize(compact.Pack(reads, k))
			for _, rec := range packed {
				if err := e.writeCompacted(p, rec); err != nil {
					return res, err
				}
				res.PagesRelocated++
			}
		} else {
			for i, r := range reads {
				pg := origins[i].page
				lpa := r.Slots[0].Lpa
				if err := e.writeOneForOne(p, ch, chip, ru.block, pg, col, lpa, r.Slots[0].Buf, last); err != nil {
					return res, err
				}
				res.PagesRelocated++
			}
		}

		// The relocated subpages are no longer live in their source
		// column; invalidate them so the column's invalid count (and,
		// on the last column, the erase precondition) stay accurate.
		for _, o := range origins {
			e.abm.InvalidatePage(ch, chip, ru.block.Block, o.page, col)
		}

		if col == last {
			phy := geom.MkPhyAddr(e.geo, ch, chip, ru.block.Block, 0)
			req := &devmgr.Req{Type: devmgr.GCErase, Phy: phy}
			err := e.gate.MakeReq(p, req)
			e.gate.EndReq(p, req)
			isBad := err != nil || req.Err() != nil
			e.abm.EraseBlock(ch, chip, ru.block.Block, isBad)
			res.BlocksErased++
		} else {
			e.alloc.SetFineActive(p, ru.block, col+1)
		}
	}
	return res, nil
}

func (e *Engine) adjustPoolSize(ratio float64) {
	if ratio > poolWidenThreshold {
		e.alloc.SetPoolPercent(e.alloc.PoolPercent() + 1)
		return
	}
	if ratio < poolTightenThreshold && e.alloc.PoolPercent() > poolSizeFloor {
		e.alloc.SetPoolPercent(e.alloc.PoolPercent() - 1)
	}
}

func (e *Engine) writeCompacted(punit int, rec compact.WriteRecord) error {
	log := geom.LogAddr{Grain: geom.GrainFine, Ofs: rec.Ofs}
	phy, err := e.alloc.GetFreePPA(log)
	if err != nil {
		return err
	}
	k := e.geo.SubpagesPerPage
	bufs := make([][]byte, k)
	states := make([]devmgr.SlotState, k)
	oob := make([]int64, k)
	for i := 0; i < k; i++ {
		bufs[i] = rec.Slots[i].Buf
		if bufs[i] == nil {
			bufs[i] = make([]byte, 4096)
		}
		states[i] = rec.Slots[i].State
		oob[i] = rec.Slots[i].Lpa
	}
	req := &devmgr.Req{Type: devmgr.RecWrite, Phy: phy, Main: bufs, SlotStates: states, Oob: oob}
	if err := e.gate.MakeReq(phy.Punit, req); err != nil {
		e.gate.EndReq(phy.Punit, req)
		return err
	}
	e.gate.EndReq(phy.Punit, req)
	for i := 0; i < k; i++ {
		if states[i] != devmgr.Data {
			continue
		}
		e.abm.ValidatePage4KB(phy.Channel, phy.Chip, phy.Block, phy.Page, i)
		e.subs.Write(oob[i], phy, i, true)
	}
	return nil
}

// writeOneForOne relocates a single sub-page into the next column of
// the same reusable block via the 4KB stream. If the logical sub-page
// has been written exactly once and this is the final column, it is
// promoted to a GCREC_WRITE routed through the compaction stream
// instead.
func (e *Engine) writeOneForOne(punit, ch, chip int, block *abm.Block, pg, fromCol int, lpa int64, buf []byte, last int) error {
	entry := e.subs.FindLpa4KB(lpa)
	coldFinalColumn := fromCol == last && entry != nil && entry.Count == 1

	k := e.geo.SubpagesPerPage
	bufs := make([][]byte, k)
	states := make([]devmgr.SlotState, k)
	oob := make([]int64, k)
	for i := range bufs {
		bufs[i] = make([]byte, 4096)
		states[i] = devmgr.Hole
		oob[i] = geom.HoleLpa
	}

	if coldFinalColumn {
		log := geom.LogAddr{Grain: geom.GrainCompacted}
		phy, err := e.alloc.GetFreePPA(log)
		if err != nil {
			return err
		}
		bufs[0] = buf
		states[0] = devmgr.Data
		oob[0] = lpa
		req := &devmgr.Req{Type: devmgr.GCRecWrite, Phy: phy, Main: bufs, SlotStates: states, Oob: oob}
		if err := e.gate.MakeReq(phy.Punit, req); err != nil {
			e.gate.EndReq(phy.Punit, req)
			return err
		}
		e.gate.EndReq(phy.Punit, req)
		e.abm.ValidatePage4KB(phy.Channel, phy.Chip, phy.Block, phy.Page, 0)
		e.subs.Write(lpa, phy, 0, true)
		return nil
	}

	toCol := fromCol + 1
	if toCol > last {
		toCol = last
	}
	phy := geom.MkPhyAddr(e.geo, ch, chip, block.Block, pg)
	bufs[toCol] = buf
	states[toCol] = devmgr.Data
	oob[toCol] = lpa
	req := &devmgr.Req{Type: devmgr.RecWrite, Phy: phy, Main: bufs, SlotStates: states, Oob: oob}
	if err := e.gate.MakeReq(punit, req); err != nil {
		e.gate.EndReq(punit, req)
		return err
	}
	e.gate.EndReq(punit, req)
	e.abm.ValidatePage4KB(phy.Channel, phy.Chip, phy.Block, phy.Page, toCol)
	e.subs.Write(lpa, phy, toCol, true)
	return nil
}
