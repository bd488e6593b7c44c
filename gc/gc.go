// Package gc implements the garbage-collection engine: victim
// selection, valid-subpage relocation (coarse or compacted), and
// erase.
//
// The full-valid and sparse-valid read batches run concurrently and
// are joined with golang.org/x/sync/errgroup, which surfaces the
// first error from either batch without extra bookkeeping.
package gc

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/oichkatzele/flashftl/abm"
	"github.com/oichkatzele/flashftl/allocator"
	"github.com/oichkatzele/flashftl/compact"
	"github.com/oichkatzele/flashftl/devmgr"
	"github.com/oichkatzele/flashftl/geom"
	"github.com/oichkatzele/flashftl/llmgate"
	"github.com/oichkatzele/flashftl/mapping"
)

// LowWaterPercent is the free-block threshold below which IsGCNeeded
// reports true: free blocks fall below this percent of the total.
const LowWaterPercent = 2

// Engine runs garbage collection over one FTL instance's state.
type Engine struct {
	geo   geom.Geometry
	abm   *abm.ABM
	pages *mapping.PageTable
	subs  *mapping.SubpageTable
	alloc *allocator.Allocator
	gate  *llmgate.Gate
	mgr   devmgr.Manager
	log   zerolog.Logger
}

// New constructs a GC engine over the given collaborators.
func New(g geom.Geometry, a *abm.ABM, pages *mapping.PageTable, subs *mapping.SubpageTable,
	alloc *allocator.Allocator, gate *llmgate.Gate, mgr devmgr.Manager, log zerolog.Logger) *Engine {
	return &Engine{geo: g, abm: a, pages: pages, subs: subs, alloc: alloc, gate: gate, mgr: mgr, log: log}
}

// IsGCNeeded reports whether free blocks have fallen below the
// low-water mark.
func (e *Engine) IsGCNeeded() bool {
	return e.abm.NrFree()*100 < LowWaterPercent*e.abm.NrTotal()
}

// victim is one selected block to reclaim, per parallel unit.
type victim struct {
	punit int
	block *abm.Block
}

// selectVictims scans every die's dirty list and picks the block with
// the maximum nr_invalid_subpages, excluding the die's current active
// normal and compaction blocks. Ties: first encountered wins. An
// early exit is taken once a fully-invalid candidate is found.
func (e *Engine) selectVictims() []victim {
	var victims []victim
	for p := 0; p < e.geo.NrPunits(); p++ {
		ch, chip := geom.PunitOf(e.geo, p)
		activeNormal := e.alloc.ActiveBlock(allocator.Normal, p)
		activeComp := e.alloc.ActiveBlock(allocator.Compaction, p)

		var best *abm.Block
		bestInvalid := -1
		full := e.geo.NrSubpagesPerBlock()
		e.abm.IterDirty(ch, chip, func(b *abm.Block) bool {
			if b == activeNormal || b == activeComp {
				return true
			}
			n := b.NrInvalidSubpages()
			if n > bestInvalid {
				best, bestInvalid = b, n
			}
			return bestInvalid < full
		})
		if best != nil {
			victims = append(victims, victim{punit: p, block: best})
		}
	}
	return victims
}

type classifiedPage struct {
	phy      geom.PhyAddr
	slots    []compact.Slot
	fullVal  bool
}

// classify scans every page of a victim block and classifies it
// FULL-VALID (all K subpages valid), SPARSE-VALID (1..K-1 valid), or
// empty (skipped entirely).
func (e *Engine) classify(v victim) []classifiedPage {
	k := e.geo.SubpagesPerPage
	var pages []classifiedPage
	for pg := 0; pg < e.geo.NrPagesPerBlock; pg++ {
		nValid := 0
		slots := make([]compact.Slot, k)
		for s := 0; s < k; s++ {
			pst := v.block.Pst(pg*k + s)
			if pst == abm.Valid {
				nValid++
				slots[s] = compact.Slot{State: devmgr.Data, Lpa: geom.SubpageLpa(pg, k, s), Buf: make([]byte, 4096)}
			} else {
				slots[s] = compact.Slot{State: devmgr.Hole, Lpa: -1}
			}
		}
		if nValid == 0 {
			continue
		}
		phy := geom.MkPhyAddr(e.geo, v.block.Channel, v.block.Chip, v.block.Block, pg)
		pages = append(pages, classifiedPage{phy: phy, slots: slots, fullVal: nValid == k})
	}
	return pages
}

// invalidateSource marks every DATA slot of a classified page INVALID
// at its original physical location, now that the data has been read
// out for relocation.
func (e *Engine) invalidateSource(p classifiedPage) {
	for s, slot := range p.slots {
		if slot.State != devmgr.Data {
			continue
		}
		e.abm.InvalidatePage(p.phy.Channel, p.phy.Chip, p.phy.Block, p.phy.Page, s)
	}
}

func (e *Engine) readPage(ctx context.Context, p classifiedPage) error {
	k := e.geo.SubpagesPerPage
	bufs := make([][]byte, k)
	states := make([]devmgr.SlotState, k)
	for i, s := range p.slots {
		bufs[i] = s.Buf
		if bufs[i] == nil {
			bufs[i] = make([]byte, 4096)
		}
		states[i] = s.State
	}
	reqType := devmgr.GCRead
	req := &devmgr.Req{Type: reqType, Phy: p.phy, Main: bufs, SlotStates: states}
	if err := e.gate.MakeReq(p.phy.Punit, req); err != nil {
		e.gate.EndReq(p.phy.Punit, req)
		return err
	}
	e.gate.EndReq(p.phy.Punit, req)
	for i := range p.slots {
		p.slots[i].Buf = bufs[i]
	}
	return nil
}

// Result summarises one do_gc invocation.
type Result struct {
	VictimsReclaimed int
	PagesRelocated   int
}

// DoGC performs one garbage-collection pass. If not every die yields a
// victim it returns an empty Result without doing work -- see
// DESIGN.md for the load-balancing tradeoff this leaves open.
func (e *Engine) DoGC(ctx context.Context) (Result, error) {
	victims := e.selectVictims()
	if len(victims) < e.geo.NrPunits() {
		e.log.Warn().Int("victims", len(victims)).Int("punits", e.geo.NrPunits()).
			Msg("gc: not every die yielded a victim, skipping pass")
		return Result{}, nil
	}

	var fullPages, sparsePages []classifiedPage
	for _, v := range victims {
		for _, p := range e.classify(v) {
			if p.fullVal {
				fullPages = append(fullPages, p)
			} else {
				sparsePages = append(sparsePages, p)
			}
		}
	}

	if err := e.mgr.Flush(ctx); err != nil {
		return Result{}, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for _, p := range fullPages {
			if err := e.readPage(gctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	g.Go(func() error {
		for _, p := range sparsePages {
			if err := e.readPage(gctx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	// Once the valid data has been read out, the source subpages are no
	// longer needed at their old location; invalidate them now so the
	// erase phase finds the victim blocks empty.
	for _, p := range fullPages {
		e.invalidateSource(p)
	}
	for _, p := range sparsePages {
		e.invalidateSource(p)
	}

	relocated := 0
	batchID := uuid.NewString()

	// Write phase -- FULL-VALID stream: coarse relocation or
	// compacted-small-write tagging depending on whether the four
	// logical sub-page addresses originally formed one 16KB page.
	k := e.geo.SubpagesPerPage
	for idx, p := range fullPages {
		coarse := true
		base := p.slots[0].Lpa - p.slots[0].Lpa%int64(k)
		for s := 0; s < k; s++ {
			if p.slots[s].Lpa != base+int64(s) {
				coarse = false
				break
			}
		}
		var log geom.LogAddr
		if coarse {
			log = geom.LogAddr{Grain: geom.GrainNormal, Page: int(base / int64(k))}
		} else {
			log = geom.LogAddr{Grain: geom.GrainCompacted}
		}
		if err := e.emitWrite(ctx, batchID, idx, log, p.slots, 0); err != nil {
			return Result{}, err
		}
		relocated++
	}

	// Write phase -- SPARSE-VALID stream: pack across pages, then
	// fix up remaining slots of the last packed record.
	var reads []compact.ReadResult
	for _, p := range sparsePages {
		reads = append(reads, compact.ReadResult{Slots: p.slots})
	}
	packed := compact.Finalize(compact.Pack(reads, k))
	for idx, rec := range packed {
		log := geom.LogAddr{Grain: geom.GrainFine, Ofs: rec.Ofs}
		if err := e.emitWrite(ctx, batchID, idx+len(fullPages), log, rec.Slots, rec.Ofs); err != nil {
			return Result{}, err
		}
		relocated++
	}

	// Erase phase.
	for _, v := range victims {
		phy := geom.MkPhyAddr(e.geo, v.block.Channel, v.block.Chip, v.block.Block, 0)
		req := &devmgr.Req{Type: devmgr.GCErase, Phy: phy}
		err := e.gate.MakeReq(phy.Punit, req)
		e.gate.EndReq(phy.Punit, req)
		isBad := err != nil || req.Err() != nil
		e.abm.EraseBlock(v.block.Channel, v.block.Chip, v.block.Block, isBad)
	}

	return Result{VictimsReclaimed: len(victims), PagesRelocated: relocated}, nil
}

func (e *Engine) emitWrite(ctx context.Context, batchID string, idx int, log geom.LogAddr, slots []compact.Slot, ofs int) error {
	phy, err := e.alloc.GetFreePPA(log)
	if err != nil {
		return err
	}

	k := e.geo.SubpagesPerPage
	bufs := make([][]byte, k)
	states := make([]devmgr.SlotState, k)
	oob := make([]int64, k)
	for i := 0; i < k && i < len(slots); i++ {
		bufs[i] = slots[i].Buf
		if bufs[i] == nil {
			bufs[i] = make([]byte, 4096)
		}
		states[i] = slots[i].State
		oob[i] = slots[i].Lpa
	}

	reqType := devmgr.GCWrite
	req := &devmgr.Req{Type: reqType, Phy: phy, Main: bufs, SlotStates: states, Oob: oob, BatchID: batchID, Index: idx}
	if err := e.gate.MakeReq(phy.Punit, req); err != nil {
		e.gate.EndReq(phy.Punit, req)
		return err
	}
	e.gate.EndReq(phy.Punit, req)

	switch log.Grain {
	case geom.GrainNormal:
		e.abm.ValidatePage(phy.Channel, phy.Chip, phy.Block, phy.Page)
		e.pages.Commit(log.Page, phy)
		for i := 0; i < k; i++ {
			e.subs.Invalidate(oob[i])
		}
	default: // compacted / fine relocation
		for i := 0; i < k; i++ {
			if states[i] != devmgr.Data {
				continue
			}
			e.abm.ValidatePage4KB(phy.Channel, phy.Chip, phy.Block, phy.Page, i)
			e.subs.Write(oob[i], phy, i, true)
		}
	}
	return nil
}
