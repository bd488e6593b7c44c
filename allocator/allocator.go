// Package allocator implements the active-block allocator: three
// independent round-robin cursors (normal, fine, compaction) striping
// writes across parallel units.
package allocator

import (
	"github.com/pkg/errors"

	"github.com/oichkatzele/flashftl/abm"
	"github.com/oichkatzele/flashftl/geom"
)

// Stream names one of the three independent write streams.
type Stream int

const (
	Normal Stream = iota
	Fine
	Compaction
)

func (s Stream) String() string {
	switch s {
	case Normal:
		return "normal"
	case Fine:
		return "fine"
	case Compaction:
		return "compaction"
	default:
		return "stream?"
	}
}

// ErrNoFreeBlocks signals a RESOURCE condition: no free block
// available on some die during a stream refresh. The allocator does
// not retry; callers trigger GC and retry with bounded back-off.
var ErrNoFreeBlocks = errors.New("allocator: no free blocks available")

// Recycler is the narrow capability the 4KB stream needs from the
// recycle engine when the dirty-4KB block count exceeds the pool cap:
// hand over all per-die active-block slots so recycle can fill in
// reusable partial blocks instead of requesting fresh FREE ones.
type Recycler interface {
	FillDieSlots(active []*abm.Block) error
}

func roundup(v, b int) int {
	return ((v + b - 1) / b) * b
}

// cursor is one stream's (current punit, current page offset) plus
// one active block handle per die.
type cursor struct {
	punit   int
	pageOfs int
	active  []*abm.Block // indexed by punit
	// column is meaningful only for the Fine stream: the sub-page
	// slot within each page that this die's active block is currently
	// being written into. A fresh block (handed out by
	// getActiveBlocks) always writes column 0; a block handed back by
	// the recycle engine writes whatever column it chose next.
	column []int
}

// Allocator owns the three striped cursors and the pool-size cap used
// to decide when the 4KB stream should hand off to recycle.
type Allocator struct {
	geo  geom.Geometry
	abm  *abm.ABM
	recy Recycler

	cursors     [3]cursor
	poolPercent int // target percentage of device capacity held dirty-4KB, default 60
	maxDirty4KB int // derived cap on dirty-4KB blocks before the fine stream hands off to recycle
}

// New constructs an allocator over abm's block store. poolPercent is
// the initial pool-size target (default 60).
func New(g geom.Geometry, a *abm.ABM, recy Recycler, poolPercent int) *Allocator {
	al := &Allocator{geo: g, abm: a, recy: recy, poolPercent: poolPercent}
	for i := range al.cursors {
		al.cursors[i].active = make([]*abm.Block, g.NrPunits())
		al.cursors[i].column = make([]int, g.NrPunits())
	}
	al.recomputeCap()
	return al
}

func (al *Allocator) recomputeCap() {
	al.maxDirty4KB = roundup(al.poolPercent*al.geo.NrBlocksPerSSD(), 100) / 100
}

// SetPoolPercent adjusts the pool-size target (the recycle engine
// tunes this adaptively) and recomputes the dirty-4KB cap.
func (al *Allocator) SetPoolPercent(p int) {
	al.poolPercent = p
	al.recomputeCap()
}

// PoolPercent returns the current pool-size target.
func (al *Allocator) PoolPercent() int { return al.poolPercent }

func streamOf(g geom.Grain) Stream {
	switch g {
	case geom.GrainFine:
		return Fine
	case geom.GrainCompacted:
		return Compaction
	default:
		return Normal
	}
}

// GetFreePPA dispatches on log.Grain and returns the next PPA for the
// appropriate stream, advancing that stream's cursor.
//
// If a stream refresh is needed and fails (no free blocks on some
// die), the cursor is left exactly as it was before the call so a
// retry (after GC frees blocks) starts from the same wrapped state.
func (al *Allocator) GetFreePPA(log geom.LogAddr) (geom.PhyAddr, error) {
	s := streamOf(log.Grain)
	c := &al.cursors[s]

	if c.active[c.punit] == nil {
		if err := al.refresh(s, c); err != nil {
			return geom.PhyAddr{}, err
		}
	}
	ch, chip := geom.PunitOf(al.geo, c.punit)
	blk := c.active[c.punit]
	phy := geom.MkPhyAddr(al.geo, ch, chip, blk.Block, c.pageOfs)

	nextPunit := c.punit + 1
	nextOfs := c.pageOfs
	wrapped := nextPunit == al.geo.NrPunits()
	if wrapped {
		nextPunit = 0
		nextOfs++
		if nextOfs == al.geo.NrPagesPerBlock {
			if err := al.refresh(s, c); err != nil {
				return geom.PhyAddr{}, err
			}
			nextOfs = 0
		}
	}
	c.punit = nextPunit
	c.pageOfs = nextOfs
	return phy, nil
}

func (al *Allocator) refresh(s Stream, c *cursor) error {
	if s == Fine && al.abm.NrDirty4KB() > al.maxDirty4KB {
		return al.recy.FillDieSlots(c.active)
	}
	return al.getActiveBlocks(c)
}

// getActiveBlocks acquires and commits one FREE block per die,
// filling every slot of c.active. Fails with ErrNoFreeBlocks (signals
// GC needed) if any die has no FREE block left.
func (al *Allocator) getActiveBlocks(c *cursor) error {
	fresh := make([]*abm.Block, al.geo.NrPunits())
	for p := 0; p < al.geo.NrPunits(); p++ {
		ch, chip := geom.PunitOf(al.geo, p)
		b := al.abm.GetFreeBlockPrepare(ch, chip)
		if b == nil {
			return errors.Wrapf(ErrNoFreeBlocks, "die ch=%d chip=%d", ch, chip)
		}
		fresh[p] = b
	}
	for p, b := range fresh {
		al.abm.GetFreeBlockCommit(b)
		c.active[p] = b
		if c.column != nil {
			c.column[p] = 0
		}
	}
	c.pageOfs = 0
	return nil
}

// ActiveBlock returns the stream's currently active block on punit,
// or nil if none is assigned (used by GC victim selection to exclude
// the currently active normal/compaction block from consideration).
func (al *Allocator) ActiveBlock(s Stream, punit int) *abm.Block {
	return al.cursors[s].active[punit]
}

// FineColumn returns the sub-page column the Fine stream's active
// block on punit is currently being written into.
func (al *Allocator) FineColumn(punit int) int {
	return al.cursors[Fine].column[punit]
}

// SetFineActive installs block as the Fine stream's active block on
// punit at the given column. The stream's page offset is not changed.
// Called by the recycle engine when it hands a reusable block back to
// the allocator instead of a fresh FREE one.
func (al *Allocator) SetFineActive(punit int, block *abm.Block, column int) {
	c := &al.cursors[Fine]
	c.active[punit] = block
	c.column[punit] = column
}
