// Package abm implements the Active Block Manager: the authoritative
// store for per-block state, sub-page validity, and the per-die
// state lists GC and recycle scan. It performs no I/O.
package abm

import (
	"container/list"
	"fmt"
	"io"
	"encoding/gob"
	"sync"

	"github.com/rs/zerolog"

	"github.com/oichkatzele/flashftl/geom"
)

// State is a block's position in its lifecycle.
type State int

const (
	Free State = iota
	Clean
	Dirty     // written via the 16KB stream
	Dirty4KB  // written through the fine-grained stream
	Bad
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Dirty4KB:
		return "dirty4kb"
	case Bad:
		return "bad"
	default:
		return "state?"
	}
}

// Pst is one sub-page's validity.
type Pst int

const (
	NotInvalid Pst = iota // never written
	Valid
	Invalid
)

// Block is the per-(channel,chip,block) metadata entry. It embeds its
// own mutex so callers taking a consistent snapshot of the counters
// can do so without a second lock.
type Block struct {
	sync.Mutex

	Channel int
	Chip    int
	Block   int

	state             State
	pst               []Pst
	nrInvalidSubpages int

	elem *list.Element // membership in the owning die's state list
}

// State returns the block's current lifecycle state.
func (b *Block) State() State {
	b.Lock()
	defer b.Unlock()
	return b.state
}

// NrInvalidSubpages returns the invalid-subpage counter.
func (b *Block) NrInvalidSubpages() int {
	b.Lock()
	defer b.Unlock()
	return b.nrInvalidSubpages
}

// Pst returns the validity of subpage index i (pg*K+sub).
func (b *Block) Pst(i int) Pst {
	b.Lock()
	defer b.Unlock()
	return b.pst[i]
}

// dieKey names a (channel, chip) pair for the per-die list maps.
type dieKey struct{ channel, chip int }

// die holds the intrusive state lists for one (channel, chip) pair.
type die struct {
	free     *list.List
	clean    *list.List
	dirty    *list.List
	dirty4kb *list.List
	bad      *list.List
}

func newDie() *die {
	return &die{
		free:     list.New(),
		clean:    list.New(),
		dirty:    list.New(),
		dirty4kb: list.New(),
		bad:      list.New(),
	}
}

func (d *die) listFor(s State) *list.List {
	switch s {
	case Free:
		return d.free
	case Clean:
		return d.clean
	case Dirty:
		return d.dirty
	case Dirty4KB:
		return d.dirty4kb
	case Bad:
		return d.bad
	default:
		panic("abm: unknown state")
	}
}

// ABM is the Active Block Manager.
type ABM struct {
	mu     sync.Mutex // guards list membership moves across dies
	geo    geom.Geometry
	blocks []*Block
	dies   map[dieKey]*die
	log    zerolog.Logger
}

// Create allocates every block in the FREE state with empty lists.
// persist controls whether a bad-block list is loaded from it (nil
// means start with no bad blocks known).
func Create(g geom.Geometry, log zerolog.Logger, persist io.Reader) (*ABM, error) {
	a := &ABM{
		geo:  g,
		dies: make(map[dieKey]*die),
		log:  log,
	}
	k := g.SubpagesPerPage
	for ch := 0; ch < g.NrChannels; ch++ {
		for chip := 0; chip < g.NrChipsPerChannel; chip++ {
			a.dies[dieKey{ch, chip}] = newDie()
		}
	}
	a.blocks = make([]*Block, g.NrBlocksPerSSD())
	for ch := 0; ch < g.NrChannels; ch++ {
		for chip := 0; chip < g.NrChipsPerChannel; chip++ {
			d := a.dies[dieKey{ch, chip}]
			for blk := 0; blk < g.NrBlocksPerChip; blk++ {
				b := &Block{
					Channel: ch,
					Chip:    chip,
					Block:   blk,
					state:   Free,
					pst:     make([]Pst, g.NrPagesPerBlock*k),
				}
				b.elem = d.free.PushBack(b)
				a.blocks[geom.BlockIndex(g, ch, chip, blk)] = b
			}
		}
	}
	if persist != nil {
		if err := a.restoreBadBlocks(persist); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// GetBlock returns the block handle for (ch, chip, blk).
func (a *ABM) GetBlock(ch, chip, blk int) *Block {
	return a.blocks[geom.BlockIndex(a.geo, ch, chip, blk)]
}

func (a *ABM) move(b *Block, d *die, from, to State) {
	d.listFor(from).Remove(b.elem)
	b.elem = d.listFor(to).PushBack(b)
}

// GetFreeBlockPrepare reserves the head FREE block of die (ch, chip).
// It does not change state; returns nil if none remain.
func (a *ABM) GetFreeBlockPrepare(ch, chip int) *Block {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := a.dies[dieKey{ch, chip}]
	e := d.free.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*Block)
}

// GetFreeBlockCommit transitions a reserved FREE block to CLEAN and
// moves it into that die's CLEAN list.
func (a *ABM) GetFreeBlockCommit(b *Block) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b.Lock()
	if b.state != Free {
		b.Unlock()
		panic("abm: commit of non-free block")
	}
	d := a.dies[dieKey{b.Channel, b.Chip}]
	a.move(b, d, Free, Clean)
	b.state = Clean
	b.Unlock()
	a.log.Debug().Int("ch", b.Channel).Int("chip", b.Chip).Int("blk", b.Block).Msg("abm: free->clean")
}

// ValidatePage4KB flips pst[pg*K+sub] from NOT_INVALID to VALID,
// transitioning the block to DIRTY_4KB on its first 4KB write.
func (a *ABM) ValidatePage4KB(ch, chip, blk, pg, sub int) {
	b := a.GetBlock(ch, chip, blk)
	k := a.geo.SubpagesPerPage
	idx := pg*k + sub

	a.mu.Lock()
	defer a.mu.Unlock()
	b.Lock()
	defer b.Unlock()

	if b.pst[idx] != NotInvalid {
		panic("abm: double-write to a sub-page column")
	}
	b.pst[idx] = Valid

	if b.state != Dirty && b.state != Dirty4KB {
		d := a.dies[dieKey{b.Channel, b.Chip}]
		a.move(b, d, b.state, Dirty4KB)
		b.state = Dirty4KB
		a.log.Debug().Int("ch", ch).Int("chip", chip).Int("blk", blk).Msg("abm: ->dirty4kb")
	}
}

// ValidatePage marks all K subpages of physical page (pg) VALID at
// once, transitioning the block to DIRTY. Used by the 16KB stream.
func (a *ABM) ValidatePage(ch, chip, blk, pg int) {
	b := a.GetBlock(ch, chip, blk)
	k := a.geo.SubpagesPerPage

	a.mu.Lock()
	defer a.mu.Unlock()
	b.Lock()
	defer b.Unlock()

	for s := 0; s < k; s++ {
		idx := pg*k + s
		if b.pst[idx] != NotInvalid {
			panic("abm: double-write to a sub-page column")
		}
		b.pst[idx] = Valid
	}
	if b.state != Dirty {
		d := a.dies[dieKey{b.Channel, b.Chip}]
		from := b.state
		if from != Dirty4KB {
			from = Clean
		}
		a.move(b, d, from, Dirty)
		b.state = Dirty
	}
}

// InvalidatePage flips pst[pg*K+sub] from VALID to INVALID and
// increments nr_invalid_subpages. Idempotent if already INVALID.
func (a *ABM) InvalidatePage(ch, chip, blk, pg, sub int) {
	b := a.GetBlock(ch, chip, blk)
	k := a.geo.SubpagesPerPage
	idx := pg*k + sub

	b.Lock()
	defer b.Unlock()
	if b.pst[idx] == Invalid {
		return
	}
	b.pst[idx] = Invalid
	b.nrInvalidSubpages++
}

// EraseBlock requires the caller has quiesced the block; it clears
// pst, resets the invalid counter, and transitions to FREE (or BAD).
func (a *ABM) EraseBlock(ch, chip, blk int, isBad bool) {
	b := a.GetBlock(ch, chip, blk)

	a.mu.Lock()
	defer a.mu.Unlock()
	b.Lock()
	defer b.Unlock()

	if b.state == Free {
		panic("abm: erase of already-free block")
	}
	for i := range b.pst {
		if b.pst[i] == Valid {
			panic("abm: erase of non-empty block")
		}
	}
	for i := range b.pst {
		b.pst[i] = NotInvalid
	}
	b.nrInvalidSubpages = 0

	d := a.dies[dieKey{b.Channel, b.Chip}]
	to := Free
	if isBad {
		to = Bad
	}
	a.move(b, d, b.state, to)
	b.state = to
	a.log.Debug().Int("ch", ch).Int("chip", chip).Int("blk", blk).Bool("bad", isBad).Msg("abm: erased")
}

// IterDirty calls f for every block currently on die (ch, chip)'s
// DIRTY list, stopping early if f returns false.
func (a *ABM) IterDirty(ch, chip int, f func(*Block) bool) {
	a.iterState(ch, chip, Dirty, f)
}

// IterDirty4KB calls f for every block currently on die (ch, chip)'s
// DIRTY_4KB list, stopping early if f returns false.
func (a *ABM) IterDirty4KB(ch, chip int, f func(*Block) bool) {
	a.iterState(ch, chip, Dirty4KB, f)
}

func (a *ABM) iterState(ch, chip int, s State, f func(*Block) bool) {
	a.mu.Lock()
	d := a.dies[dieKey{ch, chip}]
	l := d.listFor(s)
	blocks := make([]*Block, 0, l.Len())
	for e := l.Front(); e != nil; e = e.Next() {
		blocks = append(blocks, e.Value.(*Block))
	}
	a.mu.Unlock()

	for _, b := range blocks {
		if !f(b) {
			return
		}
	}
}

// NrFree returns the number of blocks currently FREE across the
// entire device.
func (a *ABM) NrFree() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, d := range a.dies {
		n += d.free.Len()
	}
	return n
}

// NrDirty4KB returns the number of blocks currently in DIRTY_4KB
// across the entire device.
func (a *ABM) NrDirty4KB() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, d := range a.dies {
		n += d.dirty4kb.Len()
	}
	return n
}

// NrTotal returns the total number of blocks managed.
func (a *ABM) NrTotal() int {
	return len(a.blocks)
}

// ScanBadBlocks walks every block and marks it BAD when probe returns
// true. The probe supplies policy (how a bad block is detected); this
// only performs the walk and state transition.
func (a *ABM) ScanBadBlocks(probe func(ch, chip, blk int) bool) {
	for _, b := range a.blocks {
		if probe(b.Channel, b.Chip, b.Block) {
			a.mu.Lock()
			b.Lock()
			d := a.dies[dieKey{b.Channel, b.Chip}]
			a.move(b, d, b.state, Bad)
			b.state = Bad
			b.Unlock()
			a.mu.Unlock()
		}
	}
}

type badBlockRecord struct {
	Channel, Chip, Block int
}

// Snapshot serialises the bad-block list to w in an opaque gob
// encoding; the on-disk format is not meant to be read by other tools.
func (a *ABM) Snapshot(w io.Writer) error {
	var recs []badBlockRecord
	a.mu.Lock()
	for _, b := range a.blocks {
		if b.State() == Bad {
			recs = append(recs, badBlockRecord{b.Channel, b.Chip, b.Block})
		}
	}
	a.mu.Unlock()
	return gob.NewEncoder(w).Encode(recs)
}

func (a *ABM) restoreBadBlocks(r io.Reader) error {
	var recs []badBlockRecord
	if err := gob.NewDecoder(r).Decode(&recs); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("abm: restore bad blocks: %w", err)
	}
	for _, rec := range recs {
		b := a.GetBlock(rec.Channel, rec.Chip, rec.Block)
		d := a.dies[dieKey{b.Channel, b.Chip}]
		a.move(b, d, Free, Bad)
		b.state = Bad
	}
	return nil
}
