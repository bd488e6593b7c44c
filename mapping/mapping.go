// Package mapping implements the dual-grain logical-to-physical
// mapping: the 16KB page-mapped forward table and the 4KB sub-page
// hash map. The sub-page table is lock-striped across fixed buckets so
// invalidation's tombstone rule can update a field under the bucket
// lock instead of performing a map delete.
package mapping

import (
	"sync"

	"github.com/oichkatzele/flashftl/geom"
)

// PageStatus is the 16KB forward-table entry's status.
type PageStatus int

const (
	NotAllocated PageStatus = iota
	PageValid
	PageInvalid
)

// PageEntry is one slot of the 16KB forward table.
type PageEntry struct {
	Status PageStatus
	Phy    geom.PhyAddr
	SpOff  int // always 0 when Status == PageValid; 16KB writes occupy all K subpages
}

// PageTable is the flat forward table indexed by logical page number.
type PageTable struct {
	mu      sync.Mutex
	entries []PageEntry
}

// NewPageTable allocates a forward table sized for g.
func NewPageTable(g geom.Geometry) *PageTable {
	return &PageTable{entries: make([]PageEntry, g.NrPagesPerSSD())}
}

// Lookup returns the entry for logical page L. O(1).
func (t *PageTable) Lookup(l int) PageEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[l]
}

// Commit sets logical page L to VALID pointing at phy. The caller must
// have already ensured all K subpages of phy are VALID in the ABM
// before calling this.
func (t *PageTable) Commit(l int, phy geom.PhyAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[l] = PageEntry{Status: PageValid, Phy: phy, SpOff: 0}
}

// Invalidate marks logical page L's forward-table entry INVALID.
func (t *PageTable) Invalidate(l int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.entries[l].Status == PageValid {
		t.entries[l].Status = PageInvalid
	}
}

// SubpageEntry is one 4KB sub-page table entry.
//
// Count is the lifetime write count of this logical sub-page (used by
// recycle heuristics). On invalidation Count is negated in place and
// Phy.Punit is set to -1 as a tombstone: the entry is never removed,
// so a re-write can restore history.
type SubpageEntry struct {
	Lpa   int64
	Count int
	Phy   geom.PhyAddr
	SpOff int
}

func (e *SubpageEntry) tombstoned() bool {
	return e.Phy.Punit == -1
}

const bucketCount = 256

type bucket struct {
	sync.RWMutex
	m map[int64]*SubpageEntry
}

// SubpageTable is the 4KB logical-subpage -> physical-location map,
// striped across buckets each guarded by its own RWMutex.
type SubpageTable struct {
	buckets []*bucket
}

// NewSubpageTable allocates an empty sub-page hash map.
func NewSubpageTable() *SubpageTable {
	t := &SubpageTable{buckets: make([]*bucket, bucketCount)}
	for i := range t.buckets {
		t.buckets[i] = &bucket{m: make(map[int64]*SubpageEntry)}
	}
	return t
}

func (t *SubpageTable) bucketFor(lpa int64) *bucket {
	h := uint64(lpa) % uint64(bucketCount)
	return t.buckets[h]
}

// FindLpa4KB returns the live entry for logical sub-page lpa, or nil
// if absent or tombstoned.
func (t *SubpageTable) FindLpa4KB(lpa int64) *SubpageEntry {
	b := t.bucketFor(lpa)
	b.RLock()
	defer b.RUnlock()
	e, ok := b.m[lpa]
	if !ok || e.tombstoned() {
		return nil
	}
	cp := *e
	return &cp
}

// Write records (or updates) a write to logical sub-page lpa at phy,
// sub-page slot spOff. If fromRecycle is true the lifetime write
// count is preserved rather than incremented (the recycle engine
// relocates data without counting it as a fresh write).
func (t *SubpageTable) Write(lpa int64, phy geom.PhyAddr, spOff int, fromRecycle bool) {
	b := t.bucketFor(lpa)
	b.Lock()
	defer b.Unlock()
	e, ok := b.m[lpa]
	if !ok {
		b.m[lpa] = &SubpageEntry{Lpa: lpa, Count: 1, Phy: phy, SpOff: spOff}
		return
	}
	count := e.Count
	if count < 0 {
		count = -count
	}
	if !fromRecycle {
		count++
	}
	e.Count = count
	e.Phy = phy
	e.SpOff = spOff
}

// Invalidate tombstones the live entry for lpa: Count is negated and
// Phy.Punit set to -1. Idempotent.
func (t *SubpageTable) Invalidate(lpa int64) {
	b := t.bucketFor(lpa)
	b.Lock()
	defer b.Unlock()
	e, ok := b.m[lpa]
	if !ok || e.tombstoned() {
		return
	}
	if e.Count > 0 {
		e.Count = -e.Count
	}
	e.Phy.Punit = -1
}
