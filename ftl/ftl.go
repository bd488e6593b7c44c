// Package ftl wires the ABM, mapping tables, allocator, GC engine,
// recycle engine, and LLM gate into the operations the upper
// (host-I/O) layer consumes: allocating physical pages, mapping and
// looking up logical pages, invalidating them, and driving GC and
// bad-block scanning.
//
// Every operation hangs off an explicit *Driver handle -- constructed
// with its collaborators injected rather than reached for as globals
// -- so multiple devices can be driven independently in the same
// process.
package ftl

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/oichkatzele/flashftl/abm"
	"github.com/oichkatzele/flashftl/allocator"
	"github.com/oichkatzele/flashftl/devmgr"
	"github.com/oichkatzele/flashftl/gc"
	"github.com/oichkatzele/flashftl/geom"
	"github.com/oichkatzele/flashftl/llmgate"
	"github.com/oichkatzele/flashftl/mapping"
	"github.com/oichkatzele/flashftl/recycle"
)

// resourceRetries / resourceBackoff implement the bounded retry
// (10 attempts x 1s) applied to persistent RESOURCE errors.
const resourceRetries = 10

var resourceBackoff = time.Second

// recyclerHandle breaks the allocator<->recycle construction cycle:
// the allocator needs a Recycler at construction time, but the
// recycle engine needs the allocator. New builds the allocator with a
// handle whose target is filled in once the recycle engine exists.
type recyclerHandle struct {
	engine *recycle.Engine
}

func (h *recyclerHandle) FillDieSlots(active []*abm.Block) error {
	if h.engine == nil {
		return errors.New("ftl: recycle engine not yet initialized")
	}
	_, err := h.engine.Run(context.Background())
	return err
}

// Driver is the FTL facade: one instance per device.
type Driver struct {
	Geo     geom.Geometry
	ABM     *abm.ABM
	Pages   *mapping.PageTable
	Subs    *mapping.SubpageTable
	Alloc   *allocator.Allocator
	GC      *gc.Engine
	Recycle *recycle.Engine
	Gate    *llmgate.Gate
	Mgr     devmgr.Manager

	log zerolog.Logger

	// sleep is the back-off wait function, overridable in tests so
	// the bounded RESOURCE retry doesn't actually block for 10s.
	sleep func(time.Duration)
}

// Config is the subset of ftlconfig.Config the facade needs directly;
// kept narrow so ftl does not import ftlconfig (which in turn may
// grow CLI-only concerns).
type Config struct {
	Geometry    geom.Geometry
	PoolPercent int // initial pool-size target, default 60
}

// New constructs a Driver: an empty ABM, empty mapping tables, the
// allocator/GC/recycle engines wired together, and the LLM gate over
// mgr.
func New(cfg Config, mgr devmgr.Manager, log zerolog.Logger) (*Driver, error) {
	if err := cfg.Geometry.Validate(); err != nil {
		return nil, newErr(InvalidInput, "bad geometry", err)
	}
	poolPercent := cfg.PoolPercent
	if poolPercent <= 0 {
		poolPercent = 60
	}

	a, err := abm.Create(cfg.Geometry, log, nil)
	if err != nil {
		return nil, err
	}
	pages := mapping.NewPageTable(cfg.Geometry)
	subs := mapping.NewSubpageTable()
	gate := llmgate.New(mgr, cfg.Geometry.NrPunits())

	rh := &recyclerHandle{}
	alloc := allocator.New(cfg.Geometry, a, rh, poolPercent)
	gcEngine := gc.New(cfg.Geometry, a, pages, subs, alloc, gate, mgr, log)
	recEngine := recycle.New(cfg.Geometry, a, pages, subs, alloc, gate, mgr, log)
	rh.engine = recEngine

	return &Driver{
		Geo:     cfg.Geometry,
		ABM:     a,
		Pages:   pages,
		Subs:    subs,
		Alloc:   alloc,
		GC:      gcEngine,
		Recycle: recEngine,
		Gate:    gate,
		Mgr:     mgr,
		log:     log,
		sleep:   time.Sleep,
	}, nil
}

func (d *Driver) validatePage(l int) error {
	if l < 0 || l >= d.Geo.NrPagesPerSSD() {
		return newErr(InvalidInput, "logical page out of range", nil)
	}
	return nil
}

func (d *Driver) validateSubpage(l int64) error {
	if l < 0 || l >= int64(d.Geo.NrSubpagesPerSSD()) {
		return newErr(InvalidInput, "logical sub-page out of range", nil)
	}
	return nil
}

// withResourceRetry runs fn, and on a RESOURCE (allocator.ErrNoFreeBlocks)
// failure triggers a GC pass and retries with bounded back-off. On
// persistent RESOURCE failure the request fails with EIO.
func (d *Driver) withResourceRetry(ctx context.Context, fn func() (geom.PhyAddr, error)) (geom.PhyAddr, error) {
	var lastErr error
	for attempt := 0; attempt <= resourceRetries; attempt++ {
		phy, err := fn()
		if err == nil {
			return phy, nil
		}
		if !errors.Is(err, allocator.ErrNoFreeBlocks) {
			return geom.PhyAddr{}, err
		}
		lastErr = err
		if d.GC.IsGCNeeded() || attempt == 0 {
			if _, gcErr := d.GC.DoGC(ctx); gcErr != nil {
				d.log.Warn().Err(gcErr).Msg("ftl: gc pass during resource retry failed")
			}
		}
		if attempt < resourceRetries {
			d.sleep(resourceBackoff)
		}
	}
	return geom.PhyAddr{}, errors.Wrap(EIO, lastErr.Error())
}

// GetFreePPA allocates the next physical page for log's stream,
// triggering GC and retrying on transient resource exhaustion.
func (d *Driver) GetFreePPA(ctx context.Context, log geom.LogAddr) (geom.PhyAddr, error) {
	return d.withResourceRetry(ctx, func() (geom.PhyAddr, error) {
		return d.Alloc.GetFreePPA(log)
	})
}

// MapLpaToPpa commits logical page l's forward-table entry to phy
// (16KB grain). All K subpages of phy must already be VALID in the ABM.
func (d *Driver) MapLpaToPpa(l int, phy geom.PhyAddr) error {
	if err := d.validatePage(l); err != nil {
		return err
	}
	d.Pages.Commit(l, phy)
	return nil
}

// GetPpa resolves logical page l to its physical location, returning
// ok=false if NOT_ALLOCATED.
func (d *Driver) GetPpa(l int) (geom.PhyAddr, bool, error) {
	if err := d.validatePage(l); err != nil {
		return geom.PhyAddr{}, false, err
	}
	e := d.Pages.Lookup(l)
	return e.Phy, e.Status == mapping.PageValid, nil
}

// InvalidateLpa invalidates logical page l: every subpage of its
// physical location is marked INVALID in the ABM and the forward-table
// entry is marked INVALID.
func (d *Driver) InvalidateLpa(l int) error {
	if err := d.validatePage(l); err != nil {
		return err
	}
	e := d.Pages.Lookup(l)
	if e.Status != mapping.PageValid {
		return nil
	}
	k := d.Geo.SubpagesPerPage
	for s := 0; s < k; s++ {
		d.ABM.InvalidatePage(e.Phy.Channel, e.Phy.Chip, e.Phy.Block, e.Phy.Page, s)
	}
	d.Pages.Invalidate(l)
	return nil
}

// IsGCNeeded reports whether a GC pass should run.
func (d *Driver) IsGCNeeded() bool { return d.GC.IsGCNeeded() }

// DoGC runs one garbage-collection pass.
func (d *Driver) DoGC(ctx context.Context) (gc.Result, error) {
	return d.GC.DoGC(ctx)
}

// ScanBadBlocks walks every block, marking it BAD when probe returns
// true. The probe supplies the bad-block detection policy.
func (d *Driver) ScanBadBlocks(probe func(ch, chip, blk int) bool) {
	d.ABM.ScanBadBlocks(probe)
}
