package ftl

import (
	"context"
	"time"

	"github.com/oichkatzele/flashftl/devmgr"
	"github.com/oichkatzele/flashftl/geom"
	"github.com/oichkatzele/flashftl/mapping"
)

// Direction names a host bio's operation.
type Direction int

const (
	Read Direction = iota
	Write
	Trim
)

// SectorSize is the host-visible sector size.
const SectorSize = 512

// sectorsPerSubpage is the number of 512B sectors in one 4KB sub-page.
const sectorsPerSubpage = 4096 / SectorSize

// Bio is the host-visible request shape: a direction, a starting 512B
// sector, a length in sectors, and a scatter-gather of 4KB buffers.
type Bio struct {
	Dir         Direction
	StartSector int64
	NrSectors   int
	Bufs        [][]byte // 4KB each, len == NrSectors/sectorsPerSubpage for Write/Read
}

// requestWaitBudget bounds how long a single host request may take
// before it is abandoned and reported as EIO.
const requestWaitBudget = 100 * time.Millisecond

// MakeReq is the upstream entry point. It classifies the bio by grain
// and drives the appropriate write/read/trim path, completing within
// requestWaitBudget or returning EIO.
func (d *Driver) MakeReq(ctx context.Context, bio *Bio) error {
	ctx, cancel := context.WithTimeout(ctx, requestWaitBudget)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- d.dispatch(ctx, bio)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return EIO
	}
}

func (d *Driver) dispatch(ctx context.Context, bio *Bio) error {
	if bio.NrSectors <= 0 || bio.StartSector < 0 {
		return newErr(InvalidInput, "bad bio geometry", nil)
	}
	switch bio.Dir {
	case Write:
		return d.write(ctx, bio)
	case Read:
		return d.read(ctx, bio)
	case Trim:
		return d.trim(ctx, bio)
	default:
		return newErr(InvalidInput, "unknown bio direction", nil)
	}
}

func lpaRange(bio *Bio) (firstLpa int64, count int) {
	firstLpa = bio.StartSector / sectorsPerSubpage
	count = bio.NrSectors / sectorsPerSubpage
	return
}

// write dispatches a host write: a full-page-aligned, K-subpage write
// goes through the normal 16KB stream; anything else goes through the
// fine 4KB stream one sub-page at a time.
func (d *Driver) write(ctx context.Context, bio *Bio) error {
	firstLpa, count := lpaRange(bio)
	k := d.Geo.SubpagesPerPage

	if count == k && firstLpa%int64(k) == 0 {
		return d.writePage(ctx, int(firstLpa/int64(k)), bio.Bufs)
	}
	for i := 0; i < count; i++ {
		if err := d.writeSubpage(ctx, firstLpa+int64(i), bio.Bufs[i]); err != nil {
			return err
		}
	}
	return nil
}

// writePage performs a 16KB-grain write: allocate, push K subpages
// through the gate in one request, validate all K subpages atomically
// in the ABM, commit the forward table, and invalidate any live 4KB
// entries for the covered sub-pages (the most recent write wins).
func (d *Driver) writePage(ctx context.Context, page int, bufs [][]byte) error {
	if err := d.validatePage(page); err != nil {
		return err
	}
	k := d.Geo.SubpagesPerPage
	log := geom.LogAddr{Grain: geom.GrainNormal, Page: page}
	phy, err := d.GetFreePPA(ctx, log)
	if err != nil {
		return err
	}

	states := make([]devmgr.SlotState, k)
	for i := range states {
		states[i] = devmgr.Data
	}
	req := &devmgr.Req{Type: devmgr.Write, Phy: phy, Main: bufs, SlotStates: states}
	if err := d.Gate.MakeReq(phy.Punit, req); err != nil {
		d.Gate.EndReq(phy.Punit, req)
		return newErr(Device, "write failed", err)
	}
	d.Gate.EndReq(phy.Punit, req)

	d.ABM.ValidatePage(phy.Channel, phy.Chip, phy.Block, phy.Page)
	d.Pages.Commit(page, phy)

	for s := 0; s < k; s++ {
		d.Subs.Invalidate(geom.SubpageLpa(page, k, s))
	}
	return nil
}

// writeSubpage performs a 4KB-grain write at the allocator's current
// Fine-stream column for the destination die.
func (d *Driver) writeSubpage(ctx context.Context, lpa int64, buf []byte) error {
	if err := d.validateSubpage(lpa); err != nil {
		return err
	}
	log := geom.LogAddr{Grain: geom.GrainFine}
	phy, err := d.GetFreePPA(ctx, log)
	if err != nil {
		return err
	}
	col := d.Alloc.FineColumn(phy.Punit)

	k := d.Geo.SubpagesPerPage
	bufs := make([][]byte, k)
	states := make([]devmgr.SlotState, k)
	oob := make([]int64, k)
	for i := range bufs {
		bufs[i] = make([]byte, 4096)
		states[i] = devmgr.Hole
		oob[i] = geom.HoleLpa
	}
	bufs[col] = buf
	states[col] = devmgr.Data
	oob[col] = lpa

	req := &devmgr.Req{Type: devmgr.Write, Phy: phy, Main: bufs, SlotStates: states, Oob: oob}
	if err := d.Gate.MakeReq(phy.Punit, req); err != nil {
		d.Gate.EndReq(phy.Punit, req)
		return newErr(Device, "write failed", err)
	}
	d.Gate.EndReq(phy.Punit, req)

	d.ABM.ValidatePage4KB(phy.Channel, phy.Chip, phy.Block, phy.Page, col)

	// The most recent write wins -- if the enclosing 16KB page is
	// currently VALID, invalidate it before this 4KB write commits.
	page, slot := geom.EnclosingPage(lpa, k)
	if e := d.Pages.Lookup(page); e.Status == mapping.PageValid {
		d.ABM.InvalidatePage(e.Phy.Channel, e.Phy.Chip, e.Phy.Block, e.Phy.Page, slot)
		d.Pages.Invalidate(page)
	}

	d.Subs.Write(lpa, phy, col, false)
	return nil
}

// read dispatches a host read through the page table when the bio is
// a whole aligned 16KB page, otherwise through the 4KB path.
func (d *Driver) read(ctx context.Context, bio *Bio) error {
	firstLpa, count := lpaRange(bio)
	k := d.Geo.SubpagesPerPage

	if count == k && firstLpa%int64(k) == 0 {
		return d.readPage(ctx, int(firstLpa/int64(k)), bio.Bufs)
	}
	for i := 0; i < count; i++ {
		if err := d.readSubpage(ctx, firstLpa+int64(i), bio.Bufs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) readPage(ctx context.Context, page int, bufs [][]byte) error {
	if err := d.validatePage(page); err != nil {
		return err
	}
	k := d.Geo.SubpagesPerPage
	e := d.Pages.Lookup(page)
	if e.Status == mapping.PageValid {
		return d.readPhy(ctx, e.Phy, bufs)
	}
	// An invalidated or never-allocated page reads as zero unless
	// individual sub-pages are still live in the 4KB table.
	for s := 0; s < k; s++ {
		if err := d.readSubpage(ctx, geom.SubpageLpa(page, k, s), bufs[s]); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) readSubpage(ctx context.Context, lpa int64, buf []byte) error {
	if err := d.validateSubpage(lpa); err != nil {
		return err
	}
	k := d.Geo.SubpagesPerPage
	if e := d.Subs.FindLpa4KB(lpa); e != nil {
		// e.SpOff identifies which of the physical page's K slots this
		// sub-page actually occupies; a single-slot read would always
		// land on slot 0 regardless of where the data really is.
		full := make([][]byte, k)
		for i := range full {
			full[i] = make([]byte, 4096)
		}
		if err := d.readPhy(ctx, e.Phy, full); err != nil {
			return err
		}
		copy(buf, full[e.SpOff])
		return nil
	}
	page, slot := geom.EnclosingPage(lpa, k)
	pe := d.Pages.Lookup(page)
	if pe.Status != mapping.PageValid {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	full := make([][]byte, k)
	for i := range full {
		full[i] = make([]byte, 4096)
	}
	if err := d.readPhy(ctx, pe.Phy, full); err != nil {
		return err
	}
	copy(buf, full[slot])
	return nil
}

func (d *Driver) readPhy(ctx context.Context, phy geom.PhyAddr, bufs [][]byte) error {
	states := make([]devmgr.SlotState, len(bufs))
	for i := range states {
		states[i] = devmgr.Data
	}
	req := &devmgr.Req{Type: devmgr.Read, Phy: phy, Main: bufs, SlotStates: states}
	if err := d.Gate.MakeReq(phy.Punit, req); err != nil {
		d.Gate.EndReq(phy.Punit, req)
		return newErr(Device, "read failed", err)
	}
	d.Gate.EndReq(phy.Punit, req)
	return nil
}

// trim invalidates every logical sub-page covered by the sector
// range, without allocating anything new.
func (d *Driver) trim(ctx context.Context, bio *Bio) error {
	firstLpa, count := lpaRange(bio)
	k := d.Geo.SubpagesPerPage
	for i := 0; i < count; i++ {
		lpa := firstLpa + int64(i)
		if err := d.validateSubpage(lpa); err != nil {
			return err
		}
		if e := d.Subs.FindLpa4KB(lpa); e != nil {
			d.ABM.InvalidatePage(e.Phy.Channel, e.Phy.Chip, e.Phy.Block, e.Phy.Page, e.SpOff)
			d.Subs.Invalidate(lpa)
			continue
		}
		page, slot := geom.EnclosingPage(lpa, k)
		if pe := d.Pages.Lookup(page); pe.Status == mapping.PageValid {
			d.ABM.InvalidatePage(pe.Phy.Channel, pe.Phy.Chip, pe.Phy.Block, pe.Phy.Page, slot)
		}
	}
	return nil
}
