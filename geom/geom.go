// Package geom describes the physical and logical address spaces of
// the flash device and the fixed geometry the rest of the FTL is
// built against.
package geom

import "fmt"

// Geometry is the read-only device shape fixed at driver creation.
type Geometry struct {
	NrChannels        int /// number of channels
	NrChipsPerChannel int /// chips (dies) per channel
	NrBlocksPerChip   int /// erase blocks per chip
	NrPagesPerBlock   int /// physical pages per block
	SubpagesPerPage   int /// K: 4KB sub-pages per 16KB physical page
}

// NrPunits returns channels * chips-per-channel.
func (g Geometry) NrPunits() int {
	return g.NrChannels * g.NrChipsPerChannel
}

// NrSubpagesPerBlock returns pages-per-block * K.
func (g Geometry) NrSubpagesPerBlock() int {
	return g.NrPagesPerBlock * g.SubpagesPerPage
}

// NrBlocksPerSSD returns the total number of erase blocks on the device.
func (g Geometry) NrBlocksPerSSD() int {
	return g.NrPunits() * g.NrBlocksPerChip
}

// NrPagesPerSSD returns the total number of 16KB physical pages.
func (g Geometry) NrPagesPerSSD() int {
	return g.NrBlocksPerSSD() * g.NrPagesPerBlock
}

// NrSubpagesPerSSD returns the total number of 4KB sub-pages.
func (g Geometry) NrSubpagesPerSSD() int {
	return g.NrPagesPerSSD() * g.SubpagesPerPage
}

// Validate checks that every geometry field is positive.
func (g Geometry) Validate() error {
	fields := map[string]int{
		"nr_channels":          g.NrChannels,
		"nr_chips_per_channel": g.NrChipsPerChannel,
		"nr_blocks_per_chip":   g.NrBlocksPerChip,
		"nr_pages_per_block":   g.NrPagesPerBlock,
		"subpages_per_page":    g.SubpagesPerPage,
	}
	for name, v := range fields {
		if v <= 0 {
			return fmt.Errorf("geom: %s must be positive, got %d", name, v)
		}
	}
	return nil
}

// PhyAddr identifies one physical page on the device.
//
// Punit is always derivable from Channel/Chip (Punit = Channel*chips +
// Chip); callers may cache it but must not let it drift from the pair.
type PhyAddr struct {
	Channel int
	Chip    int
	Block   int
	Page    int
	Punit   int
}

// MkPhyAddr builds a PhyAddr and derives Punit from the geometry.
func MkPhyAddr(g Geometry, channel, chip, block, page int) PhyAddr {
	return PhyAddr{
		Channel: channel,
		Chip:    chip,
		Block:   block,
		Page:    page,
		Punit:   channel*g.NrChipsPerChannel + chip,
	}
}

// PunitOf derives (channel, chip) from a punit id.
func PunitOf(g Geometry, punit int) (channel, chip int) {
	return punit / g.NrChipsPerChannel, punit % g.NrChipsPerChannel
}

// BlockIndex returns the flat index of (channel, chip, block) used to
// index a per-SSD block-metadata array.
func BlockIndex(g Geometry, channel, chip, block int) int {
	return (channel*g.NrChipsPerChannel+chip)*g.NrBlocksPerChip + block
}

func (p PhyAddr) String() string {
	return fmt.Sprintf("ppa(ch=%d,chip=%d,blk=%d,pg=%d,punit=%d)", p.Channel, p.Chip, p.Block, p.Page, p.Punit)
}

// Grain discriminates the write stream a LogAddr belongs to: a plain
// coarse-grained page write, a fine-grained sub-page write, or one of
// the two compaction outcomes.
type Grain int

const (
	// GrainNormal carries a coarse 16KB logical page number in Page.
	GrainNormal Grain = iota
	// GrainFine marks a 4KB fine-grained write.
	GrainFine
	// GrainCompacted marks a compacted 4KB write gathered into one
	// physical page.
	GrainCompacted
	// GrainCompactedNormal marks a compacted result being folded back
	// into the coarse-grained page table.
	GrainCompactedNormal
)

func (gr Grain) String() string {
	switch gr {
	case GrainNormal:
		return "normal"
	case GrainFine:
		return "fine"
	case GrainCompacted:
		return "compacted"
	case GrainCompactedNormal:
		return "compacted-normal"
	default:
		return fmt.Sprintf("grain(%d)", int(gr))
	}
}

// LogAddr is a logical address carrying both grains: the coarse page
// number and the per-subpage fine addresses it decomposes into.
type LogAddr struct {
	Grain Grain
	// Page holds the 16KB logical page number when Grain is
	// GrainNormal or GrainCompactedNormal.
	Page int
	// Sub holds the per-subpage logical addresses (K entries), or -1
	// for an absent/hole slot.
	Sub []int64
	// Ofs is the sub-page slot index within the target physical page.
	Ofs int
}

// HoleLpa is the sentinel logical sub-page address meaning "absent".
const HoleLpa int64 = -1

// SubpageLpa returns the logical sub-page address for logical page L,
// sub-page slot s (0..K-1).
func SubpageLpa(page int, k, s int) int64 {
	return int64(page)*int64(k) + int64(s)
}

// EnclosingPage returns the 16KB logical page and sub-page slot that a
// logical sub-page address belongs to.
func EnclosingPage(lpa int64, k int) (page int, slot int) {
	return int(lpa / int64(k)), int(lpa % int64(k))
}
