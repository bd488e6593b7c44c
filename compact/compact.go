// Package compact implements the compaction packer shared by the GC
// and recycle engines: packing valid sub-pages from several sparsely
// valid read pages into fewer physical write pages, as a linear scan
// building a new ordered list rather than packing arrays in place.
package compact

import "github.com/oichkatzele/flashftl/devmgr"

// Slot is one sub-page's payload and logical address, tagged DATA or
// HOLE.
type Slot struct {
	State devmgr.SlotState
	Lpa   int64
	Buf   []byte
}

// ReadResult is one input page: K slots of (state, lpa, buf).
type ReadResult struct {
	Slots []Slot
}

// WriteRecord is one packed output page, along with Ofs marking which
// destination sub-page slot a single-slot fix-up record targets (only
// meaningful for fix-up records produced after the main pack; zero
// for fully-packed records written as ordinary pages).
type WriteRecord struct {
	Slots []Slot
	Ofs   int
}

func holeSlot() Slot {
	return Slot{State: devmgr.Hole, Lpa: -1}
}

// Pack packs the DATA slots of reads, left-first, into as few K-slot
// WriteRecords as possible. It is deterministic given input order;
// the union of DATA slots in the output equals the union of DATA
// slots in the input, and (buffer, logical address) pairing is
// preserved. Holes in the output are explicitly marked HOLE with
// logical address -1.
//
// The caller is responsible for a final fix-up pass (see Finalize)
// that splits remaining DATA slots 1..K-1 of the last output into
// additional single-slot records with Ofs set, so each destination
// sub-page matches its logical position.
func Pack(reads []ReadResult, k int) []WriteRecord {
	var data []Slot
	for _, r := range reads {
		for _, s := range r.Slots {
			if s.State == devmgr.Data {
				data = append(data, s)
			}
		}
	}

	var out []WriteRecord
	for i := 0; i < len(data); i += k {
		end := i + k
		if end > len(data) {
			end = len(data)
		}
		rec := WriteRecord{Slots: make([]Slot, k)}
		for j := 0; j < k; j++ {
			if i+j < end {
				rec.Slots[j] = data[i+j]
			} else {
				rec.Slots[j] = holeSlot()
			}
		}
		out = append(out, rec)
	}
	return out
}

// Finalize splits the DATA slots of the single last record (other
// than slot 0) into additional single-slot WriteRecords with Ofs set
// to their destination slot, so each sub-page physically lands at the
// column matching its logical position within the packed page. This
// is the fix-up pass the Pack contract requires of its caller.
func Finalize(packed []WriteRecord) []WriteRecord {
	if len(packed) == 0 {
		return packed
	}
	last := packed[len(packed)-1]
	out := append([]WriteRecord{}, packed[:len(packed)-1]...)

	first := WriteRecord{Slots: make([]Slot, len(last.Slots))}
	first.Slots[0] = last.Slots[0]
	for i := 1; i < len(first.Slots); i++ {
		first.Slots[i] = holeSlot()
	}
	out = append(out, first)

	for k := 1; k < len(last.Slots); k++ {
		if last.Slots[k].State != devmgr.Data {
			continue
		}
		rec := WriteRecord{Ofs: k, Slots: make([]Slot, len(last.Slots))}
		for i := range rec.Slots {
			rec.Slots[i] = holeSlot()
		}
		rec.Slots[k] = last.Slots[k]
		out = append(out, rec)
	}
	return out
}
