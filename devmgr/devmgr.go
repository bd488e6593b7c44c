// Package devmgr defines the interface the FTL core uses to reach the
// downstream device manager, and provides an in-memory simulator
// implementing it for tests and cmd/ftlsim.
//
// A request carries a command, a list of per-slot buffers, and an
// out-of-band tag array, with a completion error set once the request
// finishes -- the same shape as a block-device request queue, widened
// to the richer request vocabulary a flash translation layer needs
// (plain reads/writes plus the GC and recycle read/write/erase kinds).
package devmgr

import (
	"context"
	"sync"

	"github.com/oichkatzele/flashftl/geom"
)

// ReqType enumerates the downstream request kinds.
type ReqType int

const (
	Write ReqType = iota
	Read
	GCRead
	GCWrite
	GCRecWrite
	RecRead
	RecWrite
	GCErase
)

func (t ReqType) String() string {
	names := [...]string{"WRITE", "READ", "GC_READ", "GC_WRITE", "GCREC_WRITE", "REC_READ", "REC_WRITE", "GC_ERASE"}
	if int(t) < len(names) {
		return names[t]
	}
	return "REQTYPE?"
}

// SlotState marks whether a main-buffer slot carries real data or is
// a hole (used by the compaction and recycle read/write batches).
type SlotState int

const (
	Data SlotState = iota
	Hole
)

// Req is one low-level request against a physical page. Main is a
// K-slot vector of 4KB buffers; Oob carries one logical-address tag
// per slot; SlotStates marks DATA vs HOLE per slot.
type Req struct {
	Type       ReqType
	Phy        geom.PhyAddr
	Main       [][]byte
	Oob        []int64
	SlotStates []SlotState

	// BatchID/Index let the request point back at its owning batch
	// for completion accounting without holding a raw pointer.
	BatchID string
	Index   int

	err error
}

// Err returns the completion error, valid only after the request's
// owning batch has finished waiting.
func (r *Req) Err() error { return r.err }

// Manager is the downstream device-manager interface.
type Manager interface {
	MakeReq(req *Req) error
	EndReq(req *Req)
	Flush(ctx context.Context) error
}

// Simulator is an in-memory NAND model: one arena per physical page,
// K 4KB slots each. It is intentionally simple -- it exists so the
// FTL core can be exercised end to end in tests and cmd/ftlsim, not
// to model timing or failure realistically.
type Simulator struct {
	mu    sync.Mutex
	geo   geom.Geometry
	pages map[geom.PhyAddr][][]byte
	oob   map[geom.PhyAddr][]int64

	// FailErase, when set, is consulted before completing a GC_ERASE
	// request; returning true simulates an unrecoverable erase failure.
	FailErase func(geom.PhyAddr) bool
}

// NewSimulator constructs an empty in-memory device.
func NewSimulator(g geom.Geometry) *Simulator {
	return &Simulator{
		geo:   g,
		pages: make(map[geom.PhyAddr][][]byte),
		oob:   make(map[geom.PhyAddr][]int64),
	}
}

// MakeReq executes req synchronously against the in-memory arenas. The
// out-of-band tag array round-trips alongside the data, slot for slot,
// so GC and recycle can relocate a sub-page under its true logical
// address instead of the physical slot it happened to occupy.
func (s *Simulator) MakeReq(req *Req) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := s.geo.SubpagesPerPage
	switch req.Type {
	case Write, GCWrite, GCRecWrite, RecWrite:
		arena, ok := s.pages[req.Phy]
		if !ok {
			arena = make([][]byte, k)
			s.pages[req.Phy] = arena
		}
		oobArena, ok := s.oob[req.Phy]
		if !ok {
			oobArena = make([]int64, k)
			for i := range oobArena {
				oobArena[i] = geom.HoleLpa
			}
			s.oob[req.Phy] = oobArena
		}
		for i := 0; i < k && i < len(req.Main); i++ {
			if req.SlotStates != nil && i < len(req.SlotStates) && req.SlotStates[i] == Hole {
				continue
			}
			buf := make([]byte, len(req.Main[i]))
			copy(buf, req.Main[i])
			arena[i] = buf
			if req.Oob != nil && i < len(req.Oob) {
				oobArena[i] = req.Oob[i]
			}
		}
	case Read, GCRead, RecRead:
		arena, ok := s.pages[req.Phy]
		if !ok {
			arena = make([][]byte, k)
		}
		oobArena, oobOk := s.oob[req.Phy]
		for i := 0; i < k && i < len(req.Main); i++ {
			if arena[i] != nil {
				copy(req.Main[i], arena[i])
			}
			if req.Oob != nil && i < len(req.Oob) {
				if oobOk && i < len(oobArena) {
					req.Oob[i] = oobArena[i]
				} else {
					req.Oob[i] = geom.HoleLpa
				}
			}
		}
	case GCErase:
		if s.FailErase != nil && s.FailErase(req.Phy) {
			req.err = errDeviceErase
			return req.err
		}
		delete(s.pages, req.Phy)
		delete(s.oob, req.Phy)
	}
	return nil
}

// EndReq is a no-op for the synchronous simulator; it exists to
// satisfy the Manager interface symmetrically with MakeReq.
func (s *Simulator) EndReq(req *Req) {}

// Flush is a no-op: the simulator has no outstanding async work.
func (s *Simulator) Flush(ctx context.Context) error { return nil }

var errDeviceErase = &deviceError{"simulated erase failure"}

type deviceError struct{ msg string }

func (e *deviceError) Error() string { return e.msg }
