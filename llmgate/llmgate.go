// Package llmgate implements the per-parallel-unit low-level
// submission gate: one mutual-exclusion token per punit that
// serialises submission to the device manager.
package llmgate

import (
	"sync"

	"github.com/oichkatzele/flashftl/devmgr"
)

// Gate serialises submission to the device manager, one lock per
// parallel unit.
type Gate struct {
	mgr   devmgr.Manager
	locks []sync.Mutex
}

// New builds a gate with nrPunits independent locks over mgr.
func New(mgr devmgr.Manager, nrPunits int) *Gate {
	return &Gate{mgr: mgr, locks: make([]sync.Mutex, nrPunits)}
}

// MakeReq acquires punit's lock and forwards req to the device
// manager. The lock is held until EndReq is called for this request.
func (g *Gate) MakeReq(punit int, req *devmgr.Req) error {
	g.locks[punit].Lock()
	return g.mgr.MakeReq(req)
}

// EndReq releases punit's lock, acquired by the matching MakeReq.
func (g *Gate) EndReq(punit int, req *devmgr.Req) {
	g.mgr.EndReq(req)
	g.locks[punit].Unlock()
}

// Flush acquires and releases every lock in punit order, providing a
// memory barrier that guarantees all prior operations have completed.
func (g *Gate) Flush() {
	for i := range g.locks {
		g.locks[i].Lock()
		g.locks[i].Unlock()
	}
}
