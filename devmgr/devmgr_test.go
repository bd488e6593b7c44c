package devmgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oichkatzele/flashftl/geom"
)

func testGeom() geom.Geometry {
	return geom.Geometry{NrChannels: 1, NrChipsPerChannel: 1, NrBlocksPerChip: 2, NrPagesPerBlock: 2, SubpagesPerPage: 4}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	s := NewSimulator(testGeom())
	phy := geom.MkPhyAddr(testGeom(), 0, 0, 0, 0)
	bufs := [][]byte{{1}, {2}, {3}, {4}}
	states := []SlotState{Data, Data, Data, Data}
	require.NoError(t, s.MakeReq(&Req{Type: Write, Phy: phy, Main: bufs, SlotStates: states}))

	out := [][]byte{make([]byte, 1), make([]byte, 1), make([]byte, 1), make([]byte, 1)}
	require.NoError(t, s.MakeReq(&Req{Type: Read, Phy: phy, Main: out}))
	require.Equal(t, bufs, out)
}

func TestWriteSkipsHoleSlots(t *testing.T) {
	s := NewSimulator(testGeom())
	phy := geom.MkPhyAddr(testGeom(), 0, 0, 0, 0)
	bufs := [][]byte{{1}, {2}, {3}, {4}}
	states := []SlotState{Data, Hole, Data, Hole}
	require.NoError(t, s.MakeReq(&Req{Type: Write, Phy: phy, Main: bufs, SlotStates: states}))

	out := [][]byte{make([]byte, 1), make([]byte, 1), make([]byte, 1), make([]byte, 1)}
	require.NoError(t, s.MakeReq(&Req{Type: Read, Phy: phy, Main: out}))
	require.Equal(t, []byte{1}, out[0])
	require.Equal(t, []byte{0}, out[1]) // never written: stays zeroed
	require.Equal(t, []byte{3}, out[2])
}

func TestReadOfNeverWrittenPageReturnsZeroedBuffers(t *testing.T) {
	s := NewSimulator(testGeom())
	phy := geom.MkPhyAddr(testGeom(), 0, 0, 1, 0)
	out := [][]byte{make([]byte, 1)}
	require.NoError(t, s.MakeReq(&Req{Type: Read, Phy: phy, Main: out}))
	require.Equal(t, []byte{0}, out[0])
}

func TestGCEraseRemovesArenaUnlessFailEraseVetoes(t *testing.T) {
	s := NewSimulator(testGeom())
	phy := geom.MkPhyAddr(testGeom(), 0, 0, 0, 0)
	require.NoError(t, s.MakeReq(&Req{Type: Write, Phy: phy, Main: [][]byte{{9}}, SlotStates: []SlotState{Data}}))

	require.NoError(t, s.MakeReq(&Req{Type: GCErase, Phy: phy}))
	out := [][]byte{make([]byte, 1)}
	require.NoError(t, s.MakeReq(&Req{Type: Read, Phy: phy, Main: out}))
	require.Equal(t, []byte{0}, out[0]) // erased: reads back zeroed

	s.FailErase = func(geom.PhyAddr) bool { return true }
	require.NoError(t, s.MakeReq(&Req{Type: Write, Phy: phy, Main: [][]byte{{7}}, SlotStates: []SlotState{Data}}))
	req := &Req{Type: GCErase, Phy: phy}
	err := s.MakeReq(req)
	require.Error(t, err)
	require.Error(t, req.Err())

	out2 := [][]byte{make([]byte, 1)}
	require.NoError(t, s.MakeReq(&Req{Type: Read, Phy: phy, Main: out2}))
	require.Equal(t, []byte{7}, out2[0]) // vetoed erase: data survives
}

func TestFlushIsANoop(t *testing.T) {
	s := NewSimulator(testGeom())
	require.NoError(t, s.Flush(context.Background()))
}
