package sender

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-tsbuild/internal/wire"
)

func newTestConn(maxPending uint32) *SenderConnection {
	rings := RingSizes{DataSizeExp: 10, DescSizeExp: 6} // 1KiB data, 64 TSCDs
	return NewSenderConnection(nil, rings, maxPending)
}

func TestCheckSpace(t *testing.T) {
	s := newTestConn(8)
	require.True(t, s.CheckSpace(100, 1))
	require.True(t, s.CheckSpace(1024, 64))
	require.False(t, s.CheckSpace(1025, 1))
	require.False(t, s.CheckSpace(1, 65))
}

func TestSkipRequired(t *testing.T) {
	s := newTestConn(8)
	require.Equal(t, uint64(0), s.SkipRequired(100))

	s.Advance(1000, 0)
	// pos=1000, ring=1024: 1000+100=1100 > 1024, needs skip to 1024.
	require.Equal(t, uint64(24), s.SkipRequired(100))

	s.Advance(24, 0)
	// pos wraps logically to 1024, but CheckSpace/SkipRequired use
	// untruncated wp.Data % ringSize, so pos is now 0.
	require.Equal(t, uint64(0), s.SkipRequired(100))
}

func TestTryFlushStatusRequiresTurn(t *testing.T) {
	s := newTestConn(8)
	s.ourTurn = false
	sent, err := s.TryFlushStatus()
	require.NoError(t, err)
	require.False(t, sent)
}

func TestOnRecvStatusTakesTurnAndUpdatesAck(t *testing.T) {
	s := newTestConn(8)
	msg := wire.AckMessage{Ack: wire.DualIndex{Data: 50, Desc: 2}}
	done, err := s.OnRecvStatus(wire.MarshalAckMessage(msg))
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, msg.Ack, s.Ack())
	require.True(t, s.ourTurn)
}

func TestOnRecvStatusRejectsBackwardsAck(t *testing.T) {
	s := newTestConn(8)
	first := wire.AckMessage{Ack: wire.DualIndex{Data: 50, Desc: 2}}
	_, err := s.OnRecvStatus(wire.MarshalAckMessage(first))
	require.NoError(t, err)

	backwards := wire.AckMessage{Ack: wire.DualIndex{Data: 10, Desc: 0}}
	_, err = s.OnRecvStatus(wire.MarshalAckMessage(backwards))
	require.Error(t, err)
}

func TestOnRecvStatusFinalMarksDone(t *testing.T) {
	s := newTestConn(8)
	msg := wire.AckMessage{Ack: wire.DualIndex{Data: 0, Desc: 0}, Final: true}
	done, err := s.OnRecvStatus(wire.MarshalAckMessage(msg))
	require.NoError(t, err)
	require.True(t, done)
}

func TestFinalizeMarksState(t *testing.T) {
	s := newTestConn(8)
	s.Finalize(true)
	require.True(t, s.finalized)
	require.True(t, s.abortReq)
}

func TestWriteAvailableRespectsMaxPending(t *testing.T) {
	s := newTestConn(1)
	require.True(t, s.WriteAvailable())
	s.pendingWrites = 1
	require.False(t, s.WriteAvailable())
}
