package receiver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-tsbuild/internal/wire"
)

type fakeDescRing struct {
	entries map[uint64]wire.TSCD
}

func (f *fakeDescRing) TSCDAt(pos uint64) (wire.TSCD, error) {
	t, ok := f.entries[pos]
	if !ok {
		return wire.TSCD{}, wire.ErrShort
	}
	return t, nil
}

func TestIncAckDerivesDataFromLastTSCD(t *testing.T) {
	ring := &fakeDescRing{entries: map[uint64]wire.TSCD{
		0: {TSNum: 0, OffsetInRing: 0, SizeBytes: 84},
		1: {TSNum: 1, OffsetInRing: 84, SizeBytes: 84},
	}}
	r := NewReceiverConnection(nil, 0, ring)

	// Posting requires a live fabric.Connection; disable the turn flag so
	// IncAck does not try to flush.
	r.ourTurn = false

	require.NoError(t, r.IncAck(1))
	require.Equal(t, wire.DualIndex{Data: 84, Desc: 1}, r.Ack())

	require.NoError(t, r.IncAck(2))
	require.Equal(t, wire.DualIndex{Data: 168, Desc: 2}, r.Ack())
}

func TestIncAckZeroResetsAck(t *testing.T) {
	r := NewReceiverConnection(nil, 0, &fakeDescRing{entries: map[uint64]wire.TSCD{}})
	r.ourTurn = false
	require.NoError(t, r.IncAck(0))
	require.Equal(t, wire.DualIndex{}, r.Ack())
}
