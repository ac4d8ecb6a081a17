package receiver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-tsbuild/internal/wire"
)

// newTestConn builds a ReceiverConnection with no fabric connection and
// only recv_wp.desc set, which is all OnReceiveCompletion reads;
// computebuffer_test drives the red-lantern
// algorithm directly against bare connection state rather than real fabric
// sockets, since the interesting behavior here is purely the min-across-
// inputs arithmetic (spec.md §4.4), not the wire protocol already covered
// by connection_test.go and connection_status_test.go.
func newTestConn(recvDesc uint64) *ReceiverConnection {
	r := NewReceiverConnection(nil, 0, nil)
	r.recvWP = wire.DualIndex{Desc: recvDesc}
	return r
}

type recordingSink struct {
	items []WorkItem
}

func (s *recordingSink) Emit(item WorkItem) error {
	s.items = append(s.items, item)
	return nil
}

type staticCompletionSource struct{}

func (staticCompletionSource) Pop(ctx context.Context) (Completion, bool, error) {
	<-ctx.Done()
	return Completion{}, false, nil
}

// TestRedLanternGatedBySlowestInput runs spec.md §8's S4 scenario: two
// inputs, one compute. Input 0 delivers TSs 0..9 immediately; input 1 lags
// until it delivers TS 5. completely_written must stay at 5 until input 1
// catches up, then jump straight to 10 without re-ordering anything already
// emitted.
func TestRedLanternGatedBySlowestInput(t *testing.T) {
	fast := newTestConn(0)
	slow := newTestConn(0)
	sink := &recordingSink{}
	b := NewComputeBuffer(Config{NumInputs: 2, TSCore: 1}, []*ReceiverConnection{fast, slow}, sink, staticCompletionSource{})

	// Input 0 races ahead to TS 10 (recv_wp.desc counts delivered TSs).
	fast.recvWP = wire.DualIndex{Desc: 10}
	require.NoError(t, b.OnReceiveCompletion(0))
	// Red lantern is still owned by input 1 (slower), so nothing advances.
	require.Equal(t, uint64(0), b.CompletelyWritten())
	require.Empty(t, sink.items)

	// Input 1 delivers TSs 0..4.
	slow.recvWP = wire.DualIndex{Desc: 5}
	require.NoError(t, b.OnReceiveCompletion(1))
	require.Equal(t, uint64(5), b.CompletelyWritten())
	require.Len(t, sink.items, 5)
	for i, item := range sink.items {
		require.Equal(t, uint64(i), item.TSIndex)
	}

	// Input 1 catches the rest up to TS 10; lantern jumps straight to 10.
	slow.recvWP = wire.DualIndex{Desc: 10}
	require.NoError(t, b.OnReceiveCompletion(1))
	require.Equal(t, uint64(10), b.CompletelyWritten())
	require.Len(t, sink.items, 10)
	for i, item := range sink.items {
		require.Equal(t, uint64(i), item.TSIndex)
	}
}

// TestRedLanternIgnoresNonOwnerUntilHandoff mirrors the guard in
// OnReceiveCompletion: a completion from an input that does not currently
// hold the red lantern is a no-op until the lantern actually passes to it.
func TestRedLanternIgnoresNonOwnerUntilHandoff(t *testing.T) {
	a := newTestConn(0)
	b2 := newTestConn(0)
	sink := &recordingSink{}
	cb := NewComputeBuffer(Config{NumInputs: 2, TSCore: 1}, []*ReceiverConnection{a, b2}, sink, staticCompletionSource{})

	a.recvWP = wire.DualIndex{Desc: 3}
	require.NoError(t, cb.OnReceiveCompletion(0))
	require.Equal(t, uint64(0), cb.CompletelyWritten())

	// The lantern has passed to input 1; a further completion from input 0
	// changes nothing.
	a.recvWP = wire.DualIndex{Desc: 5}
	require.NoError(t, cb.OnReceiveCompletion(0))
	require.Equal(t, uint64(0), cb.CompletelyWritten())
	require.Empty(t, sink.items)

	b2.recvWP = wire.DualIndex{Desc: 2}
	require.NoError(t, cb.OnReceiveCompletion(1))
	require.Equal(t, uint64(2), cb.CompletelyWritten())
	require.Len(t, sink.items, 2)
}

// TestTsCompletionLoopAdvancesAckAcrossAllInputs exercises the shared
// AckRing re-serialization (spec.md §4.4 "poll_ts_completion"): acks
// arriving out of order are held until the gap is filled, then every
// input's ack cursor is advanced together.
func TestTsCompletionLoopAdvancesAckAcrossAllInputs(t *testing.T) {
	ring0 := &fakeDescRing{entries: map[uint64]wire.TSCD{
		0: {TSNum: 0, OffsetInRing: 0, SizeBytes: 10},
		1: {TSNum: 1, OffsetInRing: 10, SizeBytes: 10},
		2: {TSNum: 2, OffsetInRing: 20, SizeBytes: 10},
	}}
	ring1 := &fakeDescRing{entries: map[uint64]wire.TSCD{
		0: {TSNum: 0, OffsetInRing: 0, SizeBytes: 20},
		1: {TSNum: 1, OffsetInRing: 20, SizeBytes: 20},
		2: {TSNum: 2, OffsetInRing: 40, SizeBytes: 20},
	}}
	conn0 := NewReceiverConnection(nil, 0, ring0)
	conn1 := NewReceiverConnection(nil, 1, ring1)
	conn0.ourTurn = false
	conn1.ourTurn = false

	comps := make(chan Completion, 4)
	comps <- Completion{TSPos: 2} // arrives out of order
	comps <- Completion{TSPos: 0}
	comps <- Completion{TSPos: 1}
	close(comps)

	src := &chanCompletionSource{ch: comps}
	cb := NewComputeBuffer(Config{NumInputs: 2, TSCore: 1, AckRingSize: 16}, []*ReceiverConnection{conn0, conn1}, &recordingSink{}, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, cb.tsCompletionLoop(ctx))

	require.Equal(t, uint64(3), cb.Acked())
	require.Equal(t, wire.DualIndex{Data: 30, Desc: 3}, conn0.Ack())
	require.Equal(t, wire.DualIndex{Data: 60, Desc: 3}, conn1.Ack())
}

type chanCompletionSource struct {
	ch chan Completion
}

func (s *chanCompletionSource) Pop(ctx context.Context) (Completion, bool, error) {
	select {
	case c, ok := <-s.ch:
		return c, ok, nil
	case <-ctx.Done():
		return Completion{}, false, nil
	}
}
