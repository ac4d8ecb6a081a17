package receiver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-tsbuild/internal/fabric"
	"github.com/ehrlich-b/go-tsbuild/internal/wire"
)

func TestOnRecvStatusSendsAckImmediatelyWhenTurnTaken(t *testing.T) {
	ln, err := fabric.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	group := fabric.NewGroup(fabric.DefaultCapabilities(), nil, 0)
	serverCh := make(chan *fabric.Connection, 1)
	go func() {
		c, _, err := fabric.Accept(ln, nil, nil, group)
		require.NoError(t, err)
		serverCh <- c
	}()

	client, _, err := fabric.Dial(context.Background(), ln.Addr().String(), nil, nil, group)
	require.NoError(t, err)
	server := <-serverCh

	go client.Serve(group)
	go server.Serve(group)

	ring := &fakeDescRing{entries: map[uint64]wire.TSCD{
		0: {TSNum: 0, OffsetInRing: 0, SizeBytes: 84},
	}}
	r := NewReceiverConnection(server, 0, ring)
	// Simulate the compute having already acked TS 0 before the status
	// arrives, so OnRecvStatus must flush the ack immediately.
	require.NoError(t, r.IncAck(1))

	status := wire.StatusMessage{WP: wire.DualIndex{Data: 84, Desc: 1}}
	require.NoError(t, r.OnRecvStatus(wire.MarshalStatusMessage(status)))

	select {
	case raw := <-client.StatusCh():
		ack, err := wire.UnmarshalAckMessage(raw)
		require.NoError(t, err)
		require.Equal(t, wire.DualIndex{Data: 84, Desc: 1}, ack.Ack)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ack")
	}
}
