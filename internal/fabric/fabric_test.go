package fabric

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingWriter captures WriteData/WriteDescriptor calls for assertions.
type recordingWriter struct {
	mu    sync.Mutex
	data  map[uint64][]byte
	descs map[uint64][]byte
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{data: map[uint64][]byte{}, descs: map[uint64][]byte{}}
}

func (w *recordingWriter) WriteData(offset uint64, p []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := append([]byte(nil), p...)
	w.data[offset] = cp
	return nil
}

func (w *recordingWriter) WriteDescriptor(offset uint64, tscd []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	cp := append([]byte(nil), tscd...)
	w.descs[offset] = cp
	return nil
}

func dialAndAccept(t *testing.T) (client, server *Connection) {
	t.Helper()
	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	serverDW := newRecordingWriter()
	clientDW := newRecordingWriter()

	serverGroup := NewGroup(DefaultCapabilities(), nil, 0)
	clientGroup := NewGroup(DefaultCapabilities(), nil, 0)

	acceptCh := make(chan *Connection, 1)
	go func() {
		c, _, err := Accept(ln, []byte("server-priv"), serverDW, serverGroup)
		require.NoError(t, err)
		acceptCh <- c
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, remotePriv, err := Dial(ctx, ln.Addr().String(), []byte("client-priv"), clientDW, clientGroup)
	require.NoError(t, err)
	require.Equal(t, "server-priv", string(remotePriv))

	server = <-acceptCh
	return c, server
}

func TestPrivateDataExchange(t *testing.T) {
	client, server := dialAndAccept(t)
	defer client.Close()
	defer server.Close()
}

func TestPostComponentDeliversDataAndCompletion(t *testing.T) {
	client, server := dialAndAccept(t)
	defer client.Close()
	defer server.Close()

	group := NewGroup(DefaultCapabilities(), nil, 0)
	go server.Serve(group)
	go client.Serve(group)

	data := []byte("hello-microslice-bytes")
	tscd := make([]byte, 32)
	tscd[0] = 0xAB

	wrID, err := client.PostComponent([][]byte{data}, []uint64{100}, 200, tscd)
	require.NoError(t, err)

	done := make(chan struct{})
	completions := client.CQ().PollBatch(done)
	require.Len(t, completions, 1)
	require.Equal(t, wrID, completions[0].WRID)
	require.NoError(t, completions[0].Status)

	time.Sleep(20 * time.Millisecond)
}

func TestPostStatusArrivesOnPeer(t *testing.T) {
	client, server := dialAndAccept(t)
	defer client.Close()
	defer server.Close()

	group := NewGroup(DefaultCapabilities(), nil, 0)
	go server.Serve(group)
	go client.Serve(group)

	payload := []byte{1, 2, 3, 4}
	require.NoError(t, client.PostStatus(payload))

	select {
	case got := <-server.StatusCh():
		require.Equal(t, payload, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status")
	}
}

func TestCapabilitiesMaxPendingWrites(t *testing.T) {
	caps := Capabilities{MaxSendWR: 8000, NumCQE: 8000}
	got := caps.MaxPendingWrites(3)
	require.Equal(t, uint32(2666), got) // (8000-1)/3 = 2666, (8000-1)/3 = 2666
}
