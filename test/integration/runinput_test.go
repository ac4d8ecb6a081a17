// Package integration drives tsbuild.RunInput end to end against a
// hand-rolled fake compute peer speaking the real wire protocol, in the
// style of the teacher's test/integration package (exercising the public
// entry point over a real loopback listener rather than a package-internal
// unit). It exists chiefly to confirm RunInput's errgroup join actually
// converges once the scheduler reaches TS_MAX, rather than deadlocking on
// the reporter/Serve goroutines that have no natural exit of their own.
package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	tsbuild "github.com/ehrlich-b/go-tsbuild"
	"github.com/ehrlich-b/go-tsbuild/internal/fabric"
	"github.com/ehrlich-b/go-tsbuild/internal/wire"
)

// fakeDataWriter stands in for the compute side's shared-memory rings: it
// just records every write under a mutex so nothing races with Serve's
// reader goroutine.
type fakeDataWriter struct {
	mu    sync.Mutex
	descs int
}

func (w *fakeDataWriter) WriteData(offset uint64, p []byte) error { return nil }

func (w *fakeDataWriter) WriteDescriptor(offset uint64, tscd []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.descs++
	return nil
}

// fixedSource is a minimal sender.DescriptorSource serving msSize-byte
// microslices, monotonically increasing, up to count of them.
type fixedSource struct {
	msSize uint32
	count  uint64
}

func (s *fixedSource) Descriptor(idx uint64) (wire.MicrosliceDescriptor, bool) {
	if idx > s.count {
		return wire.MicrosliceDescriptor{}, false
	}
	return wire.MicrosliceDescriptor{Idx: idx, Offset: idx * uint64(s.msSize), Size: s.msSize}, true
}

func (s *fixedSource) Payload(fromIdx, toIdx, dataBytes uint64) []byte {
	return make([]byte, dataBytes)
}

func (s *fixedSource) ReleaseCredit(desc, data uint64) {}

func TestRunInputReachesMaxTimesliceAndReturns(t *testing.T) {
	ln, err := fabric.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	group := fabric.NewGroup(fabric.DefaultCapabilities(), nil, 0)
	serveErr := make(chan error, 1)
	go func() {
		priv := wire.MarshalComputePrivateData(wire.ComputePrivateData{
			Index:          0,
			DataBufSizeExp: 20,
			DescBufSizeExp: 10,
		})
		dw := &fakeDataWriter{}
		conn, _, err := fabric.Accept(ln, priv, dw, group)
		if err != nil {
			serveErr <- err
			return
		}
		serveErr <- conn.Serve(group)
	}()

	cfg := tsbuild.DefaultInputConfig()
	cfg.InputIndex = 0
	cfg.ComputeAddrs = []string{ln.Addr().String()}
	cfg.TSCore = 1
	cfg.TSOverlap = 0
	cfg.MaxTimeslice = 5

	src := &fixedSource{msSize: 16, count: 10}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- tsbuild.RunInput(ctx, cfg, src) }()

	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(4 * time.Second):
		t.Fatal("RunInput did not return after reaching MaxTimeslice; errgroup join likely deadlocked")
	}

	// The fake compute's Serve loop exits once RunInput closes the
	// connection on its way out.
	select {
	case err := <-serveErr:
		require.Error(t, err) // connection closed out from under Serve's reader
	case <-time.After(time.Second):
		t.Fatal("fake compute Serve did not observe connection close")
	}
}
