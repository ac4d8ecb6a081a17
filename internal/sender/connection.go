// Package sender implements the input side of the timeslice-building
// protocol: one SenderConnection per (input, compute) endpoint, and the
// per-input InputChannelSender scheduler that drives all of an input's
// connections.
package sender

import (
	"sync"

	tsbuild "github.com/ehrlich-b/go-tsbuild"
	"github.com/ehrlich-b/go-tsbuild/internal/fabric"
	"github.com/ehrlich-b/go-tsbuild/internal/wire"
)

// RingSizes holds the remote compute ring's capacity exponents, learned
// from the compute's private data at connect time.
type RingSizes struct {
	DataSizeExp uint8 // 2^DataSizeExp bytes
	DescSizeExp uint8 // 2^DescSizeExp TSCD entries
}

func (r RingSizes) dataSize() uint64 { return uint64(1) << r.DataSizeExp }
func (r RingSizes) descSize() uint64 { return uint64(1) << r.DescSizeExp }

// SenderConnection is one endpoint on the input side: maintains wp, a
// cached ack reflecting the receiver's released credit, and the turn flag
// that gates status sends (spec.md §4.1).
type SenderConnection struct {
	conn  *fabric.Connection
	rings RingSizes

	mu        sync.Mutex
	wp        wire.DualIndex
	sentWP    wire.DualIndex
	ack       wire.DualIndex
	ourTurn   bool
	finalized bool
	finalSent bool
	abortReq  bool

	pendingWrites int64 // atomic-guarded via mu, not sync/atomic: bookkeeping is brief and never crosses a post
	maxPending    uint32

	// pendingBytes is a FIFO of the dataBytes posted by each not-yet-
	// completed SendComponent call. The fabric's single ordered TCP stream
	// per connection guarantees completions surface in post order, so the
	// completion poll loop pops this FIFO to recover the dataBytes/
	// descEntries OnCompletion needs, the same correlation the original
	// derives from wc.wr_id.
	pendingBytes []uint64
}

// NewSenderConnection wraps an established fabric connection. ourTurn
// starts true: "initially it is the input's turn on each connection."
func NewSenderConnection(conn *fabric.Connection, rings RingSizes, maxPending uint32) *SenderConnection {
	return &SenderConnection{
		conn:       conn,
		rings:      rings,
		ourTurn:    true,
		maxPending: maxPending,
	}
}

// CheckSpace reports whether dataBytes/descEntries fit in the remaining
// credit without blocking.
func (s *SenderConnection) CheckSpace(dataBytes, descEntries uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ack.Data+s.rings.dataSize()-s.wp.Data >= dataBytes &&
		s.ack.Desc+s.rings.descSize()-s.wp.Desc >= descEntries
}

// SkipRequired returns the padding bytes needed to avoid splitting a
// single payload across the data ring's wrap point, or 0 if none.
func (s *SenderConnection) SkipRequired(dataBytes uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	size := s.rings.dataSize()
	pos := s.wp.Data % size
	if pos+dataBytes > size {
		return size - pos
	}
	return 0
}

// WriteAvailable reports whether this connection may accept another
// posted write without exceeding max_pending_writes.
func (s *SenderConnection) WriteAvailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint32(s.pendingWrites) < s.maxPending
}

// SendComponent posts the RDMA write chain for one timeslice component:
// unsignaled data write(s), placed at remote_data_base+((wp.data+skip) mod
// 2^D), split into head/tail if the aligned destination would overrun the
// ring, followed by the always-inline, fenced, signaled descriptor write
// carrying the TSCD.
func (s *SenderConnection) SendComponent(data []byte, ts uint64, mcCount uint32, dataBytes, skip uint64) (uint64, error) {
	s.mu.Lock()
	size := s.rings.dataSize()
	start := (s.wp.Data + skip) % size
	descOffset := (s.wp.Desc % s.rings.descSize()) * wire.TSCDSize
	s.mu.Unlock()

	var sgl [][]byte
	var offsets []uint64
	if start+uint64(len(data)) > size {
		headLen := size - start
		sgl = [][]byte{data[:headLen], data[headLen:]}
		offsets = []uint64{start, 0}
	} else {
		sgl = [][]byte{data}
		offsets = []uint64{start}
	}

	tscd := wire.TSCD{
		TSNum:          ts,
		OffsetInRing:   s.wp.Data + skip,
		SizeBytes:      dataBytes + uint64(mcCount)*wire.MicrosliceDescriptorSize,
		NumMicroslices: mcCount,
	}

	s.mu.Lock()
	s.pendingWrites++
	s.pendingBytes = append(s.pendingBytes, dataBytes)
	s.mu.Unlock()

	wrID, err := s.conn.PostComponent(sgl, offsets, descOffset, wire.MarshalTSCD(tscd))
	if err != nil {
		s.mu.Lock()
		s.pendingWrites--
		s.pendingBytes = s.pendingBytes[:len(s.pendingBytes)-1]
		s.mu.Unlock()
		return 0, tsbuild.Wrap("send_component", tsbuild.CodeFabric, err)
	}
	return wrID, nil
}

// PopPendingDataBytes removes and returns the dataBytes of the oldest
// not-yet-completed SendComponent call, for the completion poll loop to
// pair with the next completion it drains from this connection.
func (s *SenderConnection) PopPendingDataBytes() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingBytes) == 0 {
		return 0, false
	}
	b := s.pendingBytes[0]
	s.pendingBytes = s.pendingBytes[1:]
	return b, true
}

// Advance increments the local wp, separate from SendComponent so callers
// can batch advances atomically.
func (s *SenderConnection) Advance(dataBytes, descEntries uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wp.Data += dataBytes
	s.wp.Desc += descEntries
}

// OnCompleteWrite processes one posted write's completion: it is the only
// event that releases a pending-writes credit.
func (s *SenderConnection) OnCompleteWrite(status error) error {
	s.mu.Lock()
	s.pendingWrites--
	s.mu.Unlock()
	if status != nil {
		return tsbuild.Wrap("on_complete_write", tsbuild.CodeCompletion, status)
	}
	return nil
}

// TryFlushStatus ships a status message if it is our turn and wp has
// changed since the last one sent, clearing the turn flag on send. A
// pending abort bypasses the turn check: abort is meant to unblock the
// peer promptly, not wait out the normal half-duplex status cadence.
func (s *SenderConnection) TryFlushStatus() (bool, error) {
	s.mu.Lock()
	abortDue := s.finalized && s.abortReq && !s.finalSent
	if !s.ourTurn && !abortDue {
		s.mu.Unlock()
		return false, nil
	}
	wpChanged := s.wp != s.sentWP
	finalDue := s.finalized && !s.finalSent && (s.abortReq || s.wp == s.ack)
	if !wpChanged && !finalDue {
		s.mu.Unlock()
		return false, nil
	}

	msg := wire.StatusMessage{WP: s.wp, Abort: s.abortReq}
	if s.finalized && (s.abortReq || s.wp == s.ack) {
		msg.Final = true
	}
	s.sentWP = s.wp
	s.ourTurn = false
	if msg.Final {
		s.finalSent = true
	}
	s.mu.Unlock()

	if err := s.conn.PostStatus(wire.MarshalStatusMessage(msg)); err != nil {
		return false, tsbuild.Wrap("try_flush_status", tsbuild.CodeFabric, err)
	}
	return true, nil
}

// OnRecvStatus updates the cached ack from an AckMessage received from the
// compute side, takes the turn, and reports whether the connection is done
// (peer signaled final).
func (s *SenderConnection) OnRecvStatus(raw []byte) (done bool, err error) {
	msg, uerr := wire.UnmarshalAckMessage(raw)
	if uerr != nil {
		return false, tsbuild.Wrap("on_recv_status", tsbuild.CodeInvariant, uerr)
	}
	s.mu.Lock()
	if msg.Ack.Data < s.ack.Data || msg.Ack.Desc < s.ack.Desc {
		s.mu.Unlock()
		return false, tsbuild.New("on_recv_status", tsbuild.CodeInvariant, "ack moved backwards")
	}
	s.ack = msg.Ack
	s.ourTurn = true
	if msg.Final {
		done = true
	}
	s.mu.Unlock()
	return done, nil
}

// Finalize enters the finalize state; the next status flush will carry
// final=true once wp==ack (clean), or immediately if abort is set.
func (s *SenderConnection) Finalize(abort bool) {
	s.mu.Lock()
	s.finalized = true
	s.abortReq = abort
	s.mu.Unlock()
}

// WP returns a snapshot of the local write cursor, for tests and metrics.
func (s *SenderConnection) WP() wire.DualIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wp
}

// Ack returns a snapshot of the cached ack cursor.
func (s *SenderConnection) Ack() wire.DualIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ack
}

// Conn returns the underlying fabric connection, for the top-level caller
// to drive its Serve loop.
func (s *SenderConnection) Conn() *fabric.Connection {
	return s.conn
}

// PendingWrites returns the number of writes posted but not yet completed.
func (s *SenderConnection) PendingWrites() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingWrites
}
