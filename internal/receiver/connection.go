// Package receiver implements the compute side of the timeslice-building
// protocol: one ReceiverConnection per (input, compute) endpoint, and the
// ComputeBuffer that aggregates all of a compute's connections, runs the
// red-lantern algorithm, and bridges to local processor processes.
package receiver

import (
	"sync"

	tsbuild "github.com/ehrlich-b/go-tsbuild"
	"github.com/ehrlich-b/go-tsbuild/internal/fabric"
	"github.com/ehrlich-b/go-tsbuild/internal/wire"
)

// DescRingReader reads back a TSCD already written into the compute's
// descriptor ring, needed by IncAck to derive ack.data from the last
// acked TSCD's offset+size (spec.md §4.3).
type DescRingReader interface {
	TSCDAt(descPos uint64) (wire.TSCD, error)
}

// ReceiverConnection mirrors SenderConnection on the compute side
// (spec.md §4.3): recv_wp advances as status messages arrive from the
// sender, ack is the compute's global acked cursor for this input, and
// send_ack is the last ack transmitted.
type ReceiverConnection struct {
	conn  *fabric.Connection
	input int
	rings DescRingReader

	mu       sync.Mutex
	recvWP   wire.DualIndex
	ack      wire.DualIndex
	sendAck  wire.DualIndex
	ourTurn  bool
	done     bool
}

// NewReceiverConnection wraps an established fabric connection on the
// compute side. The receiver never holds the turn first — the input side
// sends the first status, per spec.md §4.1 "initially it is the input's
// turn on each connection."
func NewReceiverConnection(conn *fabric.Connection, input int, rings DescRingReader) *ReceiverConnection {
	return &ReceiverConnection{conn: conn, input: input, rings: rings}
}

// RecvWP returns a snapshot of the input's last-reported write position.
func (r *ReceiverConnection) RecvWP() wire.DualIndex {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recvWP
}

// Ack returns a snapshot of the compute's global acked cursor for this input.
func (r *ReceiverConnection) Ack() wire.DualIndex {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ack
}

// Done reports whether the connection has seen the sender's final status.
func (r *ReceiverConnection) Done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// OnRecvStatus processes one StatusMessage from the sender (spec.md
// §4.3): on final, posts a final ack and marks done; otherwise updates
// recv_wp and, if ack has moved since the last transmitted send_ack,
// ships an ack immediately (the receiver keeps the turn only when it has
// no update to send).
func (r *ReceiverConnection) OnRecvStatus(raw []byte) error {
	msg, err := wire.UnmarshalStatusMessage(raw)
	if err != nil {
		return tsbuild.Wrap("on_recv_status", tsbuild.CodeInvariant, err)
	}

	r.mu.Lock()
	if msg.Final {
		r.done = true
		ack := wire.AckMessage{Ack: r.ack, Final: true}
		r.sendAck = r.ack
		r.mu.Unlock()
		if err := r.conn.PostStatus(wire.MarshalAckMessage(ack)); err != nil {
			return tsbuild.Wrap("on_recv_status.final_ack", tsbuild.CodeFabric, err)
		}
		return nil
	}

	if msg.WP.Data < r.recvWP.Data || msg.WP.Desc < r.recvWP.Desc {
		r.mu.Unlock()
		return tsbuild.New("on_recv_status", tsbuild.CodeInvariant, "recv_wp moved backwards")
	}
	r.recvWP = msg.WP
	r.ourTurn = true
	needSend := r.ack != r.sendAck
	r.mu.Unlock()

	if needSend {
		return r.flushAck()
	}
	return nil
}

// IncAck moves ack.desc forward to descPos (called by the owning
// ComputeBuffer once the ts-completion loop has acked up to descPos).
// ack.data is derived as the byte immediately past the last acked TSCD's
// payload, per spec.md §4.3.
func (r *ReceiverConnection) IncAck(descPos uint64) error {
	if descPos == 0 {
		r.mu.Lock()
		r.ack = wire.DualIndex{}
		our := r.ourTurn
		r.mu.Unlock()
		if our {
			return r.flushAck()
		}
		return nil
	}

	tscd, err := r.rings.TSCDAt(descPos - 1)
	if err != nil {
		return tsbuild.Wrap("inc_ack", tsbuild.CodeInvariant, err)
	}

	r.mu.Lock()
	r.ack = wire.DualIndex{Data: tscd.OffsetInRing + tscd.SizeBytes, Desc: descPos}
	our := r.ourTurn
	r.mu.Unlock()

	if our {
		return r.flushAck()
	}
	return nil
}

func (r *ReceiverConnection) flushAck() error {
	r.mu.Lock()
	ack := wire.AckMessage{Ack: r.ack}
	r.sendAck = r.ack
	r.ourTurn = false
	r.mu.Unlock()

	if err := r.conn.PostStatus(wire.MarshalAckMessage(ack)); err != nil {
		return tsbuild.Wrap("flush_ack", tsbuild.CodeFabric, err)
	}
	return nil
}
