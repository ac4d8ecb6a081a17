package fabric

import (
	"encoding/binary"
	"io"
	"runtime"
	"sync/atomic"

	tsbuild "github.com/ehrlich-b/go-tsbuild"
	"github.com/ehrlich-b/go-tsbuild/internal/constants"
)

// Completion is one entry popped from a connection's completion queue: the
// wr_id of the posted write and its outcome. Only the fenced, signaled
// descriptor write generates a completion — the preceding unsignaled data
// write(s) complete implicitly because TCP delivers bytes on one ordered
// stream, giving the fence for free.
type Completion struct {
	WRID   uint64
	Status error // non-nil => CodeCompletion, the wr_id carries which write
}

// CompletionQueue is the single poll target shared by every connection in
// a group (spec.md §4.5: "single shared completion queue per connection
// group with event-driven polling and a poll batch of up to 10").
type CompletionQueue struct {
	ch chan Completion
}

// NewCompletionQueue creates an empty completion queue.
func NewCompletionQueue() *CompletionQueue {
	return &CompletionQueue{ch: make(chan Completion, constants.MaxSendWR)}
}

func (cq *CompletionQueue) push(c Completion) {
	cq.ch <- c
}

// PollBatch drains up to constants.PollBatchSize completions, blocking
// until at least one is available or ctx/done fires.
func (cq *CompletionQueue) PollBatch(done <-chan struct{}) []Completion {
	batch := make([]Completion, 0, constants.PollBatchSize)
	select {
	case c := <-cq.ch:
		batch = append(batch, c)
	case <-done:
		return nil
	}
	for len(batch) < constants.PollBatchSize {
		select {
		case c := <-cq.ch:
			batch = append(batch, c)
		default:
			return batch
		}
	}
	return batch
}

// CQ exposes the connection's completion queue for the owning sender loop.
func (c *Connection) CQ() *CompletionQueue { return c.cq }

var wrSeqGen uint64

// nextWRID assigns a process-wide unique id to a posted write chain, used
// to correlate the eventual completion ack.
func nextWRID() uint64 { return atomic.AddUint64(&wrSeqGen, 1) }

// PostComponent posts the write chain for one timeslice component: one or
// two unsignaled data writes (head, optional wrap-around tail) followed by
// one inline, fenced, signaled descriptor write. It returns the wr_id that
// the eventual completion will carry.
func (c *Connection) PostComponent(sgl [][]byte, dataOffsets []uint64, descOffset uint64, tscd []byte) (uint64, error) {
	if len(sgl) != len(dataOffsets) {
		return 0, tsbuild.New("post_component", tsbuild.CodeInvariant, "sgl/offset length mismatch")
	}
	wrID := nextWRID()

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, data := range sgl {
		if err := writeDataFrame(c.w, dataOffsets[i], data); err != nil {
			return 0, tsbuild.Wrap("post_component.data", tsbuild.CodeFabric, err)
		}
	}
	if err := writeDescriptorFrame(c.w, descOffset, wrID, tscd); err != nil {
		return 0, tsbuild.Wrap("post_component.descriptor", tsbuild.CodeFabric, err)
	}
	if err := c.w.Flush(); err != nil {
		return 0, tsbuild.Wrap("post_component.flush", tsbuild.CodeFabric, err)
	}
	return wrID, nil
}

// PostStatus sends a status/ack SEND message (the two-message half of the
// protocol, not an RDMA write): a StatusMessage on the input->compute
// direction, an AckMessage on compute->input.
func (c *Connection) PostStatus(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeFrame(c.w, opStatus, payload); err != nil {
		return tsbuild.Wrap("post_status", tsbuild.CodeFabric, err)
	}
	return c.w.Flush()
}

func writeDataFrame(w io.Writer, offset uint64, data []byte) error {
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(payload[:8], offset)
	copy(payload[8:], data)
	return writeFrame(w, opData, payload)
}

func writeDescriptorFrame(w io.Writer, offset uint64, wrID uint64, tscd []byte) error {
	payload := make([]byte, 16+len(tscd))
	binary.BigEndian.PutUint64(payload[:8], offset)
	binary.BigEndian.PutUint64(payload[8:16], wrID)
	copy(payload[16:], tscd)
	return writeFrame(w, opDescriptor, payload)
}

func writeCompletionAck(w io.Writer, wrID uint64, ok bool) error {
	payload := make([]byte, 9)
	binary.BigEndian.PutUint64(payload[:8], wrID)
	if !ok {
		payload[8] = 1
	}
	return writeFrame(w, opCompletionAck, payload)
}

// StatusCh delivers raw status/ack payloads received from the peer, in
// arrival order.
func (c *Connection) StatusCh() <-chan []byte { return c.statusCh }

// Serve runs the connection's single reader loop: it dispatches every
// incoming frame and must run for the lifetime of the connection. It pins
// its OS thread (and, if configured, a CPU) the way the teacher's ioLoop
// pins its queue thread, since this loop is the fabric thread of spec.md
// §5 for this (i,j) endpoint.
func (c *Connection) Serve(group *Group) error {
	pinCurrentThread(group.CPUAffinity, group.Index, c.log)
	defer runtime.UnlockOSThread()

	for {
		op, payload, err := readFrame(c.conn)
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			if err == io.EOF {
				return tsbuild.New("serve", tsbuild.CodeDisconnected, "peer closed connection")
			}
			return tsbuild.Wrap("serve.read_frame", tsbuild.CodeDisconnected, err)
		}

		switch op {
		case opData:
			if len(payload) < 8 {
				return tsbuild.New("serve.data", tsbuild.CodeInvariant, "short data frame")
			}
			offset := binary.BigEndian.Uint64(payload[:8])
			if c.dataWriter != nil {
				if err := c.dataWriter.WriteData(offset, payload[8:]); err != nil {
					return tsbuild.Wrap("serve.write_data", tsbuild.CodeInvariant, err)
				}
			}
		case opDescriptor:
			if len(payload) < 16 {
				return tsbuild.New("serve.descriptor", tsbuild.CodeInvariant, "short descriptor frame")
			}
			offset := binary.BigEndian.Uint64(payload[:8])
			wrID := binary.BigEndian.Uint64(payload[8:16])
			tscd := payload[16:]
			var writeErr error
			if c.dataWriter != nil {
				writeErr = c.dataWriter.WriteDescriptor(offset, tscd)
			}
			c.mu.Lock()
			ackErr := writeCompletionAck(c.w, wrID, writeErr == nil)
			if ackErr == nil {
				ackErr = c.w.Flush()
			}
			c.mu.Unlock()
			if ackErr != nil {
				return tsbuild.Wrap("serve.ack_descriptor", tsbuild.CodeFabric, ackErr)
			}
			if writeErr != nil {
				return tsbuild.Wrap("serve.write_descriptor", tsbuild.CodeInvariant, writeErr)
			}
		case opStatus:
			select {
			case c.statusCh <- payload:
			case <-c.closed:
				return nil
			}
		case opCompletionAck:
			if len(payload) < 9 {
				return tsbuild.New("serve.completion_ack", tsbuild.CodeInvariant, "short ack frame")
			}
			wrID := binary.BigEndian.Uint64(payload[:8])
			var status error
			if payload[8] != 0 {
				status = tsbuild.New("post_component", tsbuild.CodeCompletion, "peer rejected write")
			}
			c.cq.push(Completion{WRID: wrID, Status: status})
		default:
			return tsbuild.New("serve.unknown_frame", tsbuild.CodeInvariant, "unrecognized opcode")
		}
	}
}
