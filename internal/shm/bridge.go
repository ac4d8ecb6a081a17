package shm

import (
	"context"
	"encoding/binary"

	"github.com/ehrlich-b/go-tsbuild/internal/receiver"
)

// WorkItemQueue adapts a Queue to receiver.WorkItemSink (compute side,
// writing) and to the processor's work-item source (reading), sharing
// one fixed-size wire encoding between both ends.
type WorkItemQueue struct {
	q *Queue
}

// NewWorkItemQueue wraps an already-connected Queue.
func NewWorkItemQueue(q *Queue) *WorkItemQueue { return &WorkItemQueue{q: q} }

// Emit implements receiver.WorkItemSink.
func (w *WorkItemQueue) Emit(item receiver.WorkItem) error {
	return w.q.Send(marshalWorkItem(item))
}

// Recv blocks for the next work item; ok is false on shutdown.
func (w *WorkItemQueue) Recv(ctx context.Context) (receiver.WorkItem, bool, error) {
	payload, ok, err := w.q.Recv(ctx)
	if err != nil || !ok {
		return receiver.WorkItem{}, ok, err
	}
	return unmarshalWorkItem(payload), true, nil
}

func marshalWorkItem(item receiver.WorkItem) []byte {
	buf := make([]byte, msgSize)
	binary.LittleEndian.PutUint64(buf[0:8], item.TSIndex)
	binary.LittleEndian.PutUint64(buf[8:16], item.TSPos)
	binary.LittleEndian.PutUint64(buf[16:24], item.TSCore)
	binary.LittleEndian.PutUint32(buf[24:28], item.NumComponents)
	buf[28] = item.DataBufSizeExp
	buf[29] = item.DescBufSizeExp
	return buf
}

func unmarshalWorkItem(data []byte) receiver.WorkItem {
	return receiver.WorkItem{
		TSIndex:        binary.LittleEndian.Uint64(data[0:8]),
		TSPos:          binary.LittleEndian.Uint64(data[8:16]),
		TSCore:         binary.LittleEndian.Uint64(data[16:24]),
		NumComponents:  binary.LittleEndian.Uint32(data[24:28]),
		DataBufSizeExp: data[28],
		DescBufSizeExp: data[29],
	}
}

// CompletionQueue adapts a Queue to receiver.CompletionSource (compute
// side, reading) and to the processor's completion sink (writing).
type CompletionQueue struct {
	q *Queue
}

// NewCompletionQueue wraps an already-connected Queue.
func NewCompletionQueue(q *Queue) *CompletionQueue { return &CompletionQueue{q: q} }

// Pop implements receiver.CompletionSource.
func (c *CompletionQueue) Pop(ctx context.Context) (receiver.Completion, bool, error) {
	payload, ok, err := c.q.Recv(ctx)
	if err != nil || !ok {
		return receiver.Completion{}, ok, err
	}
	return receiver.Completion{TSPos: binary.LittleEndian.Uint64(payload[0:8])}, true, nil
}

// Send is called by the processor process once it finishes a TS.
func (c *CompletionQueue) Send(comp receiver.Completion) error {
	buf := make([]byte, msgSize)
	binary.LittleEndian.PutUint64(buf[0:8], comp.TSPos)
	return c.q.Send(buf)
}

var _ receiver.WorkItemSink = (*WorkItemQueue)(nil)
var _ receiver.CompletionSource = (*CompletionQueue)(nil)
