// Package wire defines the fixed-layout data model that crosses the
// input-to-compute fabric: the microslice descriptor, the timeslice
// component descriptor, cursor pairs, and the status/ack messages
// exchanged over each connection.
package wire

import (
	"fmt"
	"unsafe"
)

// MicrosliceDescriptorSize is the on-the-wire size of a MicrosliceDescriptor (32 bytes).
const MicrosliceDescriptorSize = 32

// TSCDSize is the on-the-wire size of a TimesliceComponentDescriptor (32 bytes).
const TSCDSize = 32

// MicrosliceDescriptor is the producer's fixed-size header for one
// microslice, laid out contiguously in the input's descriptor ring.
type MicrosliceDescriptor struct {
	HeaderVersion uint8
	EquipmentID   uint16
	SubsystemID   uint8
	SubsystemVer  uint8
	Idx           uint64 // monotonic microslice index
	CRC32         uint32
	Size          uint32 // payload size in bytes
	Offset        uint64 // payload offset within the input data ring
}

// Compile-time size check, same convention as the teacher's uapi structs.
var _ [MicrosliceDescriptorSize]byte = [unsafe.Sizeof(MicrosliceDescriptor{})]byte{}

// DualIndex is a cursor pair over the data ring and the descriptor ring,
// addressed by untruncated 64-bit counters (wrapping is modulo ring size).
type DualIndex struct {
	Data uint64
	Desc uint64
}

// Less reports whether d is strictly behind o on both axes, used only for
// readability at call sites that assert ordering invariants in tests.
func (d DualIndex) Less(o DualIndex) bool {
	return d.Data < o.Data && d.Desc < o.Desc
}

func (d DualIndex) String() string {
	return fmt.Sprintf("{data:%d desc:%d}", d.Data, d.Desc)
}

// FinalSentinel is the all-ones DualIndex. It is never sent on the wire
// (the explicit Final bit is authoritative there, per SPEC_FULL.md §6
// decision 1), and no code path in this module writes it into a
// connection's cursors; IsFinal is its only check.
var FinalSentinel = DualIndex{Data: ^uint64(0), Desc: ^uint64(0)}

// IsFinal reports whether d equals the final sentinel.
func (d DualIndex) IsFinal() bool {
	return d == FinalSentinel
}

// TSCD is the Timeslice Component Descriptor: what one input writes to
// one compute for one timeslice.
type TSCD struct {
	TSNum          uint64
	OffsetInRing   uint64 // offset_in_compute_data_ring
	SizeBytes      uint64 // data bytes + mc_count*MicrosliceDescriptorSize; excludes skip bytes
	NumMicroslices uint32
	_              uint32 // padding to 32 bytes
}

// Compile-time size check.
var _ [TSCDSize]byte = [unsafe.Sizeof(TSCD{})]byte{}

// StatusMessage is the input->compute status SEND: the sender's current
// write position plus finalize/abort bits (SPEC_FULL.md §6 decision 1:
// explicit-bits form).
type StatusMessage struct {
	WP    DualIndex
	Final bool
	Abort bool
}

// AckMessage is the compute->input status SEND: the receiver's current
// acknowledged position plus finalize/abort-request bits.
type AckMessage struct {
	Ack          DualIndex
	Final        bool
	RequestAbort bool
}

// InputPrivateData is exchanged input->compute at CONNECT_REQUEST.
type InputPrivateData struct {
	Index uint16
}

// ComputePrivateData is exchanged compute->input at ESTABLISHED.
type ComputePrivateData struct {
	DataAddr         uint64
	DataRKey         uint32
	DescAddr         uint64
	DescRKey         uint32
	Index            uint16
	DataBufSizeExp   uint8
	DescBufSizeExp   uint8
}

// AckRing is the fixed-size out-of-order completion table of the compute's
// "ack_ring" (ComputeBuffer::poll_ts_completion), the same mechanism as
// the original sender's "_ack" table. Only internal/receiver uses it; the
// sender's OnCompletion counts completions in post order without it. It
// records completions that arrived ahead of the current cursor until the
// gap closes, then releases them in order.
type AckRing struct {
	slots []uint64
	mask  uint64
}

// NewAckRing creates a ring sized to the next power of two >= size.
func NewAckRing(size uint64) *AckRing {
	capacity := uint64(1)
	for capacity < size {
		capacity <<= 1
	}
	if capacity == 0 {
		capacity = 1
	}
	return &AckRing{slots: make([]uint64, capacity), mask: capacity - 1}
}

// Record stores that position ts has completed, for later release.
func (r *AckRing) Record(ts uint64) {
	r.slots[ts&r.mask] = ts
}

// Clear resets the slot for ts once it has been released, so a later
// generation's write to the same physical slot is not mistaken for this
// generation's completion.
func (r *AckRing) Clear(ts uint64) {
	r.slots[ts&r.mask] = 0
}

// At returns the last recorded ts value at this slot (0 if none).
func (r *AckRing) At(ts uint64) uint64 {
	return r.slots[ts&r.mask]
}

// Advance reports a completion for ts against the current cursor cur and
// returns the cursor's new value. If ts is the next position in line, the
// cursor moves past it and keeps moving past any later positions that
// already completed out of order and were recorded earlier. Otherwise the
// completion is out of order; it is recorded for release once the gap
// closes.
//
// Mirrors the shared idiom in both on_completion (sender) and
// poll_ts_completion (compute).
func (r *AckRing) Advance(cur, ts uint64) uint64 {
	if ts != cur {
		r.Record(ts)
		return cur
	}
	cur++
	for r.At(cur) == cur {
		r.Clear(cur)
		cur++
	}
	return cur
}
