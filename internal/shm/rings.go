// Package shm backs the compute side's data and descriptor rings with
// named POSIX shared memory under /dev/shm, so a processor process (a
// distinct child, not a goroutine — spec.md §4.4) can mmap the same
// bytes without a copy through a socket.
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	tsbuild "github.com/ehrlich-b/go-tsbuild"
	"github.com/ehrlich-b/go-tsbuild/internal/wire"
)

// Segment is one mmap'd /dev/shm region. Grounded on
// internal/queue/runner.go's mmapQueues: page-round the size, map with
// MAP_SHARED so writes are visible to every process holding the same fd.
type Segment struct {
	path string
	mem  []byte
}

// Create allocates (or truncates and reopens) a named /dev/shm segment of
// exactly size bytes, rounded up to a page boundary the same way
// mmapQueues rounds its descriptor-array mapping.
func Create(name string, size uint64) (*Segment, error) {
	path := fmt.Sprintf("/dev/shm/%s", name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, tsbuild.Wrap("shm.create", tsbuild.CodeFabric, err)
	}
	defer f.Close()

	pageSize := uint64(os.Getpagesize())
	rounded := size
	if rem := rounded % pageSize; rem != 0 {
		rounded += pageSize - rem
	}
	if err := f.Truncate(int64(rounded)); err != nil {
		return nil, tsbuild.Wrap("shm.create.truncate", tsbuild.CodeFabric, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(rounded), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, tsbuild.Wrap("shm.create.mmap", tsbuild.CodeFabric, err)
	}
	return &Segment{path: path, mem: mem}, nil
}

// Open mmaps an already-created segment (used by processor child
// processes that inherit the path, not the fd, over a fork/exec).
func Open(name string, size uint64) (*Segment, error) {
	path := fmt.Sprintf("/dev/shm/%s", name)
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, tsbuild.Wrap("shm.open", tsbuild.CodeFabric, err)
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, tsbuild.Wrap("shm.open.mmap", tsbuild.CodeFabric, err)
	}
	return &Segment{path: path, mem: mem}, nil
}

// Close unmaps the segment. The backing /dev/shm file is left for the
// next process to mmap; the owner removes it via Unlink.
func (s *Segment) Close() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	if err != nil {
		return tsbuild.Wrap("shm.close", tsbuild.CodeFabric, err)
	}
	return nil
}

// Unlink removes the backing /dev/shm file. Call once, from the owning
// side, after every other process has closed its mapping.
func (s *Segment) Unlink() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return tsbuild.Wrap("shm.unlink", tsbuild.CodeFabric, err)
	}
	return nil
}

// DataRing is one input's view into the compute's single shared data
// segment (spec.md §4.4 "Memory layout": "Two named shared-memory
// segments... Each input i gets slice [i·size,(i+1)·size)"). base is
// that slice's starting byte offset into seg; every other offset is
// relative to base and wraps modulo 1<<sizeExp, matching the ring
// arithmetic in internal/sender.
type DataRing struct {
	seg     *Segment
	base    uint64
	sizeExp uint8
}

// NewDataRing returns input inputIndex's view of seg, a segment sized
// to hold numInputs slices of 1<<sizeExp bytes each.
func NewDataRing(seg *Segment, inputIndex int, sizeExp uint8) *DataRing {
	return &DataRing{seg: seg, base: uint64(inputIndex) << sizeExp, sizeExp: sizeExp}
}

func (d *DataRing) size() uint64 { return uint64(1) << d.sizeExp }

// WriteData implements fabric.DataWriter: copies p into the ring at
// offset, wrapping and splitting across the ring boundary exactly once
// (the sender never posts a single write spanning more than one wrap,
// per spec.md testable property 9, but this guards the compute side
// independently of that invariant holding upstream).
func (d *DataRing) WriteData(offset uint64, p []byte) error {
	size := d.size()
	pos := d.base + offset%size
	n := copy(d.seg.mem[pos:d.base+size], p)
	if n < len(p) {
		copy(d.seg.mem[d.base:], p[n:])
	}
	return nil
}

// DescRing is one input's view into the compute's single shared
// descriptor segment, one slot per completed timeslice component
// (spec.md §4.3/§4.4/§6). base is this input's slice's starting byte
// offset into seg.
type DescRing struct {
	seg     *Segment
	base    uint64
	sizeExp uint8 // ring holds 1<<sizeExp TSCD-sized slots
}

// NewDescRing returns input inputIndex's view of seg, a segment sized
// to hold numInputs slices of (1<<sizeExp)*wire.TSCDSize bytes each.
func NewDescRing(seg *Segment, inputIndex int, sizeExp uint8) *DescRing {
	slotsSize := (uint64(1) << sizeExp) * wire.TSCDSize
	return &DescRing{seg: seg, base: uint64(inputIndex) * slotsSize, sizeExp: sizeExp}
}

func (d *DescRing) slots() uint64 { return uint64(1) << d.sizeExp }

// WriteDescriptor implements fabric.DataWriter: writes one marshaled
// TSCD at the ring slot derived from offset (a byte offset into the
// descriptor ring, matching spec.md's dual-index convention).
func (d *DescRing) WriteDescriptor(offset uint64, tscd []byte) error {
	slot := (offset / wire.TSCDSize) % d.slots()
	pos := d.base + slot*wire.TSCDSize
	copy(d.seg.mem[pos:pos+wire.TSCDSize], tscd)
	return nil
}

// TSCDAt implements receiver.DescRingReader: reads back the TSCD at
// descriptor-ring position descPos (spec.md §4.3's ack.data derivation).
func (d *DescRing) TSCDAt(descPos uint64) (wire.TSCD, error) {
	slot := descPos % d.slots()
	pos := d.base + slot*wire.TSCDSize
	return wire.UnmarshalTSCD(d.seg.mem[pos : pos+wire.TSCDSize])
}
