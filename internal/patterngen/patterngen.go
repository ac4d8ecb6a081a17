// Package patterngen is a deterministic software microslice pattern
// generator: an illustrative stand-in for the hardware-DMA producers
// spec.md §1 places out of scope, used by tests and example binaries to
// drive an InputChannelSender without real detector hardware.
package patterngen

import (
	"hash/crc32"
	"math/rand"

	tsbuild "github.com/ehrlich-b/go-tsbuild"
	"github.com/ehrlich-b/go-tsbuild/internal/wire"
)

// Generator produces a monotonic stream of microslices into a local dual
// ring buffer (data + descriptor), grounded on
// original_source/lib/fles_core/EmbeddedPatternGenerator.hpp: a
// software-only InputBufferReadInterface implementation, reworked to
// expose exactly internal/sender.DescriptorSource's "one past" read shape
// instead of a RingBufferView pair.
type Generator struct {
	inputIndex         uint64
	typicalContentSize uint32
	randomizeSizes     bool
	rng                *rand.Rand

	dataSizeExp uint8
	descSizeExp uint8
	data        []byte
	descs       []wire.MicrosliceDescriptor

	writeIdx    uint64 // next descriptor slot to fill
	dataWritten uint64 // bytes written so far, monotonic (not wrapped)
	ackDesc     uint64
	ackData     uint64
}

// New creates a Generator with producer-local rings sized 1<<dataSizeExp
// bytes and 1<<descSizeExp descriptor slots.
func New(dataSizeExp, descSizeExp uint8, inputIndex uint64, typicalContentSize uint32) *Generator {
	return &Generator{
		inputIndex:         inputIndex,
		typicalContentSize: typicalContentSize,
		rng:                rand.New(rand.NewSource(int64(inputIndex) + 1)),
		dataSizeExp:        dataSizeExp,
		descSizeExp:        descSizeExp,
		data:               make([]byte, uint64(1)<<dataSizeExp),
		descs:              make([]wire.MicrosliceDescriptor, uint64(1)<<descSizeExp),
	}
}

// RandomizeSizes enables payload sizes drawn uniformly from
// [0, 2*typicalContentSize] instead of a fixed size, mirroring the
// original's randomize_sizes_ flag.
func (g *Generator) RandomizeSizes(on bool) { g.randomizeSizes = on }

// Produce appends count more microslices to the ring, failing if doing so
// would overrun the unacknowledged region of either ring — the producer's
// own analogue of SPEC_FULL.md's ring-overrun invariant.
func (g *Generator) Produce(count uint64) error {
	for i := uint64(0); i < count; i++ {
		size := g.nextSize()
		if g.dataWritten+uint64(size)-g.ackData > uint64(1)<<g.dataSizeExp {
			return tsbuild.New("patterngen.produce", tsbuild.CodeInvariant, "data ring overrun")
		}
		if g.writeIdx-g.ackDesc >= uint64(1)<<g.descSizeExp {
			return tsbuild.New("patterngen.produce", tsbuild.CodeInvariant, "desc ring overrun")
		}

		offset := g.dataWritten % (uint64(1) << g.dataSizeExp)
		payload := g.fillPayload(offset, size)

		d := wire.MicrosliceDescriptor{
			HeaderVersion: 1,
			EquipmentID:   uint16(g.inputIndex),
			Idx:           g.writeIdx,
			Size:          size,
			Offset:        g.dataWritten,
			CRC32:         crc32.ChecksumIEEE(payload),
		}
		g.descs[g.writeIdx%uint64(len(g.descs))] = d

		g.dataWritten += uint64(size)
		g.writeIdx++
	}
	return nil
}

// nextSize rounds typicalContentSize down to an 8-byte multiple (SPEC_FULL
// §6 decision 2: the pattern generator's own choice, not a core
// invariant). With randomizeSizes set, a uniform draw from
// [0, 2*typicalContentSize] replaces typicalContentSize before rounding.
func (g *Generator) nextSize() uint32 {
	base := g.typicalContentSize
	if g.randomizeSizes {
		base = uint32(g.rng.Intn(int(g.typicalContentSize)*2 + 1))
	}
	return (base / 8) * 8
}

// fillPayload writes a deterministic, index-derived byte pattern into the
// ring at offset and returns the slice written. A payload that reaches the
// ring's end continues at offset 0.
func (g *Generator) fillPayload(offset uint64, size uint32) []byte {
	ringSize := uint64(1) << g.dataSizeExp
	out := make([]byte, size)
	for i := range out {
		out[i] = byte(g.writeIdx + uint64(i))
	}
	pos := offset % ringSize
	n := copy(g.data[pos:], out)
	if n < len(out) {
		copy(g.data[0:], out[n:])
	}
	return out
}

// Descriptor implements sender.DescriptorSource.
func (g *Generator) Descriptor(idx uint64) (wire.MicrosliceDescriptor, bool) {
	if idx >= g.writeIdx {
		return wire.MicrosliceDescriptor{}, false
	}
	return g.descs[idx%uint64(len(g.descs))], true
}

// Payload implements sender.DescriptorSource: returns dataBytes contiguous
// bytes starting at the ring offset of the microslice at fromIdx,
// resolving wrap-around internally.
func (g *Generator) Payload(fromIdx, toIdx, dataBytes uint64) []byte {
	from, _ := g.Descriptor(fromIdx)
	ringSize := uint64(1) << g.dataSizeExp
	pos := from.Offset % ringSize
	out := make([]byte, dataBytes)
	n := copy(out, g.data[pos:])
	if uint64(n) < dataBytes {
		copy(out[n:], g.data[0:])
	}
	return out
}

// ReleaseCredit implements sender.DescriptorSource: advances the
// producer's own notion of acknowledged read credit, unblocking reuse of
// the released ring region.
func (g *Generator) ReleaseCredit(desc, data uint64) {
	g.ackDesc = desc
	g.ackData = data
}
