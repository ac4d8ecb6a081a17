package shm

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-tsbuild/internal/wire"
)

func uniqueName(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("tsbuild-test-%d-%s", os.Getpid(), t.Name())
}

func TestDataRingWriteWrapsAcrossBoundary(t *testing.T) {
	name := uniqueName(t)
	seg, err := Create(name, 16)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, seg.Close())
		require.NoError(t, seg.Unlink())
	}()

	ring := NewDataRing(seg, 0, 4) // 1<<4 == 16 bytes, single input at base 0

	payload := []byte{1, 2, 3, 4}
	require.NoError(t, ring.WriteData(14, payload)) // wraps after 2 bytes

	require.Equal(t, byte(1), seg.mem[14])
	require.Equal(t, byte(2), seg.mem[15])
	require.Equal(t, byte(3), seg.mem[0])
	require.Equal(t, byte(4), seg.mem[1])
}

func TestDescRingRoundTrip(t *testing.T) {
	name := uniqueName(t)
	seg, err := Create(name, 4*wire.TSCDSize)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, seg.Close())
		require.NoError(t, seg.Unlink())
	}()

	ring := NewDescRing(seg, 0, 2) // 1<<2 == 4 slots, single input at base 0

	tscd := wire.TSCD{TSNum: 7, OffsetInRing: 280, SizeBytes: 84, NumMicroslices: 2}
	require.NoError(t, ring.WriteDescriptor(1*wire.TSCDSize, wire.MarshalTSCD(tscd)))

	got, err := ring.TSCDAt(1)
	require.NoError(t, err)
	require.Equal(t, tscd, got)

	// Slot wraps modulo ring size.
	require.NoError(t, ring.WriteDescriptor(5*wire.TSCDSize, wire.MarshalTSCD(tscd)))
	got2, err := ring.TSCDAt(5)
	require.NoError(t, err)
	require.Equal(t, tscd, got2)
}

// TestRingsShareOneSegmentPerInputSlice exercises spec.md §4.4's "Two
// named shared-memory segments... each input i gets slice
// [i·size,(i+1)·size)": two inputs' rings over one shared segment must
// not see each other's writes.
func TestRingsShareOneSegmentPerInputSlice(t *testing.T) {
	name := uniqueName(t)
	const numInputs = 2
	const sizeExp = 4 // 16 bytes per input
	seg, err := Create(name, numInputs*16)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, seg.Close())
		require.NoError(t, seg.Unlink())
	}()

	ring0 := NewDataRing(seg, 0, sizeExp)
	ring1 := NewDataRing(seg, 1, sizeExp)

	require.NoError(t, ring0.WriteData(0, []byte{0xAA, 0xAA}))
	require.NoError(t, ring1.WriteData(0, []byte{0xBB, 0xBB}))

	require.Equal(t, byte(0xAA), seg.mem[0])
	require.Equal(t, byte(0xBB), seg.mem[16])

	descSeg, err := Create(uniqueName(t)+"-desc", numInputs*4*wire.TSCDSize)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, descSeg.Close())
		require.NoError(t, descSeg.Unlink())
	}()

	descRing0 := NewDescRing(descSeg, 0, 2)
	descRing1 := NewDescRing(descSeg, 1, 2)

	tscdA := wire.TSCD{TSNum: 1, OffsetInRing: 0, SizeBytes: 10, NumMicroslices: 1}
	tscdB := wire.TSCD{TSNum: 2, OffsetInRing: 0, SizeBytes: 20, NumMicroslices: 1}
	require.NoError(t, descRing0.WriteDescriptor(0, wire.MarshalTSCD(tscdA)))
	require.NoError(t, descRing1.WriteDescriptor(0, wire.MarshalTSCD(tscdB)))

	got0, err := descRing0.TSCDAt(0)
	require.NoError(t, err)
	require.Equal(t, tscdA, got0)
	got1, err := descRing1.TSCDAt(0)
	require.NoError(t, err)
	require.Equal(t, tscdB, got1)
}
