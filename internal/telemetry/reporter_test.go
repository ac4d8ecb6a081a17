package telemetry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	calls atomic.Int64
}

func (f *fakeSource) BufferStatuses() []BufferStatus {
	f.calls.Add(1)
	return []BufferStatus{{Label: "input 0 -> compute 0", Size: 1024, Acked: 512, Written: 768}}
}

func TestReporterTicksUntilCanceled(t *testing.T) {
	src := &fakeSource{}
	r := NewReporter(src, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	require.GreaterOrEqual(t, src.calls.Load(), int64(3))
}

func TestFormatBarHalfFull(t *testing.T) {
	s := BufferStatus{Label: "x", Size: 1024, Acked: 512, Written: 768}
	line := formatBar(s)
	require.Contains(t, line, "50%")
	require.Contains(t, line, "acked=512")
	require.Contains(t, line, "written=768")
	require.Contains(t, line, "size=1024")
}

func TestFormatBarZeroSize(t *testing.T) {
	require.NotPanics(t, func() {
		formatBar(BufferStatus{Label: "x"})
	})
}
