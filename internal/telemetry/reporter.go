package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ehrlich-b/go-tsbuild/internal/logging"
)

// BufferStatus is one connection's ring-buffer fill state at a point in
// time, matching original_source/InputChannelSender.cpp's
// SendBufferStatus sample (size, acked, sent, written cursors).
type BufferStatus struct {
	Label   string // e.g. "input 0 -> compute 2"
	Size    uint64 // ring capacity, in the units of Acked/Written (bytes on the input side, descriptor entries on the compute side)
	Acked   uint64
	Written uint64
}

// StatusSource supplies the current buffer status for every tracked
// connection, called once per reporting tick.
type StatusSource interface {
	BufferStatuses() []BufferStatus
}

// Reporter logs a 1s bar-graph status line per connection, the Go
// counterpart of report_status()'s periodic self-rescheduling in both
// InputChannelSender.cpp and ComputeBuffer.cpp.
type Reporter struct {
	src      StatusSource
	interval time.Duration
	log      *logging.Logger
}

// NewReporter builds a Reporter that logs at interval (spec.md §6 uses
// 1s; constants.StatusReportInterval is the default).
func NewReporter(src StatusSource, interval time.Duration) *Reporter {
	return &Reporter{src: src, interval: interval, log: logging.Default()}
}

// Run logs status on every tick until ctx is canceled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range r.src.BufferStatuses() {
				r.log.Infof("%s", formatBar(s))
			}
		}
	}
}

// formatBar renders a fixed-width fill bar, e.g.
// "input 0 -> compute 2 [#####...............] 25% (acked=4096 written=8192 size=16384)".
func formatBar(s BufferStatus) string {
	const width = 20
	var filled int
	if s.Size > 0 {
		filled = int(float64(s.Acked) / float64(s.Size) * width)
	}
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
	pct := 0.0
	if s.Size > 0 {
		pct = float64(s.Acked) / float64(s.Size) * 100
	}
	return fmt.Sprintf("%s [%s] %.0f%% (acked=%d written=%d size=%d)",
		s.Label, bar, pct, s.Acked, s.Written, s.Size)
}
