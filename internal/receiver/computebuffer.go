package receiver

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	tsbuild "github.com/ehrlich-b/go-tsbuild"
	"github.com/ehrlich-b/go-tsbuild/internal/logging"
	"github.com/ehrlich-b/go-tsbuild/internal/telemetry"
	"github.com/ehrlich-b/go-tsbuild/internal/wire"
)

// WorkItem is placed on the work-item queue when the red lantern advances
// past its TS index (spec.md §6 TimesliceWorkItem, §4.4 "emit_work_item").
type WorkItem struct {
	TSIndex            uint64
	TSPos              uint64
	TSCore             uint64
	NumComponents      uint32
	DataBufSizeExp     uint8
	DescBufSizeExp     uint8
}

// Completion is popped off the completion queue by the ts-completion loop
// (spec.md §6 TimesliceCompletion).
type Completion struct {
	TSPos uint64
}

// WorkItemSink is the producer side of the bounded work-item queue to
// processor processes; internal/shm provides the real bounded,
// shutdown-sentinel-aware implementation.
type WorkItemSink interface {
	Emit(item WorkItem) error
}

// CompletionSource is the consumer side of the bounded completion queue
// from processor processes. Pop blocks until a completion (or shutdown,
// ok=false) is available.
type CompletionSource interface {
	Pop(ctx context.Context) (Completion, bool, error)
}

// ComputeBuffer aggregates N ReceiverConnections into one compute's
// pipeline (spec.md §4.4): the red-lantern loop that advances
// completely_written, and the ts-completion loop that re-serializes
// out-of-order processor acks before releasing credit back to every input.
type ComputeBuffer struct {
	conns   []*ReceiverConnection
	sink    WorkItemSink
	comp    CompletionSource
	log     *logging.Logger
	metrics *telemetry.Metrics
	index   int

	mu                sync.Mutex
	redLanternOwner   int
	completelyWritten uint64
	allConnected      bool
	tsCore            uint64
	numComponents     int
	descBufSizeExp    uint8

	ackRing *wire.AckRing
	acked   uint64

	abort chan struct{}
}

// Config configures a ComputeBuffer.
type Config struct {
	ComputeIndex   int
	NumInputs      int
	TSCore         uint64
	AckRingSize    uint64
	DataBufSizeExp uint8
	DescBufSizeExp uint8
}

// NewComputeBuffer builds a ComputeBuffer over already-established
// receiver connections, ordered by input index.
func NewComputeBuffer(cfg Config, conns []*ReceiverConnection, sink WorkItemSink, comp CompletionSource) *ComputeBuffer {
	return &ComputeBuffer{
		conns:          conns,
		sink:           sink,
		comp:           comp,
		log:            logging.Default(),
		index:          cfg.ComputeIndex,
		allConnected:   len(conns) == cfg.NumInputs,
		tsCore:         cfg.TSCore,
		numComponents:  cfg.NumInputs,
		descBufSizeExp: cfg.DescBufSizeExp,
		ackRing:        wire.NewAckRing(cfg.AckRingSize),
		abort:          make(chan struct{}),
	}
}

// Abort requests cooperative shutdown: Run's ts-completion loop unblocks
// on its next iteration without waiting for the completion queue's
// shutdown sentinel, mirroring InputChannelSender.Abort's role on the
// input side (spec.md §5, §7 kind 6).
func (b *ComputeBuffer) Abort() {
	select {
	case <-b.abort:
	default:
		close(b.abort)
	}
}

// SetMetrics attaches a telemetry.Metrics instance; nil (the default)
// disables instrumentation.
func (b *ComputeBuffer) SetMetrics(m *telemetry.Metrics) {
	b.metrics = m
}

// BufferStatuses implements telemetry.StatusSource, reporting this
// compute's view of each input's descriptor ring.
func (b *ComputeBuffer) BufferStatuses() []telemetry.BufferStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]telemetry.BufferStatus, len(b.conns))
	for j, c := range b.conns {
		out[j] = telemetry.BufferStatus{
			Label:   fmt.Sprintf("compute %d <- input %d", b.index, j),
			Size:    uint64(1) << b.descBufSizeExp, // descriptor-ring depth, not byte size
			Acked:   c.Ack().Desc,
			Written: c.RecvWP().Desc,
		}
	}
	return out
}

// Run drives the ts-completion loop until ctx is canceled. The red-lantern
// advance itself is driven by OnReceiveCompletion, called from each
// connection's fabric read loop as descriptor writes land (mirroring
// spec.md §4.4's "on every receive completion from i").
func (b *ComputeBuffer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-b.abort:
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error { return b.tsCompletionLoop(gctx) })
	return g.Wait()
}

// OnReceiveCompletion implements the red-lantern loop (spec.md §4.4): when
// the input whose recv_wp is currently the global minimum (the "red
// lantern") advances, recompute the minimum across all inputs and emit
// work items for every newly-completed TS in ascending order.
func (b *ComputeBuffer) OnReceiveCompletion(fromInput int) error {
	b.mu.Lock()
	if !b.allConnected || fromInput != b.redLanternOwner {
		b.mu.Unlock()
		return nil
	}

	newOwner := 0
	newWritten := b.conns[0].RecvWP().Desc
	for j := 1; j < len(b.conns); j++ {
		d := b.conns[j].RecvWP().Desc
		if d < newWritten {
			newWritten = d
			newOwner = j
		}
	}

	start := b.completelyWritten
	b.redLanternOwner = newOwner
	b.completelyWritten = newWritten
	numComponents := b.numComponents
	tsCore := b.tsCore
	b.mu.Unlock()

	for t := start; t < newWritten; t++ {
		item := WorkItem{TSIndex: t, TSPos: t, TSCore: tsCore, NumComponents: uint32(numComponents)}
		if err := b.sink.Emit(item); err != nil {
			return tsbuild.Wrap("on_receive_completion.emit", tsbuild.CodeFabric, err)
		}
	}
	if b.metrics != nil && newWritten > start {
		b.metrics.TimeslicesCompleted.WithLabelValues(fmt.Sprintf("%d", b.index)).Add(float64(newWritten - start))
		b.metrics.RedLantern.WithLabelValues(fmt.Sprintf("%d", b.index)).Set(float64(newWritten))
	}
	return nil
}

// CompletelyWritten returns the current red-lantern high-water mark.
func (b *ComputeBuffer) CompletelyWritten() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.completelyWritten
}

// tsCompletionLoop implements spec.md §4.4's "TS completion loop (separate
// from the fabric loop)": pop completions, re-serialize out-of-order
// arrivals via the shared AckRing, and call IncAck on every receiver once
// the acked cursor advances.
func (b *ComputeBuffer) tsCompletionLoop(ctx context.Context) error {
	for {
		c, ok, err := b.comp.Pop(ctx)
		if err != nil {
			return tsbuild.Wrap("ts_completion_loop", tsbuild.CodeFabric, err)
		}
		if !ok {
			return nil // shutdown sentinel
		}

		b.mu.Lock()
		next := b.ackRing.Advance(b.acked, c.TSPos)
		advanced := next != b.acked
		b.acked = next
		b.mu.Unlock()

		if !advanced {
			continue
		}
		for j, conn := range b.conns {
			if err := conn.IncAck(b.acked); err != nil {
				return tsbuild.Wrap("ts_completion_loop.inc_ack", tsbuild.CodeInvariant, err)
			}
			if b.metrics != nil {
				b.metrics.ComponentsAcked.WithLabelValues(fmt.Sprintf("%d", j), fmt.Sprintf("%d", b.index)).Inc()
			}
		}
	}
}

// Acked returns the compute's global acked TS cursor.
func (b *ComputeBuffer) Acked() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked
}
