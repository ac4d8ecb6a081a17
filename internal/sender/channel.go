package sender

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	tsbuild "github.com/ehrlich-b/go-tsbuild"
	"github.com/ehrlich-b/go-tsbuild/internal/constants"
	"github.com/ehrlich-b/go-tsbuild/internal/logging"
	"github.com/ehrlich-b/go-tsbuild/internal/telemetry"
	"github.com/ehrlich-b/go-tsbuild/internal/wire"
)

// DescriptorSource is the producer-side boundary this package treats as
// external (spec.md §1 "out of scope": microslice producers). It exposes
// exactly the "one past" read InputChannelSender needs: the descriptor at
// a monotonic index, and the raw payload bytes for a contiguous MS range.
type DescriptorSource interface {
	// Descriptor returns the descriptor at idx and whether it has been
	// fully materialized by the producer yet.
	Descriptor(idx uint64) (wire.MicrosliceDescriptor, bool)
	// Payload returns dataBytes contiguous bytes starting at the producer
	// ring offset of the microslice at fromIdx (spanning up to toIdx,
	// exclusive). Wrap-around within the producer's own ring, if any, is
	// resolved internally by the implementation.
	Payload(fromIdx, toIdx uint64, dataBytes uint64) []byte
	// ReleaseCredit is called once reclaimed read credit exceeds
	// buffer_size/constants.MinAckFraction, letting the producer reuse
	// the released region.
	ReleaseCredit(desc, data uint64)
}

// Config configures one InputChannelSender.
type Config struct {
	InputIndex    int
	NumComputes   int
	TSCore        uint64
	TSOverlap     uint64
	MaxTimeslice  uint64 // TS_MAX; loop stops once ts_index reaches this
	StatusTick    time.Duration
	CPUAffinity   []int
	MaxPendingFn  func(numComputes int) uint32
}

// DefaultConfig returns sensible defaults for Config's timing fields.
func DefaultConfig() Config {
	return Config{
		TSCore:     constants.DefaultTimesliceSize,
		TSOverlap:  constants.DefaultOverlapSize,
		StatusTick: 50 * time.Millisecond,
	}
}

// InputChannelSender is the per-input scheduler (spec.md §4.2): it owns
// one SenderConnection per compute, selects the target compute for each
// TS by the fixed ts mod M rule, slices MS ranges into write components,
// and drives the completion + status-flush loops.
type InputChannelSender struct {
	cfg     Config
	src     DescriptorSource
	conns   []*SenderConnection
	log     *logging.Logger
	metrics *telemetry.Metrics

	tsIndex          uint64
	previousDescIdx  uint64
	sentOffset       uint64
	ackedDesc        []uint64
	ackedData        []uint64
	lastReleasedDesc []uint64
	lastReleasedData []uint64

	abort chan struct{}
}

// NewInputChannelSender builds a scheduler for one input given its
// already-established per-compute connections, ordered by compute index.
func NewInputChannelSender(cfg Config, src DescriptorSource, conns []*SenderConnection) *InputChannelSender {
	n := len(conns)
	return &InputChannelSender{
		cfg:              cfg,
		src:              src,
		conns:            conns,
		log:              logging.Default().With("input", cfg.InputIndex),
		ackedDesc:        make([]uint64, n),
		ackedData:        make([]uint64, n),
		lastReleasedDesc: make([]uint64, n),
		lastReleasedData: make([]uint64, n),
		abort:            make(chan struct{}),
	}
}

// SetMetrics attaches a telemetry.Metrics instance; nil (the default)
// disables instrumentation.
func (s *InputChannelSender) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
}

// BufferStatuses implements telemetry.StatusSource, reporting this
// input's view of each connection's send ring.
func (s *InputChannelSender) BufferStatuses() []telemetry.BufferStatus {
	out := make([]telemetry.BufferStatus, len(s.conns))
	for j, c := range s.conns {
		wp := c.WP()
		ack := c.Ack()
		out[j] = telemetry.BufferStatus{
			Label:   fmt.Sprintf("input %d -> compute %d", s.cfg.InputIndex, j),
			Size:    c.rings.dataSize(),
			Acked:   ack.Data,
			Written: wp.Data,
		}
	}
	return out
}

// Abort requests cooperative shutdown: the scheduler loop observes it
// between TS iterations and finalizes every connection with abort=true.
func (s *InputChannelSender) Abort() {
	select {
	case <-s.abort:
	default:
		close(s.abort)
	}
}

// Run drives the scheduler loop, the per-connection status tickers, and
// (indirectly, via the caller's Serve goroutines) the completion stream,
// until TS_MAX is reached or Abort is called. Each connection's fabric
// read loop must already be running via fabric.Connection.Serve before Run
// is called.
func (s *InputChannelSender) Run(ctx context.Context) error {
	// schedulerLoop is the only loop with a natural end (TS_MAX reached,
	// or finalizeAll on ctx/Abort); statusLoop and completionLoop run
	// until told to stop. Canceling our own derived context once
	// schedulerLoop returns — success or failure — is what lets the
	// group converge instead of Wait() blocking on loops nothing else
	// would ever signal to exit.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return s.schedulerLoop(ctx)
	})
	for idx, c := range s.conns {
		idx, c := idx, c
		g.Go(func() error { return s.statusLoop(ctx, idx, c) })
		g.Go(func() error { return s.completionLoop(ctx, idx, c) })
	}
	return g.Wait()
}

// completionLoop drains connection c's completion queue (spec.md §4.5:
// "single shared completion queue per connection group ... poll batch of
// up to 10") and feeds each signaled descriptor-write completion into
// OnCompletion, recovering the dataBytes it was posted with from the
// connection's pending-write FIFO.
func (s *InputChannelSender) completionLoop(ctx context.Context, idx int, c *SenderConnection) error {
	for {
		batch := c.conn.CQ().PollBatch(ctx.Done())
		if batch == nil {
			return nil
		}
		for _, comp := range batch {
			dataBytes, ok := c.PopPendingDataBytes()
			if !ok {
				return tsbuild.New("completion_loop", tsbuild.CodeInvariant, "completion with no pending write")
			}
			if err := s.OnCompletion(idx, c, comp.Status, 1, dataBytes); err != nil {
				return err
			}
		}
	}
}

// schedulerLoop implements maybe_advance_write_cursor (spec.md §4.2).
func (s *InputChannelSender) schedulerLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.finalizeAll(false)
		case <-s.abort:
			return s.finalizeAll(true)
		case <-ticker.C:
			sent, err := s.tryAdvance()
			if err != nil {
				return err
			}
			if s.cfg.MaxTimeslice > 0 && s.tsIndex >= s.cfg.MaxTimeslice {
				return s.finalizeAll(false)
			}
			_ = sent
		}
	}
}

// tryAdvance attempts to send exactly one TS component if the next TS's
// "one past" descriptor has been observed; returns false if not yet
// available or the target connection has no space/credit.
func (s *InputChannelSender) tryAdvance() (bool, error) {
	window := s.cfg.TSCore + s.cfg.TSOverlap
	base := s.tsIndex * s.cfg.TSCore
	onePast := base + window

	have, ok := s.src.Descriptor(onePast)
	if !ok || have.Idx <= s.previousDescIdx {
		return false, nil
	}

	baseDesc, ok := s.src.Descriptor(base)
	if !ok {
		return false, nil
	}
	endDesc, ok := s.src.Descriptor(onePast)
	if !ok {
		return false, nil
	}

	dataLen := endDesc.Offset - baseDesc.Offset
	total := dataLen + window*wire.TSCDSize
	j := int(s.tsIndex % uint64(s.cfg.NumComputes))
	conn := s.conns[j]

	if !conn.WriteAvailable() {
		return false, nil
	}
	skip := conn.SkipRequired(total)
	total += skip
	if !conn.CheckSpace(total, 1) {
		return false, nil
	}

	payload := s.src.Payload(base, onePast, dataLen)
	_, err := conn.SendComponent(payload, s.tsIndex, uint32(window), dataLen, skip)
	if err != nil {
		return false, tsbuild.Wrap("try_advance", tsbuild.CodeFabric, err)
	}
	conn.Advance(total, 1)

	s.sentOffset = endDesc.Offset
	s.previousDescIdx = have.Idx
	s.tsIndex++

	if s.metrics != nil {
		input := fmt.Sprintf("%d", s.cfg.InputIndex)
		compute := fmt.Sprintf("%d", j)
		s.metrics.MicroslicesSent.WithLabelValues(input, compute).Add(float64(window))
		s.metrics.BytesSent.WithLabelValues(input, compute).Add(float64(dataLen))
		s.metrics.PendingWrites.WithLabelValues(input, compute).Set(float64(conn.PendingWrites()))
	}
	return true, nil
}

// statusLoop periodically calls TryFlushStatus (the sync_buffer_positions
// fast-poll supplement, SPEC_FULL.md §5) so an otherwise-idle connection
// still converges quickly.
func (s *InputChannelSender) statusLoop(ctx context.Context, idx int, c *SenderConnection) error {
	tick := s.cfg.StatusTick
	if tick <= 0 {
		tick = 50 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-c.conn.StatusCh():
			done, err := c.OnRecvStatus(raw)
			if err != nil {
				return tsbuild.Wrap("status_loop.recv", tsbuild.CodeInvariant, err)
			}
			if _, err := c.TryFlushStatus(); err != nil {
				return err
			}
			if done {
				return nil
			}
		case <-ticker.C:
			if _, err := c.TryFlushStatus(); err != nil {
				return err
			}
		}
	}
}

// OnCompletion processes one polled write completion (spec.md §4.2
// "Credit reclamation"): advances acked_desc/acked_data to what the
// receiver must by now see, and once the delta exceeds
// buffer_size/MinAckFraction, releases read credit back to the producer.
func (s *InputChannelSender) OnCompletion(connIdx int, c *SenderConnection, status error, descEntries, dataBytes uint64) error {
	if err := c.OnCompleteWrite(status); err != nil {
		return err
	}
	s.ackedDesc[connIdx] += descEntries
	s.ackedData[connIdx] += dataBytes

	descDelta := s.ackedDesc[connIdx] - s.lastReleasedDesc[connIdx]
	dataDelta := s.ackedData[connIdx] - s.lastReleasedData[connIdx]
	minAckDesc := uint64(1) << c.rings.DescSizeExp / constants.MinAckFraction
	minAckData := c.rings.dataSize() / constants.MinAckFraction
	if descDelta >= minAckDesc || dataDelta >= minAckData {
		s.src.ReleaseCredit(s.ackedDesc[connIdx], s.ackedData[connIdx])
		s.lastReleasedDesc[connIdx] = s.ackedDesc[connIdx]
		s.lastReleasedData[connIdx] = s.ackedData[connIdx]
		if s.metrics != nil {
			size := c.rings.dataSize()
			outstanding := c.WP().Data - c.Ack().Data
			s.metrics.WriteCredit.WithLabelValues(fmt.Sprintf("%d", s.cfg.InputIndex), fmt.Sprintf("%d", connIdx)).Set(float64(size - outstanding))
		}
	}
	return nil
}

func (s *InputChannelSender) finalizeAll(abort bool) error {
	for _, c := range s.conns {
		c.Finalize(abort)
		if _, err := c.TryFlushStatus(); err != nil {
			s.log.Warnf("finalize: flush failed: %v", err)
		}
	}
	if abort {
		return tsbuild.New("finalize_all", tsbuild.CodeAborted, "cooperative abort")
	}
	return nil
}
