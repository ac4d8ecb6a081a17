// Package constants holds the fixed and default numeric parameters of the
// timeslice-building protocol.
package constants

import "time"

const (
	// MicrosliceDescriptorSize is the fixed wire size of a microslice descriptor.
	MicrosliceDescriptorSize = 32

	// TSCDSize is the fixed wire size of a Timeslice Component Descriptor.
	TSCDSize = 32

	// MinDataBufferSizeExp / MaxDataBufferSizeExp bound the auto-sizing
	// formula: [2^20, 2^30].
	MinDataBufferSizeExp = 20
	MaxDataBufferSizeExp = 30

	// DefaultDataBufferSizeExp / DefaultDescBufferSizeExp are used when
	// auto-sizing is not requested and no explicit value is given.
	DefaultDataBufferSizeExp = 24 // 16 MiB
	DefaultDescBufferSizeExp = 16 // 65536 entries

	// MinAckFraction is the fraction of ring capacity that must accumulate
	// as acked-but-not-yet-released credit before the sender calls back
	// into the producer to release read credit.
	MinAckFraction = 4

	// DefaultTimesliceSize / DefaultOverlapSize are the TS_CORE/TS_OVERLAP
	// defaults used by examples and tests.
	DefaultTimesliceSize = 100
	DefaultOverlapSize   = 2

	// DefaultProcessorInstances is the default processor fan-out per compute.
	DefaultProcessorInstances = 1

	// DefaultBasePort is the first TCP port an input dials / a compute listens on.
	DefaultBasePort = 20079

	// PollBatchSize is the maximum number of completions drained per poll.
	PollBatchSize = 10

	// AutoAssign is a sentinel meaning "let autosize pick the buffer exponent".
	AutoAssign = -1
)

// ResolveTimeout bounds address/route resolution.
const ResolveTimeout = 5 * time.Second

// StatusReportInterval is the cadence of the periodic status/throughput
// reporter.
const StatusReportInterval = 1 * time.Second

// ProcessorShutdownGrace bounds how long a compute waits for its
// processor pool to exit on its own after the work-queue shutdown
// sentinel is sent, before StopAll's SIGTERM takes over.
const ProcessorShutdownGrace = 2 * time.Second

// MaxSendWR and MaxPendingWriteFraction bound the number of outstanding
// writes a connection may have in flight, mirroring the
// max_pending_write_requests sizing used when a connection is established.
const (
	MaxSendWR               = 8000
	MaxPendingWriteFraction = 3
)

// IOBufferSizePerTag is a per-write staging-buffer size. No package reads
// it: SendComponent hands the producer's payload slice to the fabric layer
// directly.
const IOBufferSizePerTag = 64 * 1024