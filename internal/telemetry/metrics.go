// Package telemetry exposes Prometheus metrics and a periodic status
// log line for the input and compute sides, replacing the teacher's
// atomic-counter Metrics struct with collectors registered against a
// caller-supplied registry.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of collectors shared by sender and receiver
// components. Grounded on teacher metrics.go's counter surface
// (ops/bytes/errors/queue-depth/latency) with the atomic fields replaced
// by `prometheus/client_golang` collectors registered on reg (pack
// precedent: runZeroInc-sockstats/pkg/exporter).
type Metrics struct {
	MicroslicesSent     *prometheus.CounterVec
	BytesSent           *prometheus.CounterVec
	TimeslicesCompleted *prometheus.CounterVec
	ComponentsAcked     *prometheus.CounterVec

	WriteCredit   *prometheus.GaugeVec
	PendingWrites *prometheus.GaugeVec
	RedLantern    *prometheus.GaugeVec

	ProcessorDeaths *prometheus.CounterVec
	FabricErrors    *prometheus.CounterVec
}

// New registers every collector against reg (pass
// prometheus.NewRegistry() in tests to avoid global-registry collisions
// across parallel tests).
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MicroslicesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tsbuild",
			Name:      "microslices_sent_total",
			Help:      "Microslices written to a compute's data ring, per input/compute pair.",
		}, []string{"input", "compute"}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tsbuild",
			Name:      "bytes_sent_total",
			Help:      "Payload bytes written to a compute's data ring, per input/compute pair.",
		}, []string{"input", "compute"}),
		TimeslicesCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tsbuild",
			Name:      "timeslices_completed_total",
			Help:      "Timeslices for which the red lantern has advanced, per compute.",
		}, []string{"compute"}),
		ComponentsAcked: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tsbuild",
			Name:      "components_acked_total",
			Help:      "Timeslice components whose processor completion has been acked, per input/compute pair.",
		}, []string{"input", "compute"}),
		WriteCredit: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tsbuild",
			Name:      "write_credit_bytes",
			Help:      "Bytes of write credit currently available to an input/compute connection.",
		}, []string{"input", "compute"}),
		PendingWrites: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tsbuild",
			Name:      "pending_writes",
			Help:      "Posted timeslice-component writes not yet completed on an input/compute connection.",
		}, []string{"input", "compute"}),
		RedLantern: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tsbuild",
			Name:      "completely_written_ts",
			Help:      "Highest timeslice index completely delivered from every input, per compute.",
		}, []string{"compute"}),
		ProcessorDeaths: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tsbuild",
			Name:      "processor_deaths_total",
			Help:      "Unexpected processor child process exits, per compute.",
		}, []string{"compute"}),
		FabricErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tsbuild",
			Name:      "fabric_errors_total",
			Help:      "Fatal fabric errors by error code.",
		}, []string{"code"}),
	}
}
