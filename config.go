package tsbuild

import (
	"fmt"
	"time"

	"github.com/ehrlich-b/go-tsbuild/internal/autosize"
	"github.com/ehrlich-b/go-tsbuild/internal/constants"
)

// InputConfig configures one input node (spec.md §4.1/§4.2, §6 CLI
// surface): the set of computes it connects to, the TS windowing
// parameters, and the remote ring sizes it negotiates.
type InputConfig struct {
	InputIndex   int
	ComputeAddrs []string // one "host:port" per compute, ordered by compute index
	TSCore       uint64
	TSOverlap    uint64
	MaxTimeslice uint64 // TS_MAX; 0 means unbounded
	StatusTick   time.Duration
	CPUAffinity  []int
	MetricsAddr  string // empty disables the /metrics HTTP endpoint
}

// DefaultInputConfig returns an InputConfig with spec.md's default TS
// windowing and the teacher's default status-flush cadence.
func DefaultInputConfig() InputConfig {
	return InputConfig{
		TSCore:     constants.DefaultTimesliceSize,
		TSOverlap:  constants.DefaultOverlapSize,
		StatusTick: 50 * time.Millisecond,
	}
}

// Validate checks InputConfig for the config errors spec.md §7 kind 1
// describes: bad ranges or missing endpoints, caught before network setup.
func (c InputConfig) Validate() error {
	if len(c.ComputeAddrs) == 0 {
		return New("input_config.validate", CodeConfig, "at least one compute address is required")
	}
	if c.TSCore == 0 {
		return New("input_config.validate", CodeConfig, "timeslice-size must be > 0")
	}
	if c.InputIndex < 0 {
		return New("input_config.validate", CodeConfig, "input-index must be >= 0")
	}
	return nil
}

// ComputeConfig configures one compute node (spec.md §4.3/§4.4, §6 CLI
// surface): the inputs it accepts connections from, the per-input ring
// sizes, and the processor child-process pool it backs its timeslices with.
type ComputeConfig struct {
	ComputeIndex        int
	ListenAddr          string
	NumInputsLocal      int
	TSCore              uint64
	DataBufSizeExp      uint8 // replaced by the auto-sized value when AutoSizeData is set
	DescBufSizeExp      uint8
	AutoSizeData        bool
	AutoSizeDesc        bool
	TypicalContentSize  uint64 // only used when AutoSizeDesc is set
	ProcessorExecutable string
	ProcessorInstances  int
	CPUAffinity         []int
	MetricsAddr         string
}

// DefaultComputeConfig returns a ComputeConfig with spec.md's default TS
// windowing, default buffer exponents, and a single processor instance.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		TSCore:             constants.DefaultTimesliceSize,
		DataBufSizeExp:     constants.DefaultDataBufferSizeExp,
		DescBufSizeExp:     constants.DefaultDescBufferSizeExp,
		ProcessorInstances: constants.DefaultProcessorInstances,
	}
}

// Validate checks ComputeConfig for config errors, then (if requested)
// runs the §6 buffer-size auto-sizing formula, returning a config with
// concrete DataBufSizeExp/DescBufSizeExp filled in.
func (c ComputeConfig) Validate() (ComputeConfig, error) {
	if c.NumInputsLocal <= 0 {
		return c, New("compute_config.validate", CodeConfig, "num-inputs must be > 0")
	}
	if c.ProcessorExecutable == "" {
		return c, New("compute_config.validate", CodeConfig, "processor-executable is required")
	}
	if c.ProcessorInstances <= 0 {
		c.ProcessorInstances = constants.DefaultProcessorInstances
	}
	if c.ListenAddr == "" {
		return c, New("compute_config.validate", CodeConfig, "listen address is required")
	}

	if c.AutoSizeData {
		exp, err := autosize.DataSizeExp(c.NumInputsLocal)
		if err != nil {
			return c, Wrap("compute_config.validate.autosize_data", CodeConfig, err)
		}
		c.DataBufSizeExp = exp
	}
	if c.DataBufSizeExp < constants.MinDataBufferSizeExp || c.DataBufSizeExp > constants.MaxDataBufferSizeExp {
		return c, New("compute_config.validate", CodeConfig, fmt.Sprintf(
			"cn-data-buffer-size-exp %d out of range [%d,%d]", c.DataBufSizeExp,
			constants.MinDataBufferSizeExp, constants.MaxDataBufferSizeExp))
	}

	if c.AutoSizeDesc {
		typical := c.TypicalContentSize
		if typical == 0 {
			typical = constants.MicrosliceDescriptorSize
		}
		c.DescBufSizeExp = autosize.DescSizeExp(c.DataBufSizeExp, typical)
	}

	return c, nil
}

// basePortAddr formats the "host:port" a compute listens on / an input
// dials for compute j, given --base-port.
func basePortAddr(host string, basePort, computeIndex int) string {
	return fmt.Sprintf("%s:%d", host, basePort+computeIndex)
}
