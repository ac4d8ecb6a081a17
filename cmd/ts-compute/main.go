// Command ts-compute runs one compute node of the timeslice-building
// core: it accepts connections from every configured input, builds
// complete timeslices in shared memory, and hands them off to a pool of
// processor child processes (out of scope themselves, spec.md §1).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	tsbuild "github.com/ehrlich-b/go-tsbuild"
	"github.com/ehrlich-b/go-tsbuild/internal/constants"
	"github.com/ehrlich-b/go-tsbuild/internal/logging"
)

func main() {
	var (
		outputIndex    int
		inputs         []string
		numInputs      int
		timesliceSz    uint64
		dataSizeExp    uint8
		descSizeExp    uint8
		autoData       bool
		autoDesc       bool
		typicalContent uint64
		processorExe   string
		processorCount int
		basePort       int
		listenHost     string
		metricsAddr    string
	)

	cmd := &cobra.Command{
		Use:   "ts-compute",
		Short: "Run one compute node of the timeslice-building core",
		RunE: func(cmd *cobra.Command, args []string) error {
			n := numInputs
			if n == 0 {
				n = len(inputs)
			}
			if n == 0 {
				return tsbuild.New("ts-compute.main", tsbuild.CodeConfig, "at least one input is required (--input or --num-inputs)")
			}

			cfg := tsbuild.DefaultComputeConfig()
			cfg.ComputeIndex = outputIndex
			cfg.NumInputsLocal = n
			cfg.ListenAddr = fmt.Sprintf("%s:%d", listenHost, basePort+outputIndex)
			cfg.ProcessorExecutable = processorExe
			cfg.ProcessorInstances = processorCount
			cfg.MetricsAddr = metricsAddr
			if timesliceSz > 0 {
				cfg.TSCore = timesliceSz
			}
			cfg.AutoSizeData = autoData
			cfg.AutoSizeDesc = autoDesc
			cfg.TypicalContentSize = typicalContent
			if !autoData {
				cfg.DataBufSizeExp = dataSizeExp
			}
			if !autoDesc {
				cfg.DescBufSizeExp = descSizeExp
			}

			log := logging.Default().With("compute", outputIndex)

			// RunCompute installs its own SIGINT/SIGTERM handling and
			// drives a cooperative abort directly; ctx here only bounds
			// the process's overall lifetime.
			ctx := context.Background()
			installStackDumpHandler(log)

			log.Info("starting compute node", "listen", cfg.ListenAddr, "num_inputs", n, "processor", processorExe)
			err := tsbuild.RunCompute(ctx, cfg)
			if err != nil && !tsbuild.IsCode(err, tsbuild.CodeAborted) {
				log.Error("compute node exited with error", "error", err)
				return err
			}
			log.Info("compute node stopped cleanly")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&outputIndex, "output-index", "o", 0, "this compute's index")
	flags.StringArrayVarP(&inputs, "input", "I", nil, "input label this compute accepts a connection from, repeatable (count sets --num-inputs if unset)")
	flags.IntVar(&numInputs, "num-inputs", 0, "number of local input connections to accept (overrides len(--input))")
	flags.Uint64Var(&timesliceSz, "timeslice-size", constants.DefaultTimesliceSize, "TS_CORE, must match every input's setting")
	flags.Uint8Var(&dataSizeExp, "cn-data-buffer-size-exp", constants.DefaultDataBufferSizeExp, "per-input data ring size exponent")
	flags.Uint8Var(&descSizeExp, "cn-desc-buffer-size-exp", constants.DefaultDescBufferSizeExp, "per-input descriptor ring size exponent")
	flags.BoolVar(&autoData, "auto-size-data", false, "auto-size the data ring from physical RAM (internal/autosize)")
	flags.BoolVar(&autoDesc, "auto-size-desc", false, "auto-size the descriptor ring from the data ring and typical content size")
	flags.Uint64Var(&typicalContent, "typical-content-size", 0, "typical microslice payload size, used only by --auto-size-desc")
	flags.StringVarP(&processorExe, "processor-executable", "e", "", "path to the processor child-process executable")
	flags.IntVar(&processorCount, "processor-instances", constants.DefaultProcessorInstances, "number of processor child processes to spawn")
	flags.IntVar(&basePort, "base-port", constants.DefaultBasePort, "base TCP port; this compute listens on base-port+output-index")
	flags.StringVar(&listenHost, "listen-host", "0.0.0.0", "interface to listen on")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address to expose Prometheus /metrics on (empty disables)")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// installStackDumpHandler dumps all goroutine stacks to stderr and a file
// on SIGUSR1, the teacher's debugging convention.
func installStackDumpHandler(log *logging.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	go func() {
		for range ch {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			name := fmt.Sprintf("ts-compute-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(name); err == nil {
				f.Write(buf[:n])
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				log.Info("wrote stack dump", "file", name)
			}
		}
	}()
}
