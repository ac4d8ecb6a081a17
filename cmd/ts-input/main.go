// Command ts-input runs one input node of the timeslice-building core: it
// reads microslices from a pattern generator (real detector producers are
// out of scope, spec.md §1) and streams timeslice components to every
// compute it is configured to serve.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	tsbuild "github.com/ehrlich-b/go-tsbuild"
	"github.com/ehrlich-b/go-tsbuild/internal/constants"
	"github.com/ehrlich-b/go-tsbuild/internal/logging"
	"github.com/ehrlich-b/go-tsbuild/internal/patterngen"
)

func main() {
	var (
		inputIndex   int
		outputs      []string
		timesliceSz  uint64
		overlapSz    uint64
		maxTimeslice uint64
		basePort     int
		metricsAddr  string
		contentSize  uint32
		dataSizeExp  uint8
		descSizeExp  uint8
	)

	cmd := &cobra.Command{
		Use:   "ts-input",
		Short: "Run one input node of the timeslice-building core",
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs := make([]string, len(outputs))
			for i, o := range outputs {
				addrs[i] = resolveAddr(o, basePort, i)
			}

			cfg := tsbuild.DefaultInputConfig()
			cfg.InputIndex = inputIndex
			cfg.ComputeAddrs = addrs
			cfg.MetricsAddr = metricsAddr
			if timesliceSz > 0 {
				cfg.TSCore = timesliceSz
			}
			cfg.TSOverlap = overlapSz
			cfg.MaxTimeslice = maxTimeslice

			log := logging.Default().With("input", inputIndex)
			src := patterngen.New(dataSizeExp, descSizeExp, uint64(inputIndex), contentSize)

			// RunInput installs its own SIGINT/SIGTERM handling and drives
			// a cooperative abort directly; ctx here only bounds the
			// process's overall lifetime.
			ctx := context.Background()
			installStackDumpHandler(log)

			log.Info("starting input node", "computes", addrs, "ts_core", cfg.TSCore)
			err := tsbuild.RunInput(ctx, cfg, src)
			if err != nil && !tsbuild.IsCode(err, tsbuild.CodeAborted) {
				log.Error("input node exited with error", "error", err)
				return err
			}
			log.Info("input node stopped cleanly")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&inputIndex, "input-index", "i", 0, "this input's index")
	flags.StringArrayVarP(&outputs, "output", "O", nil, "compute endpoint (host or host:port), repeatable")
	flags.Uint64Var(&timesliceSz, "timeslice-size", constants.DefaultTimesliceSize, "TS_CORE, microslices per timeslice")
	flags.Uint64Var(&overlapSz, "overlap-size", constants.DefaultOverlapSize, "TS_OVERLAP, overlap microslices per timeslice")
	flags.Uint64VarP(&maxTimeslice, "max-timeslice-number", "n", 0, "stop after this many timeslices (0 = unbounded)")
	flags.IntVar(&basePort, "base-port", constants.DefaultBasePort, "base TCP port; compute j listens on base-port+j")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "address to expose Prometheus /metrics on (empty disables)")
	flags.Uint32Var(&contentSize, "typical-content-size", 1024, "typical pattern-generator microslice payload size, rounded down to 8 bytes")
	flags.Uint8Var(&dataSizeExp, "in-data-buffer-size-exp", constants.DefaultDataBufferSizeExp, "producer-local data ring size exponent")
	flags.Uint8Var(&descSizeExp, "in-desc-buffer-size-exp", constants.DefaultDescBufferSizeExp, "producer-local descriptor ring size exponent")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveAddr turns a bare host or an explicit host:port --output value
// into the address this input dials, defaulting the port to
// base-port+computeIndex per spec.md §6.
func resolveAddr(out string, basePort, computeIndex int) string {
	if strings.Contains(out, ":") {
		return out
	}
	return fmt.Sprintf("%s:%d", out, basePort+computeIndex)
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
			name := fmt.Sprintf("ts-input-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(name); err == nil {
				f.Write(buf[:n])
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				log.Info("wrote stack dump", "file", name)
			}
		}
	}()
}
