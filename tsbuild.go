package tsbuild

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-tsbuild/internal/constants"
	"github.com/ehrlich-b/go-tsbuild/internal/fabric"
	"github.com/ehrlich-b/go-tsbuild/internal/logging"
	"github.com/ehrlich-b/go-tsbuild/internal/procmgr"
	"github.com/ehrlich-b/go-tsbuild/internal/receiver"
	"github.com/ehrlich-b/go-tsbuild/internal/sender"
	"github.com/ehrlich-b/go-tsbuild/internal/shm"
	"github.com/ehrlich-b/go-tsbuild/internal/telemetry"
	"github.com/ehrlich-b/go-tsbuild/internal/wire"
)

// serveMetrics starts an HTTP server exposing reg at /metrics if addr is
// non-empty, returning a func that shuts it down. Mirrors the optional
// --metrics-addr flag of SPEC_FULL.md §3's prometheus wiring.
func serveMetrics(addr string, reg *prometheus.Registry, log *logging.Logger) func() {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnf("metrics server stopped: %v", err)
		}
	}()
	return func() { srv.Close() }
}

// RunInput drives one input node end to end (spec.md §4.1/§4.2): dials
// every compute, negotiates remote ring sizes, then runs the scheduler,
// status, and completion loops until ctx is canceled, cfg.MaxTimeslice
// is reached, or a connection group fails fatally.
func RunInput(ctx context.Context, cfg InputConfig, src sender.DescriptorSource) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := logging.Default().With("input", cfg.InputIndex)

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)
	if stop := serveMetrics(cfg.MetricsAddr, reg, log); stop != nil {
		defer stop()
	}

	caps := fabric.DefaultCapabilities()
	group := fabric.NewGroup(caps, cfg.CPUAffinity, cfg.InputIndex)
	maxPending := caps.MaxPendingWrites(len(cfg.ComputeAddrs))

	localPriv := wire.MarshalInputPrivateData(wire.InputPrivateData{Index: uint16(cfg.InputIndex)})

	conns := make([]*sender.SenderConnection, len(cfg.ComputeAddrs))
	for j, addr := range cfg.ComputeAddrs {
		addr := addr
		dial := func(dctx context.Context) (*fabric.Connection, []byte, error) {
			return fabric.Dial(dctx, addr, localPriv, nil, group)
		}
		c, priv, err := fabric.ConnectWithRetry(ctx, dial, log.With("compute", j))
		if err != nil {
			return Wrap("run_input.connect", CodeFabric, err)
		}
		cp, err := wire.UnmarshalComputePrivateData(priv)
		if err != nil {
			return Wrap("run_input.private_data", CodeFabric, err)
		}
		rings := sender.RingSizes{DataSizeExp: cp.DataBufSizeExp, DescSizeExp: cp.DescBufSizeExp}
		conns[j] = sender.NewSenderConnection(c, rings, maxPending)
	}

	schedCfg := sender.Config{
		InputIndex:   cfg.InputIndex,
		NumComputes:  len(conns),
		TSCore:       cfg.TSCore,
		TSOverlap:    cfg.TSOverlap,
		MaxTimeslice: cfg.MaxTimeslice,
		StatusTick:   cfg.StatusTick,
		CPUAffinity:  cfg.CPUAffinity,
	}
	ics := sender.NewInputChannelSender(schedCfg, src, conns)
	ics.SetMetrics(metrics)

	reporter := telemetry.NewReporter(ics, constants.StatusReportInterval)

	// ics.Run is the only loop with a natural end (TS_MAX reached, or
	// finalizeAll on ctx/Abort); the Serve loops and the reporter run
	// until told to stop. A locally owned cancel lets ics.Run's own
	// completion — not just an error or the caller's ctx — converge the
	// whole group, instead of Wait() blocking on loops nothing else
	// would ever signal to exit.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	for _, c := range conns {
		c := c
		g.Go(func() error { return c.Conn().Serve(group) })
	}
	g.Go(func() error { reporter.Run(gctx); return nil })
	// SIGINT/SIGTERM drives ics.Abort() directly rather than just
	// canceling ctx, so schedulerLoop always takes the cooperative
	// finalize(abort=true) path on a deliberate signal (spec.md §5, §7
	// kind 6) instead of racing the plain ctx.Done() path.
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			ics.Abort()
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		// Closing every connection once ics.Run returns — whether TS_MAX
		// was reached or the run was aborted — is what unblocks the
		// Serve loops above, which otherwise only return on an actual
		// socket close.
		defer func() {
			for _, c := range conns {
				c.Conn().Close()
			}
		}()
		return ics.Run(gctx)
	})
	return g.Wait()
}

// RunCompute drives one compute node end to end (spec.md §4.3/§4.4):
// listens for NumInputsLocal connections, builds the per-input
// shared-memory rings, spawns the processor pool, and runs the red-lantern
// and ts-completion loops until ctx is canceled or a connection group
// fails fatally.
func RunCompute(ctx context.Context, cfg ComputeConfig) error {
	cfg, err := cfg.Validate()
	if err != nil {
		return err
	}
	log := logging.Default().With("compute", cfg.ComputeIndex)

	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)
	if stop := serveMetrics(cfg.MetricsAddr, reg, log); stop != nil {
		defer stop()
	}

	prefix := fmt.Sprintf("tsbuild_c%d", cfg.ComputeIndex)
	n := uint64(cfg.NumInputsLocal)
	dataSegSize := n * (uint64(1) << cfg.DataBufSizeExp)
	descSegSize := n * (uint64(1) << cfg.DescBufSizeExp) * wire.TSCDSize

	// Exactly two named segments per compute process (spec.md §4.4
	// "Memory layout", §6): <prefix>_data sized N·2^D and <prefix>_desc
	// sized N·2^C·32, each input i taking slice [i·size,(i+1)·size).
	dataSeg, err := shm.Create(prefix+"_data", dataSegSize)
	if err != nil {
		return Wrap("run_compute.shm_data", CodeFabric, err)
	}
	defer func() { dataSeg.Close(); dataSeg.Unlink() }()
	descSeg, err := shm.Create(prefix+"_desc", descSegSize)
	if err != nil {
		return Wrap("run_compute.shm_desc", CodeFabric, err)
	}
	defer func() { descSeg.Close(); descSeg.Unlink() }()

	dataRings := make([]*shm.DataRing, cfg.NumInputsLocal)
	descRings := make([]*shm.DescRing, cfg.NumInputsLocal)
	for i := 0; i < cfg.NumInputsLocal; i++ {
		dataRings[i] = shm.NewDataRing(dataSeg, i, cfg.DataBufSizeExp)
		descRings[i] = shm.NewDescRing(descSeg, i, cfg.DescBufSizeExp)
	}

	workQueue, err := shm.CreateQueue(prefix + "_work_items")
	if err != nil {
		return Wrap("run_compute.work_queue", CodeFabric, err)
	}
	defer func() { workQueue.Close(); workQueue.Unlink() }()
	completionQueue, err := shm.CreateQueue(prefix + "_completions")
	if err != nil {
		return Wrap("run_compute.completion_queue", CodeFabric, err)
	}
	defer func() { completionQueue.Close(); completionQueue.Unlink() }()

	mgr := procmgr.New()
	for i := 0; i < cfg.ProcessorInstances; i++ {
		// Three args per spec.md:150: the shared-memory name (shared by
		// every processor instance backing this compute) and the two
		// message-queue names.
		_, err := mgr.Spawn(cfg.ProcessorExecutable,
			prefix, workQueue.Name(), completionQueue.Name())
		if err != nil {
			return Wrap("run_compute.spawn_processor", CodeProcessorDied, err)
		}
	}
	// On abort or clean shutdown, unblock any processor parked in Recv
	// on its own dialed socket with one sentinel per instance before
	// falling back to StopAll's SIGTERM (spec.md §4.4, §6). Declared
	// after defer mgr.StopAll() so it runs first.
	defer mgr.StopAll()
	defer func() {
		for i := 0; i < cfg.ProcessorInstances; i++ {
			_ = workQueue.Send(nil)
		}
		mgr.WaitAllExited(constants.ProcessorShutdownGrace)
	}()

	caps := fabric.DefaultCapabilities()
	group := fabric.NewGroup(caps, cfg.CPUAffinity, cfg.ComputeIndex)

	ln, err := fabric.Listen(cfg.ListenAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	conns := make([]*receiver.ReceiverConnection, cfg.NumInputsLocal)
	fconns := make([]*fabric.Connection, cfg.NumInputsLocal)
	localPriv := wire.MarshalComputePrivateData(wire.ComputePrivateData{
		Index:          uint16(cfg.ComputeIndex),
		DataBufSizeExp: cfg.DataBufSizeExp,
		DescBufSizeExp: cfg.DescBufSizeExp,
	})
	for i := 0; i < cfg.NumInputsLocal; i++ {
		dw := &inputDataWriter{data: dataRings[i], desc: descRings[i]}
		c, priv, err := fabric.Accept(ln, localPriv, dw, group)
		if err != nil {
			return Wrap("run_compute.accept", CodeFabric, err)
		}
		ip, err := wire.UnmarshalInputPrivateData(priv)
		if err != nil {
			return Wrap("run_compute.private_data", CodeFabric, err)
		}
		fconns[ip.Index] = c
		conns[ip.Index] = receiver.NewReceiverConnection(c, int(ip.Index), descRings[ip.Index])
	}

	cbCfg := receiver.Config{
		ComputeIndex:   cfg.ComputeIndex,
		NumInputs:      cfg.NumInputsLocal,
		TSCore:         cfg.TSCore,
		AckRingSize:    uint64(1) << cfg.DescBufSizeExp,
		DataBufSizeExp: cfg.DataBufSizeExp,
		DescBufSizeExp: cfg.DescBufSizeExp,
	}
	sink := shm.NewWorkItemQueue(workQueue)
	comp := shm.NewCompletionQueue(completionQueue)
	cb := receiver.NewComputeBuffer(cbCfg, conns, sink, comp)
	cb.SetMetrics(metrics)

	reporter := telemetry.NewReporter(cb, constants.StatusReportInterval)

	// cb.Run is the only loop with a natural end (ctx canceled, or the
	// completion queue's shutdown sentinel); the per-connection Serve and
	// statusBridgeLoop pairs and the reporter run until told to stop. A
	// locally owned cancel lets cb.Run's own completion converge the
	// whole group the same way RunInput's does.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	for i, c := range fconns {
		c := c
		g.Go(func() error {
			if err := c.Serve(group); err != nil {
				return Wrap("run_compute.serve", CodeDisconnected, err)
			}
			return nil
		})
		idx, rc := i, conns[i]
		g.Go(func() error { return statusBridgeLoop(gctx, idx, c, rc, cb) })
	}
	g.Go(func() error { reporter.Run(gctx); return nil })
	// SIGINT/SIGTERM drives cb.Abort() directly, the compute-side
	// analogue of RunInput's signal wiring (spec.md §5, §7 kind 6).
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			cb.Abort()
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		defer cancel()
		// Closing every connection once cb.Run returns (ctx canceled, or
		// the completion queue's shutdown sentinel) unblocks the Serve
		// and statusBridgeLoop goroutines above.
		defer func() {
			for _, c := range fconns {
				c.Close()
			}
		}()
		return cb.Run(gctx)
	})
	g.Go(func() error { return watchProcessors(gctx, mgr, log) })
	return g.Wait()
}

// statusBridgeLoop relays status frames from the fabric connection into
// the ReceiverConnection, then notifies the ComputeBuffer's red-lantern
// loop that input idx may have advanced (spec.md §4.4: "on every receive
// completion from i").
func statusBridgeLoop(ctx context.Context, idx int, c *fabric.Connection, rc *receiver.ReceiverConnection, cb *receiver.ComputeBuffer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case raw := <-c.StatusCh():
			if err := rc.OnRecvStatus(raw); err != nil {
				return err
			}
			if err := cb.OnReceiveCompletion(idx); err != nil {
				return err
			}
			if rc.Done() {
				return nil
			}
		}
	}
}

// watchProcessors surfaces an unexpected processor exit as a fatal error
// for this compute's errgroup, per spec.md §7 kind 7.
func watchProcessors(ctx context.Context, mgr *procmgr.Manager, log *logging.Logger) error {
	err := mgr.Wait(ctx)
	if err != nil {
		log.Errorf("processor died unexpectedly: %v", err)
		return Wrap("watch_processors", CodeProcessorDied, err)
	}
	return nil
}

// inputDataWriter adapts one input's data/desc rings to fabric.DataWriter.
type inputDataWriter struct {
	data *shm.DataRing
	desc *shm.DescRing
}

func (w *inputDataWriter) WriteData(offset uint64, p []byte) error {
	return w.data.WriteData(offset, p)
}

func (w *inputDataWriter) WriteDescriptor(offset uint64, tscd []byte) error {
	return w.desc.WriteDescriptor(offset, tscd)
}
