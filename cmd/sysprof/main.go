//go:build linux

// Program sysprof samples whole-system CPU usage through a kernel probe
// and symbolizes the resulting stacks into kernel and user frames, per
// spec.md's user-space symbolization pipeline.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tracehound/sysprof/pkg/bpfprobe"
	"github.com/tracehound/sysprof/pkg/consumer"
	"github.com/tracehound/sysprof/pkg/ksym"
	"github.com/tracehound/sysprof/pkg/metrics"
	"github.com/tracehound/sysprof/pkg/perfrecord"
	"github.com/tracehound/sysprof/pkg/profopts"
	"github.com/tracehound/sysprof/pkg/symbolize"
	"github.com/tracehound/sysprof/pkg/symstore"
	"github.com/tracehound/sysprof/pkg/translate"
)

func main() {
	exitCode := 1
	defer func() { os.Exit(exitCode) }()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var opts profopts.Options
	parser := kong.Must(&opts,
		kong.Name("sysprof"),
		kong.Description("Whole-system CPU sampling profiler."),
	)
	if _, err := parser.Parse(os.Args[1:]); err != nil {
		level.Error(logger).Log("msg", "failed to parse flags", "err", err)
		return
	}
	applyExplicitSetFlags(&opts, os.Args[1:])

	if err := opts.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid flags", "err", err)
		return
	}

	if err := run(&opts, logger); err != nil {
		level.Error(logger).Log("msg", "sysprof exited with an error", "err", err)
		return
	}
	exitCode = 0
}

// applyExplicitSetFlags records whether --pid/--cpu were actually given on
// the command line, since kong decodes a plain uint32 the same way
// whether it was given as 0 or omitted entirely (profopts.Options.Validate
// needs to tell those apart).
func applyExplicitSetFlags(opts *profopts.Options, args []string) {
	for i, a := range args {
		switch {
		case a == "--pid" && i+1 < len(args):
			opts.WithPID(opts.PID)
		case len(a) > 6 && a[:6] == "--pid=":
			opts.WithPID(opts.PID)
		case a == "--cpu" && i+1 < len(args):
			opts.WithCPU(opts.CPU)
		case len(a) > 6 && a[:6] == "--cpu=":
			opts.WithCPU(opts.CPU)
		}
	}
}

func run(opts *profopts.Options, logger log.Logger) error {
	level.Info(logger).Log("msg", "loading probe", "bpf_object", opts.BPFObject, "mode", modeName(opts.Mode()))

	probe, err := bpfprobe.Load(opts.BPFObject)
	if err != nil {
		return fmt.Errorf("load probe: %w", err)
	}
	defer probe.Close()

	attached, err := bpfprobe.Attach(probe, opts)
	if err != nil {
		return fmt.Errorf("attach probe: %w", err)
	}
	defer closeAll(attached)

	ring, err := probe.OpenRingBuf()
	if err != nil {
		return fmt.Errorf("open ring buffer: %w", err)
	}
	defer ring.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	if opts.MetricsAddr != "" {
		serveMetrics(opts.MetricsAddr, registry, logger)
	}

	kernel := ksym.New(opts.Rootfs)
	store, err := symstore.New(symstore.DefaultCapacity)
	if err != nil {
		return fmt.Errorf("create symbol store: %w", err)
	}
	symbolizer := symbolize.New(opts.Rootfs, store)
	translator := translate.New(kernel, symbolizer)

	emitters, closeEmitters, err := buildEmitters(opts)
	if err != nil {
		return err
	}
	defer closeEmitters()

	samples := bpfprobe.ReadSamples(ring, m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &consumer.Consumer{
		Samples:      samples,
		StackTraces:  bpfprobe.NewStackTraces(probe.StackTraces),
		Counts:       bpfprobe.NewCountsMap(probe.Counts),
		Translator:   translator,
		Emitters:     emitters,
		Window:       opts.Duration,
		PollInterval: consumer.DefaultPollInterval,
		SkipIdle:     opts.SkipIdle,
		Metrics:      m,
		Logger:       logger,
	}

	level.Info(logger).Log("msg", "sampling started", "window", opts.Duration, "frequency", opts.Frequency)
	return c.Run(ctx)
}

// buildEmitters always includes the text formatter on stdout (spec's
// mandated default sink) plus any [EXPANDED] sinks the flags request. The
// returned func flushes and closes every file-backed sink on shutdown.
func buildEmitters(opts *profopts.Options) ([]consumer.Emitter, func(), error) {
	emitters := []consumer.Emitter{perfrecord.NewTextFormatter(os.Stdout)}
	var finalizers []func() error

	if opts.Pprof != "" {
		f, err := os.Create(opts.Pprof)
		if err != nil {
			return nil, nil, fmt.Errorf("create pprof output %s: %w", opts.Pprof, err)
		}
		exp := perfrecord.NewPprofExporter(opts.Duration)
		emitters = append(emitters, exp)
		finalizers = append(finalizers, func() error {
			defer f.Close()
			return exp.WriteTo(f)
		})
	}

	if opts.Folded != "" {
		f, err := os.OpenFile(opts.Folded, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("create folded output %s: %w", opts.Folded, err)
		}
		emitters = append(emitters, perfrecord.NewFoldedFormatter(f))
		finalizers = append(finalizers, f.Close)
	}

	closeFn := func() {
		for _, fn := range finalizers {
			_ = fn()
		}
	}
	return emitters, closeFn, nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, logger log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			level.Error(logger).Log("msg", "metrics server stopped", "err", err)
		}
	}()
}

func modeName(m profopts.Mode) string {
	switch m {
	case profopts.ModeKprobe:
		return "kprobe"
	case profopts.ModeUprobe:
		return "uprobe"
	case profopts.ModeTracepoint:
		return "tracepoint"
	default:
		return "pmu"
	}
}
