// Package profopts holds the profiler's run options and the
// cross-field validation kong's struct tags cannot express, per
// SPEC_FULL.md's expanded CLI section and spec §6's flag surface.
package profopts

import (
	"fmt"
	"strings"
	"time"
)

// Options mirrors the CLI flags in spec §6. cmd/sysprof hands this struct
// to kong, which reads the flag definitions from the tags below.
type Options struct {
	PID uint32 `kong:"help='Profile one process, any CPU.'"`
	CPU uint32 `kong:"help='Profile all processes on one CPU.'"`

	Duration  time.Duration `kong:"default='5s',help='Aggregation window length.'"`
	Frequency uint64        `kong:"default='99',help='Sampling rate in Hz.'"`
	SkipIdle  bool          `kong:"default='true',negatable,help='Discard kernel-idle (swapper) samples before translation.'"`

	Kprobe     string `kong:"help='Attach to a kprobe instead of PMU sampling.'"`
	Uprobe     string `kong:"help='Attach to a uprobe instead of PMU sampling.'"`
	Tracepoint string `kong:"help='Attach to a tracepoint, as category:name, instead of PMU sampling.'"`

	Rootfs     string `kong:"default='/',help='Root filesystem view DSO paths are resolved under.'"`
	BPFObject  string `kong:"name='bpf-object',help='Path to the compiled eBPF object; defaults to the embedded build.'"`
	MetricsAddr string `kong:"name='metrics-addr',help='Serve Prometheus metrics on this address, e.g. :9090.'"`
	Pprof      string `kong:"help='Write a gzip-compressed pprof profile to this path on shutdown.'"`
	Folded     string `kong:"help='Write folded-stack lines to this path, one aggregation window appended at a time.'"`

	pidSet bool
	cpuSet bool
}

// WithPID and WithCPU record that --pid/--cpu were explicitly set, since
// kong cannot distinguish "flag given as zero" from "flag omitted" for a
// plain uint32 field. cmd/sysprof calls these from applyExplicitSetFlags,
// which scans the raw arguments after kong parsing and before Validate.
func (o *Options) WithPID(v uint32) { o.PID = v; o.pidSet = true }
func (o *Options) WithCPU(v uint32) { o.CPU = v; o.cpuSet = true }

// Validate enforces the two mutual-exclusivity rules spec §6 states but
// kong's tag language cannot express: exactly one of {pid, cpu,
// all-CPUs-default} is active, and the probe-attach flags are mutually
// exclusive with each other and with PMU sampling.
func (o *Options) Validate() error {
	if o.pidSet && o.cpuSet {
		return fmt.Errorf("profopts: --pid and --cpu are mutually exclusive")
	}

	probeFlags := map[string]string{
		"kprobe":     o.Kprobe,
		"uprobe":     o.Uprobe,
		"tracepoint": o.Tracepoint,
	}
	var set []string
	for name, v := range probeFlags {
		if v != "" {
			set = append(set, name)
		}
	}
	if len(set) > 1 {
		return fmt.Errorf("profopts: %s are mutually exclusive", strings.Join(set, ", "))
	}
	if len(set) == 1 && (o.pidSet || o.cpuSet) {
		return fmt.Errorf("profopts: %s is mutually exclusive with --pid/--cpu sampling", set[0])
	}

	if o.Duration <= 0 {
		return fmt.Errorf("profopts: --duration must be positive, got %s", o.Duration)
	}
	if o.Frequency == 0 {
		return fmt.Errorf("profopts: --frequency must be positive")
	}
	if o.Tracepoint != "" && !strings.Contains(o.Tracepoint, ":") {
		return fmt.Errorf("profopts: --tracepoint must be category:name, got %q", o.Tracepoint)
	}

	return nil
}

// Mode reports which attach mode is active, for logging and bpfprobe
// dispatch.
type Mode int

const (
	ModePMU Mode = iota
	ModeKprobe
	ModeUprobe
	ModeTracepoint
)

func (o *Options) Mode() Mode {
	switch {
	case o.Kprobe != "":
		return ModeKprobe
	case o.Uprobe != "":
		return ModeUprobe
	case o.Tracepoint != "":
		return ModeTracepoint
	default:
		return ModePMU
	}
}

// PIDSet and CPUSet expose the explicit-set tracking to bpfprobe, which
// needs to know whether to target one pid, one cpu, or every cpu.
func (o *Options) PIDSet() bool { return o.pidSet }
func (o *Options) CPUSet() bool { return o.cpuSet }
