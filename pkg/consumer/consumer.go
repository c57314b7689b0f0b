// Package consumer owns the window loop: draining the probe's sample
// channel, clearing and reading the in-kernel aggregation map at window
// boundaries, and handing each aggregated stack to the translator and
// formatter, per spec §4.7.
package consumer

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/tracehound/sysprof/pkg/perfrecord"
	"github.com/tracehound/sysprof/pkg/wire"
)

// Translator is the slice of *translate.Translator this package depends
// on, narrowed to an interface so tests can fake it without constructing
// a real kernel table, symbolizer, and process map.
type Translator interface {
	Translate(sample wire.Sample, kernelIPs, userIPs []uint64, count uint64) perfrecord.Record
}

// DefaultWindow and DefaultPollInterval match spec §4.7/§5 defaults.
const (
	DefaultWindow       = 5 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// CountedSample is one (sample, occurrence count) pair as read from the
// kernel's counts map at window end.
type CountedSample struct {
	Sample wire.Sample
	Count  uint64
}

// CountsMap is the probe-exposed "counts" map (spec §6): keyed by the
// wire record, cleared at window start, read once at window end.
type CountsMap interface {
	Clear() error
	ReadAll() ([]CountedSample, error)
}

// StackTraceReader is the probe-exposed "stack_traces" map: a stack
// handle exchanges for its instruction-pointer trace, innermost first.
type StackTraceReader interface {
	Lookup(stackID int32) ([]uint64, error)
}

// Emitter receives one aggregated record per emitted stack. Satisfied by
// perfrecord.TextFormatter and perfrecord.PprofExporter.
type Emitter interface {
	Emit(perfrecord.Record) error
}

// Counters is the subset of pkg/metrics this package drives; satisfied by
// *metrics.Metrics, narrowed here so consumer doesn't import prometheus
// directly.
type Counters interface {
	IncSamplesConsumed()
	IncWindowsEmitted()
	IncRingBufferDrops()
}

// Consumer runs the window loop described in spec §4.7.
type Consumer struct {
	Samples     <-chan wire.Sample
	StackTraces StackTraceReader
	Counts      CountsMap
	Translator  Translator
	Emitters    []Emitter

	Window       time.Duration
	PollInterval time.Duration
	SkipIdle     bool

	Metrics Counters
	Logger  log.Logger

	// userCounts is the user-side counted mapping spec §4.7 step 3
	// requires: a fingerprint-keyed tally built from every sample drained
	// off the channel, complementary to (and reset in lockstep with) the
	// in-kernel counts map, which remains the authoritative source for
	// emitted records.
	userCounts map[wire.Fingerprint]uint64
}

// Run drives the window loop until ctx is cancelled or the sample
// channel is closed. It returns nil on ordinary shutdown; a non-nil error
// only for a fatal condition raised while clearing or reading the counts
// map (spec §7: per-sample/per-frame errors are absorbed, never this).
func (c *Consumer) Run(ctx context.Context) error {
	window := c.Window
	if window <= 0 {
		window = DefaultWindow
	}
	poll := c.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	logger := c.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	if err := c.Counts.Clear(); err != nil {
		return err
	}
	c.userCounts = make(map[wire.Fingerprint]uint64)
	windowStart := time.Now()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case s, ok := <-c.Samples:
			if !ok {
				return nil
			}
			if c.SkipIdle && s.IsKernelIdle() {
				continue
			}
			c.userCounts[s.Fingerprint()]++
			if c.Metrics != nil {
				c.Metrics.IncSamplesConsumed()
			}

		case <-ticker.C:
			// Wakes the loop so a quiet channel doesn't delay the window
			// boundary check below past one poll interval (spec §5).
		}

		if time.Since(windowStart) > window {
			if err := c.emitWindow(logger); err != nil {
				return err
			}
			if err := c.Counts.Clear(); err != nil {
				return err
			}
			c.userCounts = make(map[wire.Fingerprint]uint64)
			windowStart = time.Now()
		}
	}
}

// emitWindow reads the kernel counts map once — its contents at the
// moment of the read define the window's aggregate (spec §4.7) — and
// hands each counted sample to the translator and every emitter.
func (c *Consumer) emitWindow(logger log.Logger) error {
	counted, err := c.Counts.ReadAll()
	if err != nil {
		return err
	}

	for _, cs := range counted {
		if c.SkipIdle && cs.Sample.IsKernelIdle() {
			continue
		}
		record := c.translate(cs)
		for _, e := range c.Emitters {
			if err := e.Emit(record); err != nil {
				level.Warn(logger).Log("msg", "failed to emit perf record", "err", err)
			}
		}
	}

	if c.Metrics != nil {
		c.Metrics.IncWindowsEmitted()
	}
	return nil
}

func (c *Consumer) translate(cs CountedSample) perfrecord.Record {
	var kernelIPs, userIPs []uint64

	if cs.Sample.KernelStackID != nil {
		if ips, err := c.StackTraces.Lookup(*cs.Sample.KernelStackID); err == nil {
			kernelIPs = ips
		}
	}
	if cs.Sample.UserStackID != nil {
		if ips, err := c.StackTraces.Lookup(*cs.Sample.UserStackID); err == nil {
			userIPs = ips
		}
	}

	return c.Translator.Translate(cs.Sample, kernelIPs, userIPs, cs.Count)
}
