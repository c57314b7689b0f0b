// Package metrics exposes the counters that make RingBufferBackpressure
// and window/consumption throughput observable, per spec §7
// ("Observable as a counter; not an error") and SPEC_FULL.md's expanded
// metrics surface.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters consumer.Consumer drives over one process
// lifetime.
type Metrics struct {
	ringBufferDrops prometheus.Counter
	samplesConsumed prometheus.Counter
	windowsEmitted  prometheus.Counter
}

// New registers the counters against reg and returns a Metrics ready for
// use. reg is typically prometheus.NewRegistry() or
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ringBufferDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sysprof",
			Name:      "ring_buffer_drops_total",
			Help:      "Decoded ring-buffer samples dropped because the consumer channel was full; drops inside the kernel probe are not counted.",
		}),
		samplesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sysprof",
			Name:      "samples_consumed_total",
			Help:      "Stack samples read from the probe's ring buffer, excluding those filtered as kernel-idle.",
		}),
		windowsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sysprof",
			Name:      "windows_emitted_total",
			Help:      "Aggregation windows whose counted samples were translated and emitted.",
		}),
	}
	reg.MustRegister(m.ringBufferDrops, m.samplesConsumed, m.windowsEmitted)
	return m
}

// IncRingBufferDrops records one sample read from the ring buffer and
// dropped because the consumer channel was full. Samples the kernel probe
// fails to write into the ring buffer are not counted here.
func (m *Metrics) IncRingBufferDrops() { m.ringBufferDrops.Inc() }

// IncSamplesConsumed records one non-idle sample read from the ring
// buffer.
func (m *Metrics) IncSamplesConsumed() { m.samplesConsumed.Inc() }

// IncWindowsEmitted records one aggregation window's worth of records
// handed to the emitters.
func (m *Metrics) IncWindowsEmitted() { m.windowsEmitted.Inc() }
