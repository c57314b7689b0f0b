//go:build linux

package bpfprobe

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/tracehound/sysprof/pkg/wire"
)

// SamplesChanSize is the SPSC channel's buffer depth between the ring
// reader goroutine and the consumer's window loop (spec §5).
const SamplesChanSize = 4096

// Counters is the subset of pkg/metrics the ring reader drives.
type Counters interface {
	IncRingBufferDrops()
}

// ReadSamples starts the ring-buffer reader goroutine (T1, spec §5): it
// blocks on (*ringbuf.Reader).Read in a loop, decodes each record with
// wire.Decode, and forwards it on the returned channel. The goroutine
// exits, closing the channel, when r is closed (typically by a
// context-cancellation-triggered Close from the caller) or on an
// unrecoverable read error.
func ReadSamples(r *ringbuf.Reader, metrics Counters, logger log.Logger) <-chan wire.Sample {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	out := make(chan wire.Sample, SamplesChanSize)

	go func() {
		defer close(out)
		for {
			record, err := r.Read()
			if err != nil {
				if errors.Is(err, ringbuf.ErrClosed) {
					return
				}
				level.Error(logger).Log("msg", "ring buffer read failed", "err", err)
				return
			}

			sample, err := wire.Decode(record.RawSample)
			if err != nil {
				level.Warn(logger).Log("msg", "dropped malformed ring buffer record", "err", err)
				continue
			}

			select {
			case out <- sample:
			default:
				// Consumer isn't draining fast enough; spec §7 treats this as
				// RingBufferBackpressure, observable as a counter, never an error.
				if metrics != nil {
					metrics.IncRingBufferDrops()
				}
			}
		}
	}()

	return out
}

// OpenRingBuf opens a ring-buffer reader over the probe's
// "RING_BUF_STACKS" map. The caller closes it (unblocking any in-flight
// Read in ReadSamples) as part of shutdown.
func (p *Probe) OpenRingBuf() (*ringbuf.Reader, error) {
	r, err := ringbuf.NewReader(p.RingBuf)
	if err != nil {
		return nil, fmt.Errorf("bpfprobe: open ring buffer reader: %w", err)
	}
	return r, nil
}
