//go:build linux

package bpfprobe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/tracehound/sysprof/pkg/consumer"
	"github.com/tracehound/sysprof/pkg/wire"
)

// CountsMap adapts the probe's "counts" map (keyed by the wire record, per
// spec §6) to consumer.CountsMap.
type CountsMap struct {
	m *ebpf.Map
}

// NewCountsMap wraps m, the probe's "counts" eBPF map.
func NewCountsMap(m *ebpf.Map) *CountsMap { return &CountsMap{m: m} }

// Clear deletes every key currently in the map, matching the BPF map's
// iterate-then-delete idiom (cilium/ebpf has no bulk clear for hash maps
// on older kernels, so this mirrors the teacher's own per-key iteration).
func (c *CountsMap) Clear() error {
	var (
		key   [wire.RecordSize]byte
		value uint64
		keys  [][wire.RecordSize]byte
	)
	it := c.m.Iterate()
	for it.Next(&key, &value) {
		keys = append(keys, key)
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("bpfprobe: iterate counts map for clear: %w", err)
	}
	for _, k := range keys {
		if err := c.m.Delete(k); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return fmt.Errorf("bpfprobe: delete counts key: %w", err)
		}
	}
	return nil
}

// ReadAll decodes every (wire record, count) pair currently in the map.
func (c *CountsMap) ReadAll() ([]consumer.CountedSample, error) {
	var (
		key     [wire.RecordSize]byte
		value   uint64
		counted []consumer.CountedSample
	)
	it := c.m.Iterate()
	for it.Next(&key, &value) {
		sample, err := wire.Decode(key[:])
		if err != nil {
			return nil, fmt.Errorf("bpfprobe: decode counts key: %w", err)
		}
		counted = append(counted, consumer.CountedSample{Sample: sample, Count: value})
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("bpfprobe: iterate counts map: %w", err)
	}
	return counted, nil
}

// StackTraces adapts the probe's "stack_traces" map to
// consumer.StackTraceReader.
type StackTraces struct {
	m *ebpf.Map
}

// NewStackTraces wraps m, the probe's "stack_traces" eBPF map.
func NewStackTraces(m *ebpf.Map) *StackTraces { return &StackTraces{m: m} }

// Lookup decodes the instruction-pointer trace for stackID, trimming the
// trailing zero-filled tail of the fixed-depth BPF array (spec §4.6:
// "inner→outer as delivered").
func (s *StackTraces) Lookup(stackID int32) ([]uint64, error) {
	raw, err := s.m.LookupBytes(stackID)
	if err != nil {
		return nil, fmt.Errorf("bpfprobe: look up stack %d: %w", stackID, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("bpfprobe: stack %d not found", stackID)
	}

	var stack [stackDepth]uint64
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, stack[:]); err != nil {
		return nil, fmt.Errorf("bpfprobe: decode stack %d: %w", stackID, err)
	}
	return trace(stack), nil
}

// trace returns the non-zero prefix of a fixed-depth BPF stack array: the
// kernel zero-pads depths it didn't fill.
func trace(stack [stackDepth]uint64) []uint64 {
	for i, ip := range stack {
		if ip == 0 {
			return stack[:i]
		}
	}
	return stack[:]
}
