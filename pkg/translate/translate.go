// Package translate orchestrates kernel and user stack translation for one
// sample: resolving each instruction pointer to a named frame, batching
// user-space offsets per DSO to amortize symbolizer lookups, and never
// failing a whole trace on one bad frame, per spec §4.6.
package translate

import (
	"github.com/tracehound/sysprof/pkg/ksym"
	"github.com/tracehound/sysprof/pkg/perfrecord"
	"github.com/tracehound/sysprof/pkg/procmap"
	"github.com/tracehound/sysprof/pkg/symbolize"
	"github.com/tracehound/sysprof/pkg/wire"
)

const (
	kernelSuffix = "_[k]"
	userSuffix   = "_[u]"

	kernelSymbolPath = "/proc/kallsyms"
	anonymousDso     = "anonymous"
)

// kernelResolver is the slice of ksym.Table this package depends on,
// narrowed to an interface so tests can fake it.
type kernelResolver interface {
	Resolve(ip uint64) (ksym.Symbol, error)
}

// userSymbolizer is the slice of symbolize.Symbolizer this package
// depends on, narrowed to an interface so tests can fake it.
type userSymbolizer interface {
	Resolve(dsoPath string, fileOffset uint64) (symbolize.Symbol, error)
}

// Translator resolves the kernel and user stacks of one sample into
// rendered frames.
type Translator struct {
	kernel     kernelResolver
	symbolizer userSymbolizer
	// newProcessMap is procmap.New by default; tests substitute a fake so
	// translation logic can be exercised without a real /proc/<pid>/maps.
	newProcessMap func(pid int) (*procmap.Map, error)
}

// New builds a Translator over the shared kernel symbol table and
// symbolizer.
func New(kernel *ksym.Table, symbolizer *symbolize.Symbolizer) *Translator {
	return &Translator{kernel: kernel, symbolizer: symbolizer, newProcessMap: procmap.New}
}

// TranslateKernel resolves a kernel stack trace (inner→outer, as
// delivered by the probe) into frames, one per ip. A single unresolved ip
// never fails the whole trace; it is rendered as "unknown_[k]" and
// translation continues. Order and count are preserved (spec §4.6).
func (t *Translator) TranslateKernel(ips []uint64) []perfrecord.Frame {
	frames := make([]perfrecord.Frame, len(ips))
	for i, ip := range ips {
		sym, err := t.kernel.Resolve(ip)
		name := perfrecord.UnknownSymbol + kernelSuffix
		if err == nil && sym.Name != "" && sym.Name != ksym.UnknownName {
			name = sym.Name + kernelSuffix
		}
		frames[i] = perfrecord.Frame{IP: ip, SymbolName: name, DsoPath: kernelSymbolPath, DsoOffset: ip}
	}
	return frames
}

// TranslateUser resolves a user stack trace for pid into frames, one per
// ip, in input order. Offsets landing in the same DSO are batched before
// symbolization and input order is restored afterward (spec §4.6: "a
// quality implementation batches offsets per DSO... then restores input
// order by carrying the original index").
func (t *Translator) TranslateUser(pid int, ips []uint64) []perfrecord.Frame {
	frames := make([]perfrecord.Frame, len(ips))

	pm, err := t.newProcessMap(pid)
	if err != nil {
		for i, ip := range ips {
			frames[i] = perfrecord.Frame{IP: ip, SymbolName: perfrecord.UnknownSymbol, DsoPath: anonymousDso, DsoOffset: ip}
		}
		return frames
	}

	type indexedOffset struct {
		index  int
		ip     uint64
		offset uint64
	}
	byDso := make(map[string][]indexedOffset)

	for i, ip := range ips {
		dsoPath, offset, err := pm.AbsAddr(ip)
		if err != nil {
			frames[i] = perfrecord.Frame{IP: ip, SymbolName: perfrecord.UnknownSymbol, DsoPath: anonymousDso, DsoOffset: ip}
			continue
		}
		byDso[dsoPath] = append(byDso[dsoPath], indexedOffset{index: i, ip: ip, offset: offset})
	}

	for dsoPath, offsets := range byDso {
		for _, io := range offsets {
			sym, err := t.symbolizer.Resolve(dsoPath, io.offset)
			if err != nil {
				frames[io.index] = perfrecord.Frame{IP: io.ip, SymbolName: perfrecord.UnknownSymbol, DsoPath: dsoPath, DsoOffset: io.offset}
				continue
			}
			name := sym.Name
			if name == "" {
				name = perfrecord.UnknownSymbol
			} else {
				name += userSuffix
			}
			frames[io.index] = perfrecord.Frame{IP: io.ip, SymbolName: name, DsoPath: dsoPath, DsoOffset: io.offset}
		}
	}

	// frames is written by original index above, so the batched,
	// DSO-grouped iteration above never needs an explicit final sort.
	return frames
}

// Translate assembles one aggregated PerfRecord for sample given its
// resolved kernel and user instruction-pointer traces (looked up from the
// probe's stack_traces map by sample.KernelStackID/UserStackID before
// this call) and its occurrence count over the window. Kernel frames
// precede user frames in the result, per spec §3.
func (t *Translator) Translate(sample wire.Sample, kernelIPs, userIPs []uint64, count uint64) perfrecord.Record {
	frames := make([]perfrecord.Frame, 0, len(kernelIPs)+len(userIPs))
	frames = append(frames, t.TranslateKernel(kernelIPs)...)
	frames = append(frames, t.TranslateUser(int(sample.Pid), userIPs)...)

	return perfrecord.Record{
		Tgid:    sample.Tgid,
		Pid:     sample.Pid,
		CPU:     sample.CPU,
		Cmdline: sample.CmdString(),
		Count:   count,
		Frames:  frames,
	}
}
