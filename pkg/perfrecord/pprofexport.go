package perfrecord

import (
	"fmt"
	"io"
	"time"

	"github.com/google/pprof/profile"
)

// PprofExporter accumulates Records into a github.com/google/pprof
// profile and writes it gzip-compressed on WriteTo, mirroring the
// teacher's own pprof-export command so the same symbolized stacks can
// additionally be opened with `go tool pprof` ([EXPANDED] output sink;
// TextFormatter remains the spec-mandated default).
type PprofExporter struct {
	window time.Duration

	prof *profile.Profile

	// funcIDs and locIDs dedupe by function name and by (ip, dso) so
	// repeated frames across records share one Location/Function entry,
	// the same economy the teacher's fillProfile applies per-pid/addr.
	funcIDs map[string]uint64
	locIDs  map[locKey]uint64
}

type locKey struct {
	ip  uint64
	dso string
}

// NewPprofExporter builds an exporter for one aggregation run. window is
// recorded as the profile's duration.
func NewPprofExporter(window time.Duration) *PprofExporter {
	return &PprofExporter{
		window: window,
		prof: &profile.Profile{
			SampleType: []*profile.ValueType{{Type: "samples", Unit: "count"}},
			PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
			TimeNanos:  0, // stamped by the caller after the run via SetTimeNanos
		},
		funcIDs: make(map[string]uint64),
		locIDs:  make(map[locKey]uint64),
	}
}

// SetTimeNanos stamps the profile's collection time. Exported so
// cmd/sysprof can supply a timestamp without this package calling
// time.Now() internally for every record.
func (p *PprofExporter) SetTimeNanos(t int64) {
	p.prof.TimeNanos = t
}

// Emit appends one record's frames as a pprof Sample, satisfying
// consumer.Emitter.
func (p *PprofExporter) Emit(r Record) error {
	locs := make([]*profile.Location, 0, len(r.Frames))
	for _, f := range r.Frames {
		locs = append(locs, p.locationFor(f))
	}
	p.prof.Sample = append(p.prof.Sample, &profile.Sample{
		Value:    []int64{int64(r.Count)},
		Location: locs,
		Label:    map[string][]string{"cmdline": {r.Cmdline}},
	})
	return nil
}

func (p *PprofExporter) locationFor(f Frame) *profile.Location {
	key := locKey{ip: f.IP, dso: f.DsoPath}
	if id, ok := p.locIDs[key]; ok {
		return p.findLocation(id)
	}

	fn := p.functionFor(f.SymbolName)
	id := uint64(len(p.prof.Location) + 1)
	loc := &profile.Location{
		ID:      id,
		Address: f.IP,
		Line:    []profile.Line{{Function: fn}},
	}
	p.prof.Location = append(p.prof.Location, loc)
	p.locIDs[key] = id
	return loc
}

func (p *PprofExporter) findLocation(id uint64) *profile.Location {
	for _, loc := range p.prof.Location {
		if loc.ID == id {
			return loc
		}
	}
	return nil
}

func (p *PprofExporter) functionFor(name string) *profile.Function {
	if id, ok := p.funcIDs[name]; ok {
		for _, fn := range p.prof.Function {
			if fn.ID == id {
				return fn
			}
		}
	}
	id := uint64(len(p.prof.Function) + 1)
	fn := &profile.Function{ID: id, Name: name, SystemName: name}
	p.prof.Function = append(p.prof.Function, fn)
	p.funcIDs[name] = id
	return fn
}

// WriteTo writes the accumulated profile to w. profile.Profile.Write
// gzip-encodes internally, matching the teacher's own profiler3 command.
func (p *PprofExporter) WriteTo(w io.Writer) error {
	p.prof.DurationNanos = int64(p.window)
	if err := p.prof.Write(w); err != nil {
		return fmt.Errorf("perfrecord: write pprof profile: %w", err)
	}
	return nil
}
