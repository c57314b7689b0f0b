package translate

import (
	"errors"
	"reflect"
	"testing"

	"github.com/tracehound/sysprof/pkg/ksym"
	"github.com/tracehound/sysprof/pkg/perfrecord"
	"github.com/tracehound/sysprof/pkg/procmap"
	"github.com/tracehound/sysprof/pkg/symbolize"
	"github.com/tracehound/sysprof/pkg/wire"
)

type fakeKernel map[uint64]string

func (f fakeKernel) Resolve(ip uint64) (ksym.Symbol, error) {
	if name, ok := f[ip]; ok {
		return ksym.Symbol{Addr: ip, Name: name}, nil
	}
	return ksym.Symbol{Addr: ip, Name: ksym.UnknownName}, nil
}

type fakeSymbolizer struct {
	symbols map[string]map[uint64]string
	failErr error
}

func (f *fakeSymbolizer) Resolve(dsoPath string, fileOffset uint64) (symbolize.Symbol, error) {
	if f.failErr != nil {
		return symbolize.Symbol{}, f.failErr
	}
	byOffset, ok := f.symbols[dsoPath]
	if !ok {
		return symbolize.Symbol{}, errors.New("no such dso")
	}
	name, ok := byOffset[fileOffset]
	if !ok {
		return symbolize.Symbol{}, errors.New("symbol not found")
	}
	return symbolize.Symbol{Addr: fileOffset, Name: name}, nil
}

func newTestTranslator(kernel fakeKernel, sym *fakeSymbolizer, pm *procmap.Map, pmErr error) *Translator {
	tr := &Translator{kernel: kernel, symbolizer: sym}
	tr.newProcessMap = func(pid int) (*procmap.Map, error) {
		if pmErr != nil {
			return nil, pmErr
		}
		return pm, nil
	}
	return tr
}

func TestTranslateKernelPreservesInputOrder(t *testing.T) {
	tr := newTestTranslator(fakeKernel{0x1000: "do_one", 0x2000: "do_two"}, nil, nil, nil)

	frames := tr.TranslateKernel([]uint64{0x2000, 0x1000})
	want := []perfrecord.Frame{
		{IP: 0x2000, SymbolName: "do_two_[k]", DsoPath: kernelSymbolPath, DsoOffset: 0x2000},
		{IP: 0x1000, SymbolName: "do_one_[k]", DsoPath: kernelSymbolPath, DsoOffset: 0x1000},
	}
	if !reflect.DeepEqual(frames, want) {
		t.Fatalf("got %+v, want %+v", frames, want)
	}
}

func TestTranslateKernelUnresolvedIsUnknown(t *testing.T) {
	tr := newTestTranslator(fakeKernel{}, nil, nil, nil)
	frames := tr.TranslateKernel([]uint64{0x9999})
	if frames[0].SymbolName != "unknown_[k]" {
		t.Fatalf("got %q", frames[0].SymbolName)
	}
}

func TestTranslateUserSingleDSO(t *testing.T) {
	pm := procmap.FromMappings([]procmap.Mapping{
		{Start: 0x400000, End: 0x500000, FileOffset: 0, Path: "/bin/a"},
	})
	sym := &fakeSymbolizer{symbols: map[string]map[uint64]string{
		"/bin/a": {0x120: "main"},
	}}
	tr := newTestTranslator(nil, sym, pm, nil)

	frames := tr.TranslateUser(1, []uint64{0x400120})
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].SymbolName != "main_[u]" || frames[0].DsoPath != "/bin/a" {
		t.Fatalf("got %+v", frames[0])
	}
}

func TestTranslateUserAnonymousMapping(t *testing.T) {
	pm := procmap.FromMappings(nil)
	tr := newTestTranslator(nil, &fakeSymbolizer{}, pm, nil)

	frames := tr.TranslateUser(1, []uint64{0xdead0000})
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].SymbolName != perfrecord.UnknownSymbol || frames[0].DsoPath != anonymousDso {
		t.Fatalf("got %+v", frames[0])
	}
}

func TestTranslateUserProcessGoneFallsBackToAnonymous(t *testing.T) {
	tr := newTestTranslator(nil, &fakeSymbolizer{}, nil, procmap.ErrProcessGone)
	frames := tr.TranslateUser(1, []uint64{0x1234})
	if frames[0].SymbolName != perfrecord.UnknownSymbol || frames[0].DsoPath != anonymousDso {
		t.Fatalf("got %+v", frames[0])
	}
}

func TestTranslateUserBatchesPerDSOAndRestoresOrder(t *testing.T) {
	pm := procmap.FromMappings([]procmap.Mapping{
		{Start: 0x400000, End: 0x500000, FileOffset: 0, Path: "/bin/a"},
		{Start: 0x700000, End: 0x800000, FileOffset: 0, Path: "/lib/b.so"},
	})
	sym := &fakeSymbolizer{symbols: map[string]map[uint64]string{
		"/bin/a":    {0x100: "main", 0x1f0: "work"},
		"/lib/b.so": {0x50: "helper"},
	}}
	tr := newTestTranslator(nil, sym, pm, nil)

	frames := tr.TranslateUser(1, []uint64{0x400100, 0x700050, 0x4001f0})
	want := []string{"main_[u]", "helper_[u]", "work_[u]"}
	for i, f := range frames {
		if f.SymbolName != want[i] {
			t.Fatalf("frame %d: got %q, want %q (full: %+v)", i, f.SymbolName, want[i], frames)
		}
	}
}

func TestTranslateAssemblesKernelThenUserFrames(t *testing.T) {
	kernel := fakeKernel{0x1001: "do_one"}
	pm := procmap.FromMappings([]procmap.Mapping{
		{Start: 0x400000, End: 0x500000, FileOffset: 0, Path: "/bin/a"},
	})
	sym := &fakeSymbolizer{symbols: map[string]map[uint64]string{
		"/bin/a": {0x120: "main", 0x200: "work"},
	}}
	tr := newTestTranslator(kernel, sym, pm, nil)

	var cmd [16]byte
	copy(cmd[:], "init")
	sample := wire.Sample{Tgid: 1, Pid: 1, CPU: 0, Cmd: cmd}

	rec := tr.Translate(sample, []uint64{0x1001}, []uint64{0x400120, 0x400200}, 1)
	if rec.Tgid != 1 || rec.CPU != 0 || rec.Cmdline != "init" || rec.Count != 1 {
		t.Fatalf("got %+v", rec)
	}
	want := []string{"do_one_[k]", "main_[u]", "work_[u]"}
	if len(rec.Frames) != 3 {
		t.Fatalf("expected 3 frames, got %d: %+v", len(rec.Frames), rec.Frames)
	}
	for i, f := range rec.Frames {
		if f.SymbolName != want[i] {
			t.Fatalf("frame %d: got %q, want %q", i, f.SymbolName, want[i])
		}
	}
}
