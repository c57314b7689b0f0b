package procmap

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func writeMaps(t *testing.T, pid int, content string) {
	t.Helper()
	dir := filepath.Join("/proc", strconv.Itoa(pid))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Skipf("cannot create %s in this sandbox: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "maps"), []byte(content), 0o644); err != nil {
		t.Skipf("cannot write %s/maps in this sandbox: %v", dir, err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
}

func TestParseLineFiltersPermissions(t *testing.T) {
	cases := []struct {
		perms string
		want  bool
	}{
		{"r-xp", true},
		{"r-xs", true},
		{"rwxp", false}, // writable is excluded even though executable
		{"rw-p", false},
		{"r--p", false},
		{"---p", false},
	}
	for _, c := range cases {
		line := "00400000-00401000 " + c.perms + " 00000000 08:01 1234567 /bin/true"
		mapping, ok, err := parseLine(line)
		if err != nil {
			t.Fatalf("perms %q: unexpected error: %v", c.perms, err)
		}
		if ok != c.want {
			t.Fatalf("perms %q: got ok=%v, want %v (mapping=%+v)", c.perms, ok, c.want, mapping)
		}
	}
}

func TestParseLineAnonymousMapping(t *testing.T) {
	mapping, ok, err := parseLine("00400000-00401000 r-xp 00000000 00:00 0")
	if err != nil || !ok {
		t.Fatalf("unexpected: ok=%v err=%v", ok, err)
	}
	if !mapping.Anonymous {
		t.Fatal("mapping with no pathname should be anonymous")
	}
}

func TestParseLineStackAndVDSOAreAnonymous(t *testing.T) {
	for _, name := range []string{"[stack]", "[vdso]", "[heap]"} {
		line := "7f0000000000-7f0000001000 r-xp 00000000 00:00 0 " + name
		mapping, ok, err := parseLine(line)
		if err != nil || !ok {
			t.Fatalf("%s: unexpected ok=%v err=%v", name, ok, err)
		}
		if !mapping.Anonymous {
			t.Fatalf("%s should be treated as anonymous", name)
		}
	}
}

func TestResolvePathsStripsDeletedSuffixAndRewritesRoot(t *testing.T) {
	m := &Map{
		rootView: "/proc/4242/root",
		mappings: []Mapping{
			{Start: 0x1000, End: 0x2000, Path: "/usr/lib/libfoo.so (deleted)"},
			{Start: 0x2000, End: 0x3000, Path: "/usr/lib/libbar.so"},
		},
	}
	m.resolvePaths()

	if m.mappings[0].Path != "/proc/4242/root/usr/lib/libfoo.so" {
		t.Fatalf("deleted suffix not stripped/rewritten: %s", m.mappings[0].Path)
	}
	if m.mappings[1].Path != "/proc/4242/root/usr/lib/libbar.so" {
		t.Fatalf("path not rewritten under root view: %s", m.mappings[1].Path)
	}
}

func TestAbsAddrTranslatesOffset(t *testing.T) {
	m := &Map{
		mappings: []Mapping{
			{Start: 0x1000, End: 0x2000, FileOffset: 0x500, Path: "/lib/libfoo.so"},
		},
	}
	path, off, err := m.AbsAddr(0x1010)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/lib/libfoo.so" || off != 0x510 {
		t.Fatalf("got path=%s off=0x%x", path, off)
	}
}

func TestAbsAddrAnonymousMappingErrors(t *testing.T) {
	m := &Map{
		mappings: []Mapping{
			{Start: 0x1000, End: 0x2000, Anonymous: true},
		},
	}
	_, _, err := m.AbsAddr(0x1500)
	if !errors.Is(err, ErrNoBackingFile) {
		t.Fatalf("want ErrNoBackingFile, got %v", err)
	}
}

func TestAbsAddrNoMappingContainsAddr(t *testing.T) {
	m := &Map{}
	if _, _, err := m.AbsAddr(0x1234); err == nil {
		t.Fatal("expected error for address not covered by any mapping")
	}
}

func TestNewFiltersAndOrdersMappings(t *testing.T) {
	pid := os.Getpid()*131 + 7919 // a pid-ish number unlikely to collide
	content := "" +
		"00400000-00401000 r-xp 00000000 08:01 1001 /bin/true\n" +
		"00600000-00601000 rw-p 00000000 08:01 1001 /bin/true\n" +
		"7f0000000000-7f0000001000 r-xp 00000000 08:01 1002 /usr/lib/libc.so\n" +
		"7ffff0000000-7ffff0001000 r-xp 00000000 00:00 0 [vdso]\n"
	writeMaps(t, pid, content)

	m, err := New(pid)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mappings := m.Mappings()
	if len(mappings) != 3 {
		t.Fatalf("expected 3 retained mappings (rw- excluded), got %d: %+v", len(mappings), mappings)
	}
	if mappings[0].Start != 0x400000 {
		t.Fatalf("expected input order preserved, got first=%+v", mappings[0])
	}
	if !mappings[2].Anonymous {
		t.Fatal("vdso mapping should be anonymous")
	}
}

func TestNewNonexistentProcessIsProcessGone(t *testing.T) {
	_, err := New(1<<30 - 1)
	if !errors.Is(err, ErrProcessGone) {
		t.Fatalf("want ErrProcessGone, got %v", err)
	}
}
