// Package procmap parses the filtered, executable-and-not-writable view of
// one process's memory map (/proc/<pid>/maps) and resolves virtual
// addresses to a DSO path and file offset, per spec §4.2.
package procmap

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// deletedSuffix marks a mapping whose backing file was unlinked after the
// mapping was created; the kernel appends it to the pathname in /proc/*/maps.
const deletedSuffix = " (deleted)"

// ErrProcessGone means the process's maps file could not be read — it
// exited, or we lack permission, between sample capture and lookup.
var ErrProcessGone = errors.New("procmap: process gone")

// ErrNoBackingFile means a virtual address falls in an anonymous mapping
// ([heap], [vdso], or a bare anonymous region) with no DSO to symbolize.
var ErrNoBackingFile = errors.New("procmap: mapping has no backing file")

// Mapping is one retained R+X+¬W memory region.
type Mapping struct {
	Start, End uint64
	FileOffset uint64
	// Path is the backing file's path, already resolved under the
	// process's root view (empty when Anonymous is true).
	Path      string
	Anonymous bool
}

// Map is the filtered view of one process's memory mappings, valid only
// for the instant it was built (spec: "not cached, the process may have
// exec'd or mapped new libraries").
type Map struct {
	pid      int
	rootView string // /proc/<pid>/root
	mappings []Mapping
}

// New reads /proc/<pid>/maps and retains only mappings with read+execute
// and not-write permissions, in input order.
func New(pid int) (*Map, error) {
	path := fmt.Sprintf("/proc/%d/maps", pid)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrProcessGone, path, err)
	}
	defer f.Close()

	m := &Map{
		pid:      pid,
		rootView: fmt.Sprintf("/proc/%d/root", pid),
	}

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		mapping, ok, err := parseLine(sc.Text())
		if err != nil {
			continue // a malformed line never invalidates the whole map
		}
		if !ok {
			continue
		}
		m.mappings = append(m.mappings, mapping)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrProcessGone, path, err)
	}

	m.resolvePaths()
	return m, nil
}

// parseLine parses one /proc/*/maps line, returning ok=false for mappings
// that don't carry R+X+¬W permissions.
func parseLine(line string) (Mapping, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false, fmt.Errorf("procmap: short line: %q", line)
	}

	addrRange := fields[0]
	perms := fields[1]
	offsetHex := fields[2]

	if len(perms) < 4 || perms[0] != 'r' || perms[2] != 'x' || perms[1] == 'w' {
		return Mapping{}, false, nil
	}

	se := strings.SplitN(addrRange, "-", 2)
	if len(se) != 2 {
		return Mapping{}, false, fmt.Errorf("procmap: bad address range: %q", addrRange)
	}
	start, err := strconv.ParseUint(se[0], 16, 64)
	if err != nil {
		return Mapping{}, false, err
	}
	end, err := strconv.ParseUint(se[1], 16, 64)
	if err != nil {
		return Mapping{}, false, err
	}
	offset, err := strconv.ParseUint(offsetHex, 16, 64)
	if err != nil {
		return Mapping{}, false, err
	}

	mapping := Mapping{Start: start, End: end, FileOffset: offset}

	// Everything from field 5 onward is the pathname (it may contain
	// spaces for " (deleted)"); absent means anonymous.
	if len(fields) >= 6 {
		mapping.Path = strings.Join(fields[5:], " ")
	}
	if mapping.Path == "" || strings.HasPrefix(mapping.Path, "[") {
		mapping.Anonymous = true
		mapping.Path = ""
	}
	return mapping, true, nil
}

// resolvePaths rewrites each retained mapping's path under the process's
// root view, stripping a trailing " (deleted)" marker first so the
// original (still-open) inode's contents remain reachable (spec §4.2).
func (m *Map) resolvePaths() {
	for i := range m.mappings {
		mp := &m.mappings[i]
		if mp.Anonymous {
			continue
		}
		p := mp.Path
		if stripped, ok := strings.CutSuffix(p, deletedSuffix); ok {
			p = stripped
		}
		mp.Path = filepath.Join(m.rootView, p)
	}
}

// find returns the unique mapping containing v_addr, or nil.
func (m *Map) find(vAddr uint64) *Mapping {
	for i := range m.mappings {
		mp := &m.mappings[i]
		if mp.Start <= vAddr && vAddr < mp.End {
			return mp
		}
	}
	return nil
}

// AbsAddr resolves a virtual address to (dso path, file offset) per
// spec §4.2: file_offset + (v_addr - mapping.start).
func (m *Map) AbsAddr(vAddr uint64) (dsoPath string, fileOffset uint64, err error) {
	mp := m.find(vAddr)
	if mp == nil {
		return "", 0, fmt.Errorf("procmap: no mapping contains 0x%x", vAddr)
	}
	if mp.Anonymous {
		return "", 0, ErrNoBackingFile
	}
	return mp.Path, mp.FileOffset + (vAddr - mp.Start), nil
}

// Mappings returns the retained mappings in input order, for inspection
// and tests.
func (m *Map) Mappings() []Mapping {
	return m.mappings
}

// FromMappings builds a Map directly from already-resolved mappings,
// bypassing /proc/<pid>/maps entirely. Used by other packages' tests to
// drive AbsAddr against fixture process maps.
func FromMappings(mappings []Mapping) *Map {
	return &Map{mappings: mappings}
}
