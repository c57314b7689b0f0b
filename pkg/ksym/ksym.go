// Package ksym resolves kernel instruction pointers against the kernel's
// exported symbol table (/proc/kallsyms or the equivalent path under a
// configured root), per spec §4.1.
package ksym

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// UnknownName is returned in place of a symbol name when the table is
// empty or the lookup address precedes every known symbol.
const UnknownName = "unknown_kernel_symbol"

// Symbol is a single resolved kernel symbol.
type Symbol struct {
	Addr uint64
	Name string
}

// Table is a sorted address->name index, loaded lazily and once.
type Table struct {
	rootfs string

	once    sync.Once
	loadErr error
	syms    []Symbol // sorted by Addr
}

// New returns a Table that will load from <rootfs>/proc/kallsyms on first
// Resolve call. rootfs defaults to "/" when empty.
func New(rootfs string) *Table {
	if rootfs == "" {
		rootfs = "/"
	}
	return &Table{rootfs: rootfs}
}

// Path is the kernel symbol source file this table reads from.
func (t *Table) Path() string {
	return filepath.Join(t.rootfs, "proc", "kallsyms")
}

func (t *Table) ensureLoaded() error {
	t.once.Do(func() {
		t.syms, t.loadErr = load(t.Path())
	})
	return t.loadErr
}

// Resolve performs a floor lookup: the symbol whose address is the
// greatest one not exceeding ip. If the table failed to load or ip
// precedes every symbol, it returns (Symbol{Name: UnknownName}, err)
// where err is the load error when the table failed to load and nil
// otherwise. A load failure is sticky: every later call returns the unknown
// marker with the same error, without re-attempting the load (spec: "the
// table must either load wholly or not at all").
func (t *Table) Resolve(ip uint64) (Symbol, error) {
	if err := t.ensureLoaded(); err != nil {
		return Symbol{Addr: ip, Name: UnknownName}, err
	}
	if len(t.syms) == 0 {
		return Symbol{Addr: ip, Name: UnknownName}, nil
	}

	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Addr > ip })
	if i == 0 {
		return Symbol{Addr: ip, Name: UnknownName}, nil
	}
	return t.syms[i-1], nil
}

// InvalidLineError reports a kallsyms line that does not match
// "<hex-addr> <type> <name> [module]".
type InvalidLineError struct {
	Line string
}

func (e *InvalidLineError) Error() string {
	return fmt.Sprintf("ksym: invalid kallsyms line: %q", e.Line)
}

func load(path string) ([]Symbol, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ksym: open %s: %w", path, err)
	}
	defer f.Close()

	var syms []Symbol
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return nil, &InvalidLineError{Line: line}
		}

		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			return nil, &InvalidLineError{Line: line}
		}

		syms = append(syms, Symbol{Addr: addr, Name: fields[2]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ksym: read %s: %w", path, err)
	}

	sort.Slice(syms, func(i, j int) bool { return syms[i].Addr < syms[j].Addr })
	return syms, nil
}
