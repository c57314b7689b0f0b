// Package elfmeta loads one ELF DSO's program headers and merged symbol
// table (static, dynamic, and DWARF-derived), and answers file-offset to
// virtual-offset translation and floor symbol lookup against it, per
// spec §4.3.
package elfmeta

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"sort"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrOffsetOutsideLoadableSegments means no PT_LOAD program header covers
// the queried file offset.
var ErrOffsetOutsideLoadableSegments = errors.New("elfmeta: file offset outside loadable segments")

// ErrSymbolNotFound means the merged symbol set is empty, or has no
// predecessor for the queried virtual offset.
var ErrSymbolNotFound = errors.New("elfmeta: symbol not found")

// Identity is the (device, inode) pair used as the cache key for one DSO,
// so a bind-mount or hardlink of the same file shares one cache entry.
type Identity struct {
	Dev, Ino uint64
}

// Symbol is one entry in the merged static/dynamic/DWARF symbol set.
type Symbol struct {
	Addr uint64
	// Name is empty when no source could name this address; callers
	// render that as "unknown" or a hex stub (spec §4.3).
	Name string
}

// segment is the subset of elf.ProgHeader this package needs, kept in
// file order as loaded.
type segment struct {
	Offset, Vaddr, Filesz, Memsz uint64
}

// Metadata is one DSO's loaded, translate-ready state: its identity, its
// PT_LOAD segments, and its merged, addr-sorted symbol set. Once built it
// never sees the underlying file again except through the mmap it holds.
type Metadata struct {
	Identity Identity
	Path     string

	segments []segment
	symbols  []Symbol // sorted by (Addr, Name)

	mmap []byte // backing mapping, released by Close
}

// Stat returns path's (dev, inode) identity without mapping or parsing
// it, so a cache can key and dedupe on identity before paying for a full
// Load (spec §4.4: bind-mounted or hardlinked paths to the same file
// share one identity).
func Stat(path string) (Identity, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Identity{}, fmt.Errorf("elfmeta: stat %s: %w", path, err)
	}
	sysStat, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return Identity{}, fmt.Errorf("elfmeta: %s: no syscall.Stat_t available", path)
	}
	return Identity{Dev: uint64(sysStat.Dev), Ino: uint64(sysStat.Ino)}, nil
}

// Load opens path, mmaps it read-only, and parses its program headers and
// merged symbol table. The caller owns the returned Metadata and must call
// Close when it is evicted from any cache.
func Load(path string) (*Metadata, error) {
	identity, err := Stat(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfmeta: open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("elfmeta: fstat %s: %w", path, err)
	}
	size := fi.Size()
	if size == 0 {
		return nil, fmt.Errorf("elfmeta: %s: empty file", path)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("elfmeta: mmap %s: %w", path, err)
	}

	ef, err := elf.NewFile(bytesReaderAt(data))
	if err != nil {
		_ = unix.Munmap(data)
		return nil, fmt.Errorf("elfmeta: parse %s: %w", path, err)
	}
	defer ef.Close()

	m := &Metadata{
		Identity: identity,
		Path:     path,
		mmap:     data,
	}

	for _, p := range ef.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		m.segments = append(m.segments, segment{
			Offset: p.Off,
			Vaddr:  p.Vaddr,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
		})
	}

	symbols := mergeSymbols(ef)
	sort.Slice(symbols, func(i, j int) bool {
		if symbols[i].Addr != symbols[j].Addr {
			return symbols[i].Addr < symbols[j].Addr
		}
		return symbols[i].Name < symbols[j].Name
	})
	m.symbols = symbols

	return m, nil
}

// mergeSymbols merges the static symbol table, the dynamic symbol table,
// and DWARF subprogram entries into one set of function symbols,
// demangled where applicable. Ties at the same address prefer a named
// entry over an unnamed one — elf.Symbol never lacks a name, so in
// practice this only matters against DWARF/symtab duplicates, which
// dedupeByAddr resolves by keeping the first non-empty name seen.
func mergeSymbols(ef *elf.File) []Symbol {
	var out []Symbol

	if syms, err := ef.Symbols(); err == nil {
		out = append(out, functionSymbols(syms)...)
	}
	if syms, err := ef.DynamicSymbols(); err == nil {
		out = append(out, functionSymbols(syms)...)
	}
	if dw, err := ef.DWARF(); err == nil {
		out = append(out, dwarfSubprograms(dw)...)
	}

	return dedupeByAddr(out)
}

func functionSymbols(syms []elf.Symbol) []Symbol {
	var out []Symbol
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC {
			continue
		}
		if s.Value == 0 {
			continue
		}
		out = append(out, Symbol{Addr: s.Value, Name: demangleName(s.Name)})
	}
	return out
}

// dedupeByAddr collapses multiple symbols claiming the same address,
// keeping the first non-empty name encountered (spec §4.3: "ties at the
// same address prefer a DWARF- or dynsym-sourced name over an unnamed
// entry" — static/dynamic symbols are appended before DWARF above, so a
// DWARF name only wins when the earlier sources left the slot unnamed).
func dedupeByAddr(in []Symbol) []Symbol {
	byAddr := make(map[uint64]string, len(in))
	order := make([]uint64, 0, len(in))
	for _, s := range in {
		if existing, ok := byAddr[s.Addr]; !ok {
			byAddr[s.Addr] = s.Name
			order = append(order, s.Addr)
		} else if existing == "" && s.Name != "" {
			byAddr[s.Addr] = s.Name
		}
	}
	out := make([]Symbol, 0, len(order))
	for _, addr := range order {
		out = append(out, Symbol{Addr: addr, Name: byAddr[addr]})
	}
	return out
}

// Translate finds the unique PT_LOAD segment covering fileOffset and
// returns the corresponding virtual offset, per spec §4.3. A segment
// with Memsz == 0 never matches.
func (m *Metadata) Translate(fileOffset uint64) (uint64, error) {
	for _, sg := range m.segments {
		if sg.Memsz == 0 {
			continue
		}
		if fileOffset >= sg.Offset && fileOffset < sg.Offset+sg.Memsz {
			return fileOffset - sg.Offset + sg.Vaddr, nil
		}
	}
	return 0, ErrOffsetOutsideLoadableSegments
}

// FindSymbol runs Translate, then performs a floor lookup in the merged
// symbol set using the resulting virtual offset, per spec §4.3.
func (m *Metadata) FindSymbol(fileOffset uint64) (Symbol, error) {
	vaddr, err := m.Translate(fileOffset)
	if err != nil {
		return Symbol{}, err
	}
	if len(m.symbols) == 0 {
		return Symbol{}, ErrSymbolNotFound
	}

	i := sort.Search(len(m.symbols), func(i int) bool { return m.symbols[i].Addr > vaddr })
	if i == 0 {
		return Symbol{}, ErrSymbolNotFound
	}
	return m.symbols[i-1], nil
}

// Close releases the mmap backing this Metadata. Calls after the first
// are no-ops. Callers are the LRU eviction callback in pkg/symstore and
// cmd/elfsym, which loads metadata outside any cache.
func (m *Metadata) Close() error {
	if m.mmap == nil {
		return nil
	}
	err := unix.Munmap(m.mmap)
	m.mmap = nil
	return err
}

// bytesReaderAt adapts an mmap'd []byte to io.ReaderAt for elf.NewFile,
// avoiding an extra copy of the whole file into the Go heap.
type bytesReaderAt []byte

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(b)) {
		return 0, fmt.Errorf("elfmeta: read past end of mapping at offset %d", off)
	}
	n := copy(p, b[off:])
	if n < len(p) {
		return n, fmt.Errorf("elfmeta: short read at offset %d: got %d, want %d", off, n, len(p))
	}
	return n, nil
}
