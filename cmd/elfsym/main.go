//go:build linux

// Program elfsym is a standalone debugging aid: given a running process
// and a sampled virtual address, it reports which DSO that address maps
// into and the function symbol it resolves to, using the same
// /proc/<pid>/maps lookup and ELF symbol table pkg/translate drives
// during live profiling.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/tracehound/sysprof/pkg/elfmeta"
	"github.com/tracehound/sysprof/pkg/procmap"
)

func main() {
	pid := flag.Int("pid", 0, "pid whose memory map to consult")
	addr := flag.Uint64("addr", 0, "sampled virtual address to resolve")
	flag.Parse()

	if *pid == 0 || *addr == 0 {
		fmt.Fprintln(os.Stderr, "usage: elfsym -pid <pid> -addr <virtual address>")
		os.Exit(2)
	}

	name, dso, err := resolve(*pid, *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "elfsym: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s (%s)\n", name, dso)
}

func resolve(pid int, addr uint64) (symbolName, dsoPath string, err error) {
	m, err := procmap.New(pid)
	if err != nil {
		return "", "", fmt.Errorf("read process map: %w", err)
	}

	dsoPath, fileOffset, err := m.AbsAddr(addr)
	if err != nil {
		return "", "", fmt.Errorf("resolve mapping: %w", err)
	}

	md, err := elfmeta.Load(dsoPath)
	if err != nil {
		return "", "", fmt.Errorf("load %s: %w", dsoPath, err)
	}
	defer md.Close()

	sym, err := md.FindSymbol(fileOffset)
	if err != nil {
		return "unknown", dsoPath, nil
	}
	return sym.Name, dsoPath, nil
}
