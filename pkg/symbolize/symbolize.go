// Package symbolize is the thin policy layer between a DSO path as seen
// inside a process's mount namespace and the cached, mmap'd metadata that
// resolves offsets within it, per spec §4.5.
package symbolize

import (
	"path/filepath"
	"strings"

	"github.com/tracehound/sysprof/pkg/elfmeta"
	"github.com/tracehound/sysprof/pkg/symstore"
)

// Symbol aliases elfmeta.Symbol: there is nothing to add at this layer,
// so a copy type would only cost an extra conversion at every call site.
type Symbol = elfmeta.Symbol

// Symbolizer resolves (dso path, file offset) pairs against a process's
// root view, rewriting the path under a configured rootfs before
// delegating to the shared symbol store.
type Symbolizer struct {
	rootfs string
	store  *symstore.Store
}

// New builds a Symbolizer backed by store. rootfs is prefixed onto every
// DSO path before lookup (typically "/" when running in the host mount
// namespace, or a bind-mounted container rootfs when profiling from
// outside one).
func New(rootfs string, store *symstore.Store) *Symbolizer {
	if rootfs == "" {
		rootfs = "/"
	}
	return &Symbolizer{rootfs: rootfs, store: store}
}

// Resolve translates fileOffset within dsoPath to a Symbol, loading and
// caching dsoPath's metadata as needed.
func (s *Symbolizer) Resolve(dsoPath string, fileOffset uint64) (Symbol, error) {
	md, err := s.store.Get(s.rewrite(dsoPath))
	if err != nil {
		return Symbol{}, err
	}
	return md.FindSymbol(fileOffset)
}

// rewrite joins dsoPath onto the configured root view. dsoPath is always
// absolute (procmap guarantees this); TrimPrefix avoids filepath.Join
// collapsing a leading "/" pair in a way that would escape rootfs.
func (s *Symbolizer) rewrite(dsoPath string) string {
	return filepath.Join(s.rootfs, strings.TrimPrefix(dsoPath, "/"))
}
