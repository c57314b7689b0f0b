// Package symstore caches loaded ELF metadata per DSO identity, bounding
// memory with an LRU that releases mmaps promptly on eviction and
// collapsing concurrent first-load races with singleflight, per spec §4.4.
package symstore

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/tracehound/sysprof/pkg/elfmeta"
)

// DefaultCapacity is the number of distinct DSOs held resident at once
// (spec: "bounded... a reasonable default is on the order of 100 entries").
const DefaultCapacity = 100

// Store is a bounded, concurrency-safe cache of *elfmeta.Metadata keyed by
// file identity (dev, inode), not path: two paths naming the same file
// (a bind mount, a hardlink) share one entry, and a path whose file was
// replaced (new inode) is re-loaded rather than serving the stale entry
// (spec §4.4, §9 "Identity vs path").
type Store struct {
	cache *lru.Cache[elfmeta.Identity, *elfmeta.Metadata]
	group singleflight.Group

	// stat and load default to elfmeta.Stat/elfmeta.Load; tests substitute
	// fakes so the cache and singleflight mechanics can be exercised
	// without real ELF files.
	stat func(path string) (elfmeta.Identity, error)
	load func(path string) (*elfmeta.Metadata, error)
}

// New builds a Store with the given capacity. A non-positive capacity
// falls back to DefaultCapacity.
func New(capacity int) (*Store, error) {
	return newStore(capacity, elfmeta.Stat, elfmeta.Load)
}

func newStore(capacity int, stat func(string) (elfmeta.Identity, error), load func(string) (*elfmeta.Metadata, error)) (*Store, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	s := &Store{stat: stat, load: load}
	cache, err := lru.NewWithEvict[elfmeta.Identity, *elfmeta.Metadata](capacity, func(_ elfmeta.Identity, md *elfmeta.Metadata) {
		_ = md.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("symstore: building LRU: %w", err)
	}
	s.cache = cache
	return s, nil
}

// Get returns the cached Metadata for path, loading it on first use. path
// is first resolved to its (dev, inode) identity; that identity, not the
// path string, is the cache and singleflight key, so two paths for the
// same file share one load and a file replaced at the same path (new
// inode) is re-loaded rather than served stale. Concurrent callers racing
// to load the same identity block behind a single loader (singleflight)
// rather than mmapping the file twice. A failed load is never cached, so
// the next Get retries from scratch (spec: "Failures during load are not
// cached").
func (s *Store) Get(path string) (*elfmeta.Metadata, error) {
	id, err := s.stat(path)
	if err != nil {
		return nil, err
	}

	if md, ok := s.cache.Get(id); ok {
		return md, nil
	}

	v, err, _ := s.group.Do(identityKey(id), func() (interface{}, error) {
		// Re-check under the singleflight key: another goroutine may have
		// populated the cache while we were queued behind the group lock.
		if md, ok := s.cache.Get(id); ok {
			return md, nil
		}
		md, err := s.load(path)
		if err != nil {
			return nil, err
		}
		s.cache.Add(id, md)
		return md, nil
	})
	s.group.Forget(identityKey(id))
	if err != nil {
		return nil, err
	}
	return v.(*elfmeta.Metadata), nil
}

// identityKey renders an Identity as a singleflight.Group key.
func identityKey(id elfmeta.Identity) string {
	return fmt.Sprintf("%d:%d", id.Dev, id.Ino)
}

// Len reports the number of distinct DSOs currently resident, for tests
// and metrics.
func (s *Store) Len() int {
	return s.cache.Len()
}

// Purge evicts every cached entry, releasing every held mmap. Used by
// tests and on shutdown.
func (s *Store) Purge() {
	s.cache.Purge()
}
