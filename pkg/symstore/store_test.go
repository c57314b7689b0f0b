package symstore

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tracehound/sysprof/pkg/elfmeta"
)

// fakeFS backs a fake stat that maps paths to identities, letting tests
// simulate two paths sharing one inode (a bind mount) or a path's inode
// changing (the file at that path was replaced).
type fakeFS struct {
	mu  sync.Mutex
	ids map[string]elfmeta.Identity
}

func newFakeFS() *fakeFS { return &fakeFS{ids: map[string]elfmeta.Identity{}} }

func (f *fakeFS) set(path string, id elfmeta.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids[path] = id
}

func (f *fakeFS) stat(path string) (elfmeta.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.ids[path]
	if !ok {
		return elfmeta.Identity{}, errors.New("fakeFS: no such path")
	}
	return id, nil
}

func TestGetCachesAcrossCalls(t *testing.T) {
	fs := newFakeFS()
	fs.set("/lib/a.so", elfmeta.Identity{Dev: 1, Ino: 1})

	var loads int32
	s, err := newStore(10, fs.stat, func(path string) (*elfmeta.Metadata, error) {
		atomic.AddInt32(&loads, 1)
		return &elfmeta.Metadata{Path: path}, nil
	})
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}

	if _, err := s.Get("/lib/a.so"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("/lib/a.so"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&loads); got != 1 {
		t.Fatalf("expected exactly one load, got %d", got)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 cached entry, got %d", s.Len())
	}
}

func TestGetDedupesByIdentityAcrossPaths(t *testing.T) {
	fs := newFakeFS()
	// Two distinct paths (e.g. a bind mount) naming the same underlying
	// file share one (dev, inode) identity.
	fs.set("/proc/1/root/lib/a.so", elfmeta.Identity{Dev: 1, Ino: 42})
	fs.set("/lib/a.so", elfmeta.Identity{Dev: 1, Ino: 42})

	var loads int32
	s, err := newStore(10, fs.stat, func(path string) (*elfmeta.Metadata, error) {
		atomic.AddInt32(&loads, 1)
		return &elfmeta.Metadata{Path: path}, nil
	})
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}

	if _, err := s.Get("/proc/1/root/lib/a.so"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("/lib/a.so"); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&loads); got != 1 {
		t.Fatalf("two paths sharing one identity must share one load, got %d", got)
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 cached entry for the shared identity, got %d", s.Len())
	}
}

func TestGetReloadsOnInodeChange(t *testing.T) {
	fs := newFakeFS()
	fs.set("/lib/a.so", elfmeta.Identity{Dev: 1, Ino: 1})

	var loads int32
	s, err := newStore(10, fs.stat, func(path string) (*elfmeta.Metadata, error) {
		atomic.AddInt32(&loads, 1)
		return &elfmeta.Metadata{Path: path}, nil
	})
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}

	if _, err := s.Get("/lib/a.so"); err != nil {
		t.Fatal(err)
	}

	// The file at the same path is replaced: new inode.
	fs.set("/lib/a.so", elfmeta.Identity{Dev: 1, Ino: 2})
	if _, err := s.Get("/lib/a.so"); err != nil {
		t.Fatal(err)
	}

	if got := atomic.LoadInt32(&loads); got != 2 {
		t.Fatalf("a path whose inode changed must be re-loaded, not served stale, got %d loads", got)
	}
	if s.Len() != 2 {
		t.Fatalf("expected both identities resident, got %d", s.Len())
	}
}

func TestGetCollapsesConcurrentLoads(t *testing.T) {
	fs := newFakeFS()
	fs.set("/lib/shared.so", elfmeta.Identity{Dev: 1, Ino: 7})

	var loads int32
	unblock := make(chan struct{})
	s, err := newStore(10, fs.stat, func(path string) (*elfmeta.Metadata, error) {
		atomic.AddInt32(&loads, 1)
		<-unblock
		return &elfmeta.Metadata{Path: path}, nil
	})
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := s.Get("/lib/shared.so"); err != nil {
				t.Error(err)
			}
		}()
	}
	close(unblock)
	wg.Wait()

	if got := atomic.LoadInt32(&loads); got != 1 {
		t.Fatalf("expected concurrent loads of the same identity to collapse to 1, got %d", got)
	}
}

func TestGetFailedLoadIsNotCached(t *testing.T) {
	fs := newFakeFS()
	fs.set("/lib/broken.so", elfmeta.Identity{Dev: 1, Ino: 9})

	var loads int32
	wantErr := errors.New("boom")
	s, err := newStore(10, fs.stat, func(path string) (*elfmeta.Metadata, error) {
		atomic.AddInt32(&loads, 1)
		return nil, wantErr
	})
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}

	if _, err := s.Get("/lib/broken.so"); !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
	if _, err := s.Get("/lib/broken.so"); !errors.Is(err, wantErr) {
		t.Fatalf("second call: got %v, want %v", err, wantErr)
	}
	if got := atomic.LoadInt32(&loads); got != 2 {
		t.Fatalf("a failed load must not be cached: want 2 load attempts, got %d", got)
	}
	if s.Len() != 0 {
		t.Fatalf("expected 0 cached entries after failures, got %d", s.Len())
	}
}

func TestEvictionKeepsCapacityBound(t *testing.T) {
	fs := newFakeFS()
	fs.set("/lib/a.so", elfmeta.Identity{Dev: 1, Ino: 1})
	fs.set("/lib/b.so", elfmeta.Identity{Dev: 1, Ino: 2})

	s, err := newStore(1, fs.stat, func(path string) (*elfmeta.Metadata, error) {
		return &elfmeta.Metadata{Path: path}, nil
	})
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}

	if _, err := s.Get("/lib/a.so"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("/lib/b.so"); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 1 {
		t.Fatalf("capacity-1 store should hold only the most recent entry, got %d", s.Len())
	}
}

func TestPurgeEmptiesCache(t *testing.T) {
	fs := newFakeFS()
	fs.set("/lib/a.so", elfmeta.Identity{Dev: 1, Ino: 1})

	s, err := newStore(10, fs.stat, func(path string) (*elfmeta.Metadata, error) {
		return &elfmeta.Metadata{Path: path}, nil
	})
	if err != nil {
		t.Fatalf("newStore: %v", err)
	}
	if _, err := s.Get("/lib/a.so"); err != nil {
		t.Fatal(err)
	}
	s.Purge()
	if s.Len() != 0 {
		t.Fatalf("expected empty cache after Purge, got %d", s.Len())
	}
}
