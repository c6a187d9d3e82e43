// Package shmem implements the named shared-memory regions the engine
// publishes to clients: the engine control block, per-client control
// blocks, and per-port-type sample buffer arenas (spec.md §5, §9).
//
// Every region is backed by an anonymous memfd (so no tmpfs path needs
// cleanup on crash) and mapped MAP_SHARED so a forked or exec'd child
// that inherits the fd sees the same pages. Regions carry no pointers
// or mutexes of their own; callers that need cross-process locking use
// a separate primitive (see internal/fifo).
package shmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Region is a single named shared-memory mapping.
type Region struct {
	name string
	fd   int
	data []byte
}

// Create allocates a new anonymous shared region of the given size and
// maps it into this process. The name is cosmetic (visible via
// /proc/self/fd on Linux) and is what gets advertised to clients in
// connect-request responses and NewPortType events.
func Create(name string, size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("shmem: invalid size %d for region %q", size, name)
	}
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, fmt.Errorf("shmem: memfd_create %q: %w", name, err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmem: ftruncate %q to %d: %w", name, size, err)
	}
	data, err := mmap(fd, size)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shmem: mmap %q: %w", name, err)
	}
	return &Region{name: name, fd: fd, data: data}, nil
}

func mmap(fd, size int) ([]byte, error) {
	return unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// Name returns the region's advertised name.
func (r *Region) Name() string { return r.name }

// FD returns the underlying file descriptor, for handing to a child
// process over SCM_RIGHTS or inheriting across fork/exec.
func (r *Region) FD() int { return r.fd }

// Size returns the current mapped size in bytes.
func (r *Region) Size() int { return len(r.data) }

// Bytes returns the mapped region. Callers must not retain slices
// across a Resize, since the backing mapping is replaced.
func (r *Region) Bytes() []byte { return r.data }

// Resize grows or shrinks the region in place: truncates the backing
// memfd to the new size and remaps. Existing content up to
// min(old,new) size is preserved. The caller is responsible for
// broadcasting a remap notification to clients afterward (spec.md
// §4.1 "new port type / resize" event).
func (r *Region) Resize(newSize int) error {
	if newSize <= 0 {
		return fmt.Errorf("shmem: invalid resize %d for region %q", newSize, r.name)
	}
	if err := unix.Munmap(r.data); err != nil {
		return fmt.Errorf("shmem: munmap %q during resize: %w", r.name, err)
	}
	if err := unix.Ftruncate(r.fd, int64(newSize)); err != nil {
		return fmt.Errorf("shmem: ftruncate %q to %d: %w", r.name, newSize, err)
	}
	data, err := mmap(r.fd, newSize)
	if err != nil {
		return fmt.Errorf("shmem: remap %q: %w", r.name, err)
	}
	r.data = data
	return nil
}

// Close unmaps and closes the region. It is not an error to Close a
// region more than once.
func (r *Region) Close() error {
	if r.data != nil {
		_ = unix.Munmap(r.data)
		r.data = nil
	}
	if r.fd >= 0 {
		err := unix.Close(r.fd)
		r.fd = -1
		return err
	}
	return nil
}

// Registry tracks the live named regions for a process so that
// NewPortType/BufferSizeChange notifications can look a name back up
// to its region. Engines own exactly one Registry.
type Registry struct {
	mu      sync.Mutex
	regions map[string]*Region
}

// NewRegistry returns an empty region registry.
func NewRegistry() *Registry {
	return &Registry{regions: make(map[string]*Region)}
}

// Create allocates a region and registers it under name. It fails if
// a region with that name already exists.
func (reg *Registry) Create(name string, size int) (*Region, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, exists := reg.regions[name]; exists {
		return nil, fmt.Errorf("shmem: region %q already exists", name)
	}
	r, err := Create(name, size)
	if err != nil {
		return nil, err
	}
	reg.regions[name] = r
	return r, nil
}

// Get looks up a previously created region by name.
func (reg *Registry) Get(name string) (*Region, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.regions[name]
	return r, ok
}

// Remove closes and forgets a region.
func (reg *Registry) Remove(name string) error {
	reg.mu.Lock()
	r, ok := reg.regions[name]
	delete(reg.regions, name)
	reg.mu.Unlock()
	if !ok {
		return nil
	}
	return r.Close()
}

// CloseAll closes every registered region, used on server shutdown.
func (reg *Registry) CloseAll() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for name, r := range reg.regions {
		_ = r.Close()
		delete(reg.regions, name)
	}
}
