// Package porttype implements the per-port-type shared-memory sample
// buffer arena: a contiguous region subdivided into fixed-size
// buffers, a free-list, and (for mixable types) the mixdown function
// invoked when more than one connection feeds a single input
// (spec.md §3 "Port type", §4.1).
package porttype

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/google/uuid"

	"github.com/audiograph/audiographd/internal/shmem"
)

// MixFunc combines N source sample blocks into one destination block,
// all of equal length. It is invoked by the engine's dispatcher when a
// destination port of this type has more than one live connection.
type MixFunc func(dst []float32, sources [][]float32)

// BufferInfo names one fixed-size slot within a type's shared region:
// its offset from the region base, in bytes. Ports hold a BufferInfo
// for the lifetime of their buffer assignment (spec.md §4.1 "Buffer
// assignment").
type BufferInfo struct {
	RegionName string
	Offset     int
}

// Type is one port type's arena: name, per-buffer size, shared
// region, and free-list. ID is the dense small integer spec.md §3
// calls type_id.
type Type struct {
	ID             int
	Name           string
	BufferSize     int // bytes per buffer, changed only by Resize
	Mix            MixFunc
	NumBuffers     int

	mu       sync.Mutex
	region   *shmem.Region
	freeList []BufferInfo
}

// Table owns every port type known to the engine and their arenas.
type Table struct {
	mu    sync.RWMutex
	types []*Type
	byName map[string]*Type
}

// NewTable returns an empty port-type table.
func NewTable() *Table {
	return &Table{byName: make(map[string]*Type)}
}

// Register creates a new port type with its own shared-memory arena
// sized to hold numBuffers buffers of bufferSize bytes each. The arena
// is built once, in memory-address order, and the whole free-list
// enqueued (spec.md §4.1 "On first use").
func (t *Table) Register(name string, bufferSize, numBuffers int, mix MixFunc) (*Type, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byName[name]; exists {
		return nil, fmt.Errorf("porttype: type %q already registered", name)
	}
	regionName := fmt.Sprintf("porttype-%s-%s", name, uuid.NewString())
	region, err := shmem.Create(regionName, bufferSize*numBuffers)
	if err != nil {
		return nil, fmt.Errorf("porttype: allocate arena for %q: %w", name, err)
	}
	pt := &Type{
		ID:         len(t.types),
		Name:       name,
		BufferSize: bufferSize,
		NumBuffers: numBuffers,
		Mix:        mix,
		region:     region,
	}
	pt.freeList = make([]BufferInfo, 0, numBuffers)
	for i := 0; i < numBuffers; i++ {
		pt.freeList = append(pt.freeList, BufferInfo{RegionName: regionName, Offset: i * bufferSize})
	}
	t.types = append(t.types, pt)
	t.byName[name] = pt
	return pt, nil
}

// ByName looks up a registered type.
func (t *Table) ByName(name string) (*Type, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pt, ok := t.byName[name]
	return pt, ok
}

// ByID looks up a registered type by its dense id.
func (t *Table) ByID(id int) (*Type, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id < 0 || id >= len(t.types) {
		return nil, false
	}
	return t.types[id], true
}

// All returns every registered type, in registration order.
func (t *Table) All() []*Type {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Type, len(t.types))
	copy(out, t.types)
	return out
}

// Region returns the type's backing shared-memory region.
func (pt *Type) Region() *shmem.Region {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.region
}

// Alloc pops one buffer off the free-list. It fails if the list is
// empty (spec.md §4.2 register() "buffer assignment fails").
func (pt *Type) Alloc() (BufferInfo, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if len(pt.freeList) == 0 {
		return BufferInfo{}, fmt.Errorf("porttype: %q: no free buffers", pt.Name)
	}
	n := len(pt.freeList) - 1
	bi := pt.freeList[n]
	pt.freeList = pt.freeList[:n]
	return bi, nil
}

// Release returns a buffer to the free-list (spec.md §4.2 unregister()
// "releases the buffer-info back to the type's free-list").
func (pt *Type) Release(bi BufferInfo) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.freeList = append(pt.freeList, bi)
}

// FreeCount reports the current free-list length, used by tests to
// assert no leaks across create/destroy cycles (spec.md §8 scenario 6).
func (pt *Type) FreeCount() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.freeList)
}

// Resize grows or shrinks the per-buffer size in place: reallocates
// the arena and recomputes offsets for the buffers still on the
// free-list, under the free-list mutex, and returns the new region so
// the caller can broadcast a resize event (spec.md §4.1 "On
// buffer-size change"). Buffers currently allocated to a port are left
// off the free-list — only their offset needs to change, which Rebase
// does for the caller — preserving the invariant that the free-list
// plus in-use buffers partition the region (spec.md §8).
func (pt *Type) Resize(newBufferSize int) (*shmem.Region, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	oldBufferSize := pt.BufferSize
	if err := pt.region.Resize(newBufferSize * pt.NumBuffers); err != nil {
		return nil, fmt.Errorf("porttype: resize %q: %w", pt.Name, err)
	}
	regionName := pt.region.Name()
	rebased := make([]BufferInfo, len(pt.freeList))
	for i, bi := range pt.freeList {
		slot := bi.Offset / oldBufferSize
		rebased[i] = BufferInfo{RegionName: regionName, Offset: slot * newBufferSize}
	}
	pt.freeList = rebased
	pt.BufferSize = newBufferSize
	return pt.region, nil
}

// Rebase recomputes a buffer still in use under the type's new
// per-buffer size after Resize, using its offset under oldBufferSize
// to recover which slot it occupies. Callers hold one BufferInfo per
// allocated buffer (ports do, via their descriptor) since Type itself
// only tracks the free-list, not who holds what.
func (pt *Type) Rebase(bi BufferInfo, oldBufferSize int) BufferInfo {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	slot := bi.Offset / oldBufferSize
	return BufferInfo{RegionName: pt.region.Name(), Offset: slot * pt.BufferSize}
}

// Sample returns the byte slice for one buffer within the type's
// region, given its offset.
func (pt *Type) Sample(bi BufferInfo) []byte {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.region.Bytes()[bi.Offset : bi.Offset+pt.BufferSize]
}

// SampleFloats views a buffer as float32 samples in place, for the
// engine's per-cycle mixdown (spec.md §3
// "Port type" buffers hold one sample format, 32-bit float mono audio
// in the engine's built-in type). The returned slice aliases the
// region; it must not be retained across a Resize.
func (pt *Type) SampleFloats(bi BufferInfo) []float32 {
	b := pt.Sample(bi)
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}
