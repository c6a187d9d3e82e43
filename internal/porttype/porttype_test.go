package porttype

import "testing"

func sumMix(dst []float32, sources [][]float32) {
	for i := range dst {
		dst[i] = 0
	}
	for _, src := range sources {
		for i, v := range src {
			dst[i] += v
		}
	}
}

func TestRegisterBuildsFullFreeList(t *testing.T) {
	tbl := NewTable()
	pt, err := tbl.Register("mono", 4, 8, nil)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if pt.FreeCount() != 8 {
		t.Fatalf("want 8 free buffers, got %d", pt.FreeCount())
	}
	if pt.ID != 0 {
		t.Fatalf("want first type id 0, got %d", pt.ID)
	}
}

func TestRegisterDuplicateNameFails(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.Register("mono", 4, 4, nil); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := tbl.Register("mono", 4, 4, nil); err == nil {
		t.Fatalf("want error registering duplicate type name")
	}
}

func TestByNameAndByID(t *testing.T) {
	tbl := NewTable()
	pt, _ := tbl.Register("mono", 4, 4, nil)

	got, ok := tbl.ByName("mono")
	if !ok || got != pt {
		t.Fatalf("ByName did not return the registered type")
	}
	got2, ok := tbl.ByID(pt.ID)
	if !ok || got2 != pt {
		t.Fatalf("ByID did not return the registered type")
	}
	if _, ok := tbl.ByID(99); ok {
		t.Fatalf("want ByID miss for unregistered id")
	}
}

func TestAllocExhaustion(t *testing.T) {
	tbl := NewTable()
	pt, _ := tbl.Register("mono", 4, 2, nil)

	if _, err := pt.Alloc(); err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	if _, err := pt.Alloc(); err != nil {
		t.Fatalf("second alloc: %v", err)
	}
	if _, err := pt.Alloc(); err == nil {
		t.Fatalf("want error allocating beyond numBuffers")
	}
}

func TestAllocReleaseRoundTrip(t *testing.T) {
	tbl := NewTable()
	pt, _ := tbl.Register("mono", 4, 1, nil)

	bi, err := pt.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if pt.FreeCount() != 0 {
		t.Fatalf("want 0 free after alloc, got %d", pt.FreeCount())
	}
	pt.Release(bi)
	if pt.FreeCount() != 1 {
		t.Fatalf("want 1 free after release, got %d", pt.FreeCount())
	}
}

func TestSampleReflectsWrites(t *testing.T) {
	tbl := NewTable()
	pt, _ := tbl.Register("mono", 4, 2, nil)

	bi, err := pt.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	buf := pt.Sample(bi)
	if len(buf) != 4 {
		t.Fatalf("want buffer len 4, got %d", len(buf))
	}
	buf[0] = 9
	if pt.Sample(bi)[0] != 9 {
		t.Fatalf("write through Sample() did not persist")
	}
}

func TestMixFuncSumsSources(t *testing.T) {
	dst := make([]float32, 3)
	sumMix(dst, [][]float32{{1, 2, 3}, {4, 5, 6}})
	want := []float32{5, 7, 9}
	for i := range want {
		if dst[i] != want[i] {
			t.Fatalf("dst[%d] = %v, want %v", i, dst[i], want[i])
		}
	}
}

func TestResizeKeepsAllocatedBuffersOffFreeList(t *testing.T) {
	tbl := NewTable()
	pt, _ := tbl.Register("mono", 4, 2, nil)
	allocated, err := pt.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if pt.FreeCount() != 1 {
		t.Fatalf("want 1 free buffer before resize, got %d", pt.FreeCount())
	}

	if _, err := pt.Resize(8); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if pt.BufferSize != 8 {
		t.Fatalf("want buffer size 8 after resize, got %d", pt.BufferSize)
	}
	if pt.FreeCount() != 1 {
		t.Fatalf("want the allocated buffer to stay off the free list across resize, got %d free", pt.FreeCount())
	}

	second, err := pt.Alloc()
	if err != nil {
		t.Fatalf("alloc after resize: %v", err)
	}
	if second.Offset == allocated.Offset {
		t.Fatalf("resize handed out the slot still held by the first allocation")
	}
}

func TestRebaseRecomputesOffsetAfterResize(t *testing.T) {
	tbl := NewTable()
	pt, _ := tbl.Register("mono", 4, 2, nil)
	bi, err := pt.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	oldSize := pt.BufferSize
	slot := bi.Offset / oldSize

	if _, err := pt.Resize(8); err != nil {
		t.Fatalf("resize: %v", err)
	}
	rebased := pt.Rebase(bi, oldSize)
	if rebased.Offset != slot*pt.BufferSize {
		t.Fatalf("want offset %d after rebase, got %d", slot*pt.BufferSize, rebased.Offset)
	}
}
