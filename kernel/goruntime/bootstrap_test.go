package goruntime

import (
	"testing"
	"unsafe"

	"github.com/runcodedad/noodleos/kernel"
	"github.com/runcodedad/noodleos/kernel/mem"
	"github.com/runcodedad/noodleos/kernel/mem/pmm"
	"github.com/runcodedad/noodleos/kernel/mem/vmm"
)

func resetFns(t *testing.T) {
	savedMap := mapFn
	savedAlloc := frameAllocFn
	savedMemset := memsetFn
	savedReserve := earlyReserveRegionFn
	t.Cleanup(func() {
		mapFn = savedMap
		frameAllocFn = savedAlloc
		memsetFn = savedMemset
		earlyReserveRegionFn = savedReserve
	})
}

func TestSysReserve(t *testing.T) {
	resetFns(t)

	t.Run("success", func(t *testing.T) {
		var gotSize mem.Size
		earlyReserveRegionFn = func(size mem.Size) (mem.VirtAddr, *kernel.Error) {
			gotSize = size
			return mem.VirtAddr(0x2000), nil
		}

		var reserved bool
		got := sysReserve(nil, 1, &reserved)
		if !reserved {
			t.Fatal("expected reserved to be set to true")
		}
		if uintptr(got) != 0x2000 {
			t.Fatalf("expected region start 0x2000; got %x", got)
		}
		if gotSize != mem.PageSize {
			t.Fatalf("expected requested size to be rounded up to a page; got %d", gotSize)
		}
	})

	t.Run("fails and panics", func(t *testing.T) {
		earlyReserveRegionFn = func(mem.Size) (mem.VirtAddr, *kernel.Error) {
			return 0, ErrOutOfFrames
		}

		defer func() {
			if recover() == nil {
				t.Fatal("expected sysReserve to panic when the region cannot be reserved")
			}
		}()

		var reserved bool
		sysReserve(nil, 1, &reserved)
	})
}

func TestSysMap(t *testing.T) {
	resetFns(t)

	t.Run("success", func(t *testing.T) {
		var mapCalls, memsetCalls int
		mapFn = func(vmm.Page, pmm.Frame, vmm.PageTableEntryFlag) *kernel.Error {
			mapCalls++
			return nil
		}
		frameAllocFn = func() (pmm.Frame, *kernel.Error) { return pmm.Frame(1), nil }
		memsetFn = func(uintptr, byte, mem.Size) { memsetCalls++ }

		var statVal uint64
		got := sysMap(unsafe.Pointer(uintptr(0x1000)), uintptr(mem.PageSize)*3, true, &statVal)
		if got == nil {
			t.Fatal("expected a non-nil pointer")
		}
		if mapCalls != 3 || memsetCalls != 3 {
			t.Fatalf("expected 3 map and memset calls; got map=%d memset=%d", mapCalls, memsetCalls)
		}
		if statVal != uint64(mem.PageSize)*3 {
			t.Fatalf("expected stat to be incremented by 3 pages; got %d", statVal)
		}
	})

	t.Run("map failure", func(t *testing.T) {
		mapFn = func(vmm.Page, pmm.Frame, vmm.PageTableEntryFlag) *kernel.Error {
			return vmm.ErrPageAlreadyMapped
		}
		frameAllocFn = func() (pmm.Frame, *kernel.Error) { return pmm.Frame(1), nil }

		var statVal uint64
		got := sysMap(unsafe.Pointer(uintptr(0x1000)), uintptr(mem.PageSize), true, &statVal)
		if uintptr(got) != 0 {
			t.Fatal("expected a nil pointer when mapping fails")
		}
	})

	t.Run("panics if not reserved", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Fatal("expected sysMap to panic when reserved is false")
			}
		}()

		var statVal uint64
		sysMap(unsafe.Pointer(uintptr(0x1000)), uintptr(mem.PageSize), false, &statVal)
	})
}

func TestSysAlloc(t *testing.T) {
	resetFns(t)

	t.Run("success", func(t *testing.T) {
		var mapCalls, memsetCalls int
		earlyReserveRegionFn = func(mem.Size) (mem.VirtAddr, *kernel.Error) {
			return mem.VirtAddr(0x4000), nil
		}
		mapFn = func(vmm.Page, pmm.Frame, vmm.PageTableEntryFlag) *kernel.Error {
			mapCalls++
			return nil
		}
		frameAllocFn = func() (pmm.Frame, *kernel.Error) { return pmm.Frame(1), nil }
		memsetFn = func(uintptr, byte, mem.Size) { memsetCalls++ }

		var statVal uint64
		got := sysAlloc(uintptr(mem.PageSize)*2, &statVal)
		if uintptr(got) != 0x4000 {
			t.Fatalf("expected region start 0x4000; got %x", got)
		}
		if mapCalls != memsetCalls || mapCalls != 2 {
			t.Fatalf("expected map and memset calls to match at 2; got map=%d memset=%d", mapCalls, memsetCalls)
		}
	})

	t.Run("reserve fails", func(t *testing.T) {
		earlyReserveRegionFn = func(mem.Size) (mem.VirtAddr, *kernel.Error) {
			return 0, ErrOutOfFrames
		}

		var statVal uint64
		got := sysAlloc(uintptr(mem.PageSize), &statVal)
		if uintptr(got) != 0 {
			t.Fatal("expected a nil pointer when the region cannot be reserved")
		}
	})

	t.Run("frame allocation fails", func(t *testing.T) {
		earlyReserveRegionFn = func(mem.Size) (mem.VirtAddr, *kernel.Error) {
			return mem.VirtAddr(0x4000), nil
		}
		frameAllocFn = func() (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, ErrOutOfFrames }

		var statVal uint64
		got := sysAlloc(uintptr(mem.PageSize), &statVal)
		if uintptr(got) != 0 {
			t.Fatal("expected a nil pointer when frame allocation fails")
		}
	})

	t.Run("map fails", func(t *testing.T) {
		earlyReserveRegionFn = func(mem.Size) (mem.VirtAddr, *kernel.Error) {
			return mem.VirtAddr(0x4000), nil
		}
		frameAllocFn = func() (pmm.Frame, *kernel.Error) { return pmm.Frame(1), nil }
		mapFn = func(vmm.Page, pmm.Frame, vmm.PageTableEntryFlag) *kernel.Error {
			return vmm.ErrPageAlreadyMapped
		}

		var statVal uint64
		got := sysAlloc(uintptr(mem.PageSize), &statVal)
		if uintptr(got) != 0 {
			t.Fatal("expected a nil pointer when mapping fails")
		}
	})
}

func TestGetRandomData(t *testing.T) {
	a := make([]byte, 128)
	b := make([]byte, 128)
	getRandomData(a)
	getRandomData(b)

	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatal("expected two successive random samples to differ")
	}
}

func TestInit(t *testing.T) {
	savedMalloc := mallocInitFn
	savedAlg := algInitFn
	savedModules := modulesInitFn
	savedTypeLinks := typeLinksInitFn
	savedItabs := itabsInitFn
	defer func() {
		mallocInitFn = savedMalloc
		algInitFn = savedAlg
		modulesInitFn = savedModules
		typeLinksInitFn = savedTypeLinks
		itabsInitFn = savedItabs
	}()

	var calls []string
	mallocInitFn = func() { calls = append(calls, "malloc") }
	algInitFn = func() { calls = append(calls, "alg") }
	modulesInitFn = func() { calls = append(calls, "modules") }
	typeLinksInitFn = func() { calls = append(calls, "typelinks") }
	itabsInitFn = func() { calls = append(calls, "itabs") }

	if err := Init(&vmm.Mapper{}, func(mem.Size) (mem.VirtAddr, *kernel.Error) { return 0, nil }); err != nil {
		t.Fatalf("expected Init to succeed; got %v", err)
	}

	want := []string{"malloc", "alg", "modules", "typelinks", "itabs"}
	if len(calls) != len(want) {
		t.Fatalf("expected %d init calls; got %d (%v)", len(want), len(calls), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected init call %d to be %q; got %q", i, want[i], calls[i])
		}
	}
}
