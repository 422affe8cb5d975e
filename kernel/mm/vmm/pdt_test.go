package vmm

import (
	"fmt"
	"gokern/kernel"
	"gokern/kernel/mm"
	"testing"
	"unsafe"
)

func TestMapTranslateUnmap(t *testing.T) {
	defer restoreVMMFns()

	var flushed []uintptr
	flushTLBEntryFn = func(addr uintptr) { flushed = append(flushed, addr) }

	specs := []struct {
		virtAddr uintptr
		frame    mm.Frame
	}{
		{0x0000000000400000, mm.Frame(0x42)},
		{0x00007ffffffff000, mm.Frame(0x1)},
		{0xffff800000200000, mm.Frame(0x1234)},
		{0xffffff7ffffff000, mm.Frame(0xfffff)},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			flushed = flushed[:0]
			pdt, arena := newArenaPDT(mm.Frame(1))
			allocator := seqAllocator{next: 100, limit: -1}
			page := mm.PageFromAddress(spec.virtAddr)

			if err := pdt.Map(page, spec.frame, allocator.alloc); err != nil {
				t.Fatal(err)
			}

			if exp := 3; allocator.count != exp {
				t.Errorf("expected Map to allocate %d tables; got %d", exp, allocator.count)
			}

			if len(arena.cleared) != 1 || arena.cleared[0] != page {
				t.Errorf("expected the mapped page to be cleared; got %v", arena.cleared)
			}

			if len(flushed) != 1 || flushed[0] != spec.virtAddr {
				t.Errorf("expected TLB entry for 0x%x to be flushed; got %v", spec.virtAddr, flushed)
			}

			physAddr, err := pdt.Translate(spec.virtAddr + 0x123)
			if err != nil {
				t.Fatal(err)
			}

			if exp := spec.frame.Address() + 0x123; physAddr != exp {
				t.Errorf("expected Translate to return 0x%x; got 0x%x", exp, physAddr)
			}

			if !pdt.IsMapped(page) {
				t.Error("expected IsMapped to return true")
			}

			pdt.Unmap(page)

			if _, err = pdt.Translate(spec.virtAddr); err != ErrInvalidMapping {
				t.Errorf("expected Translate after Unmap to return ErrInvalidMapping; got %v", err)
			}

			if len(flushed) != 2 || flushed[1] != spec.virtAddr {
				t.Errorf("expected Unmap to flush the TLB entry for 0x%x; got %v", spec.virtAddr, flushed)
			}

			// Intermediate tables are kept around
			if exp, got := 4, len(arena.tables); got != exp {
				t.Errorf("expected %d tables to exist after Unmap; got %d", exp, got)
			}
		})
	}
}

func TestPageTableUpdatesMaskInterrupts(t *testing.T) {
	defer restoreVMMFns()

	flag := interruptFlag{enabled: true}
	defer flag.install()()

	var (
		pdt, _    = newArenaPDT(mm.Frame(1))
		allocator = seqAllocator{next: 100, limit: -1}
		page      = mm.Page(0x1234)
		observed  []bool
	)

	flushTLBEntryFn = func(_ uintptr) { observed = append(observed, flag.enabled) }
	allocFn := func() (mm.Frame, *kernel.Error) {
		observed = append(observed, flag.enabled)
		return allocator.alloc()
	}

	if err := pdt.Map(page, mm.Frame(10), allocFn); err != nil {
		t.Fatal(err)
	}

	// 3 table allocations and a TLB flush
	if exp := 4; len(observed) != exp {
		t.Fatalf("expected %d callbacks during Map; got %d", exp, len(observed))
	}

	pdt.Unmap(page)

	if exp := 5; len(observed) != exp {
		t.Fatalf("expected a TLB flush during Unmap; got %d callbacks", len(observed))
	}

	for i, enabled := range observed {
		if enabled {
			t.Errorf("[callback %d] expected interrupts to be disabled while page tables are modified", i)
		}
	}

	if exp := 2; flag.disableCalls != exp {
		t.Errorf("expected interrupts to be disabled %d times; got %d", exp, flag.disableCalls)
	}

	if !flag.enabled {
		t.Error("expected interrupts to be enabled again once Unmap returns")
	}
}

func TestMapInitializesNewTables(t *testing.T) {
	defer restoreVMMFns()
	flushTLBEntryFn = func(_ uintptr) {}

	pdt, arena := newArenaPDT(mm.Frame(1))
	allocator := seqAllocator{next: 100, limit: -1}

	// Frames handed out by the allocator contain garbage
	for frame := mm.Frame(100); frame < 103; frame++ {
		arena.fill(frame)
	}

	page := mm.PageFromAddress(0x0000008040201000)
	if err := pdt.Map(page, mm.Frame(7), allocator.alloc); err != nil {
		t.Fatal(err)
	}

	frame := pdt.Frame()
	for level := uint8(0); level < mm.PageLevels; level++ {
		table := arena.tables[frame]
		index := page.LevelIndex(level)

		for i := range table {
			if uintptr(i) != index && table[i] != 0 {
				t.Fatalf("[level %d] expected entry %d to be cleared; got 0x%x", level, i, table[i])
			}
		}

		pte := table.load(index)
		if !pte.HasFlags(FlagPresent | FlagRW) {
			t.Fatalf("[level %d] expected entry %d to be present and writable; got 0x%x", level, index, pte)
		}

		if level < mm.PageLevels-1 {
			if exp := mm.Frame(100 + uintptr(level)); pte.Frame() != exp {
				t.Fatalf("[level %d] expected entry to point to frame %d; got %d", level, exp, pte.Frame())
			}
		}

		frame = pte.Frame()
	}

	if frame != mm.Frame(7) {
		t.Fatalf("expected leaf entry to point to frame 7; got %d", frame)
	}
}

func TestMapOverwritesExistingMapping(t *testing.T) {
	defer restoreVMMFns()
	flushTLBEntryFn = func(_ uintptr) {}

	pdt, _ := newArenaPDT(mm.Frame(1))
	allocator := seqAllocator{next: 100, limit: -1}
	page := mm.Page(0x1234)

	if err := pdt.Map(page, mm.Frame(10), allocator.alloc); err != nil {
		t.Fatal(err)
	}

	if err := pdt.Map(page, mm.Frame(20), allocator.alloc); err != nil {
		t.Fatal(err)
	}

	if exp := 3; allocator.count != exp {
		t.Errorf("expected remapping to reuse existing tables; got %d allocations", allocator.count)
	}

	if physAddr, _ := pdt.Translate(page.Address()); physAddr != mm.Frame(20).Address() {
		t.Errorf("expected page to be mapped to frame 20; got address 0x%x", physAddr)
	}
}

func TestMapAllocationFailure(t *testing.T) {
	defer restoreVMMFns()
	flushTLBEntryFn = func(_ uintptr) { t.Error("unexpected TLB flush") }

	for limit := 0; limit < 3; limit++ {
		pdt, arena := newArenaPDT(mm.Frame(1))
		allocator := seqAllocator{next: 100, limit: limit}
		page := mm.Page(0x1234)

		if err := pdt.Map(page, mm.Frame(10), allocator.alloc); err != errNoFrames {
			t.Errorf("[limit %d] expected to get errNoFrames; got %v", limit, err)
			continue
		}

		if len(arena.cleared) != 0 {
			t.Errorf("[limit %d] expected target page not to be cleared", limit)
		}

		// Tables created before the failure stay linked in
		if exp, got := limit+1, len(arena.tables); got != exp {
			t.Errorf("[limit %d] expected %d tables; got %d", limit, exp, got)
		}

		if pdt.IsMapped(page) {
			t.Errorf("[limit %d] expected page not to be mapped", limit)
		}
	}
}

func TestMapRejectsSelfMapRegion(t *testing.T) {
	defer restoreVMMFns()
	flushTLBEntryFn = func(_ uintptr) { t.Error("unexpected TLB flush") }

	specs := []uintptr{
		pdtVirtualAddr,
		0xffffff8000000000,
		0xffffffffc0201000,
	}

	for specIndex, addr := range specs {
		pdt, arena := newArenaPDT(mm.Frame(1))
		allocator := seqAllocator{next: 100, limit: 10}

		if err := pdt.Map(mm.PageFromAddress(addr), mm.Frame(10), allocator.alloc); err != errSelfMapRegion {
			t.Errorf("[spec %d] expected Map(0x%x) to return errSelfMapRegion; got %v", specIndex, addr, err)
		}

		if allocator.count != 0 || len(arena.tables) != 0 || len(arena.cleared) != 0 {
			t.Errorf("[spec %d] expected Map(0x%x) to leave the page tables untouched", specIndex, addr)
		}
	}

	// The slot right below the recursive one is ordinary kernel space
	pdt, _ := newArenaPDT(mm.Frame(1))
	allocator := seqAllocator{next: 100, limit: 10}
	flushTLBEntryFn = func(_ uintptr) {}
	if err := pdt.Map(mm.PageFromAddress(0xffffff7ffffff000), mm.Frame(10), allocator.alloc); err != nil {
		t.Fatalf("expected Map below the recursive slot to succeed; got %v", err)
	}
}

func TestHugePages(t *testing.T) {
	defer restoreVMMFns()
	flushTLBEntryFn = func(_ uintptr) {}

	specs := []struct {
		level    uint8
		virtAddr uintptr
		expPhys  uintptr
	}{
		// 1G page mapped at P3 level
		{1, 0x0000000040012345, 0x0000000080012345},
		// 2M page mapped at P2 level
		{2, 0x0000000000212345, 0x0000000080012345},
	}

	for specIndex, spec := range specs {
		pdt, arena := newArenaPDT(mm.Frame(1))
		page := mm.PageFromAddress(spec.virtAddr)

		// Link tables down to the level that holds the huge entry
		frame := pdt.Frame()
		for level := uint8(0); level < spec.level; level++ {
			var pte pageTableEntry
			pte.SetFrame(frame + 1)
			pte.SetFlags(FlagPresent | FlagRW)
			arena.table(level, page, frame).store(page.LevelIndex(level), pte)
			frame++
		}

		var huge pageTableEntry
		huge.SetFrame(mm.FrameFromAddress(0x80000000))
		huge.SetFlags(FlagPresent | FlagRW | FlagHugePage)
		arena.table(spec.level, page, frame).store(page.LevelIndex(spec.level), huge)

		physAddr, err := pdt.Translate(spec.virtAddr)
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
		} else if physAddr != spec.expPhys {
			t.Errorf("[spec %d] expected Translate to return 0x%x; got 0x%x", specIndex, spec.expPhys, physAddr)
		}

		allocator := seqAllocator{next: 100, limit: -1}
		if err = pdt.Map(page, mm.Frame(10), allocator.alloc); err != errNoHugePageSupport {
			t.Errorf("[spec %d] expected Map to return errNoHugePageSupport; got %v", specIndex, err)
		}

		func() {
			defer func() {
				if err := recover(); err != errNoHugePageSupport {
					t.Errorf("[spec %d] expected Unmap to panic with errNoHugePageSupport; got %v", specIndex, err)
				}
			}()
			pdt.Unmap(page)
		}()
	}
}

func TestTranslateErrors(t *testing.T) {
	pdt, _ := newArenaPDT(mm.Frame(1))

	specs := []struct {
		virtAddr uintptr
		expErr   *kernel.Error
	}{
		{0x0000800000000000, ErrNonCanonicalAddress},
		{0xfff0000000000000, ErrNonCanonicalAddress},
		{0x0000000000001000, ErrInvalidMapping},
		{0xffff800000000000, ErrInvalidMapping},
	}

	for specIndex, spec := range specs {
		if _, err := pdt.Translate(spec.virtAddr); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestUnmapPanicsForUnmappedPage(t *testing.T) {
	defer restoreVMMFns()
	flushTLBEntryFn = func(_ uintptr) { t.Error("unexpected TLB flush") }

	pdt, _ := newArenaPDT(mm.Frame(1))

	defer func() {
		if err := recover(); err != ErrInvalidMapping {
			t.Errorf("expected Unmap to panic with ErrInvalidMapping; got %v", err)
		}

		if guard.Held() {
			t.Error("expected guard to be released")
		}
	}()

	pdt.Unmap(mm.Page(0x1234))
}

func TestMapRange(t *testing.T) {
	defer restoreVMMFns()
	flushTLBEntryFn = func(_ uintptr) {}

	pdt, arena := newArenaPDT(mm.Frame(1))
	allocator := seqAllocator{next: 100, limit: -1}
	start, end := mm.Page(0x200), mm.Page(0x204)

	if err := pdt.MapRange(start, end, allocator.alloc); err != nil {
		t.Fatal(err)
	}

	if exp, got := int(end-start), len(arena.cleared); got != exp {
		t.Errorf("expected %d pages to be mapped; got %d", exp, got)
	}

	seen := make(map[uintptr]bool)
	for page := start; page < end; page++ {
		physAddr, err := pdt.Translate(page.Address())
		if err != nil {
			t.Fatalf("expected page %d to be mapped; got %v", page, err)
		}

		if seen[physAddr] {
			t.Errorf("expected page %d to be mapped to a distinct frame", page)
		}
		seen[physAddr] = true
	}

	if pdt.IsMapped(end) {
		t.Error("expected end page not to be mapped")
	}

	failing := seqAllocator{next: 200, limit: 0}
	if err := pdt.MapRange(end, end+1, failing.alloc); err != errNoFrames {
		t.Errorf("expected MapRange to return errNoFrames; got %v", err)
	}
}

func TestRecursiveAccessorAddresses(t *testing.T) {
	defer restoreVMMFns()

	var (
		dummy     pageTable
		tableAddr uintptr
	)
	tablePtrFn = func(addr uintptr) unsafe.Pointer {
		tableAddr = addr
		return unsafe.Pointer(&dummy)
	}

	specs := []struct {
		virtAddr     uintptr
		expTableAddr [mm.PageLevels]uintptr
	}{
		{
			0,
			[mm.PageLevels]uintptr{0xfffffffffffff000, 0xffffffffffe00000, 0xffffffffc0000000, 0xffffff8000000000},
		},
		{
			0x0000008040201000,
			[mm.PageLevels]uintptr{0xfffffffffffff000, 0xffffffffffe01000, 0xffffffffc0201000, 0xffffff8040201000},
		},
		{
			// The P4 reaches itself through every level
			pdtVirtualAddr,
			[mm.PageLevels]uintptr{pdtVirtualAddr, pdtVirtualAddr, pdtVirtualAddr, pdtVirtualAddr},
		},
	}

	var accessor recursiveAccessor
	for specIndex, spec := range specs {
		page := mm.PageFromAddress(spec.virtAddr)
		for level := uint8(0); level < mm.PageLevels; level++ {
			if got := accessor.table(level, page, mm.InvalidFrame); got != &dummy {
				t.Fatalf("[spec %d] expected accessor to return the pointer from tablePtrFn", specIndex)
			}

			if exp := spec.expTableAddr[level]; tableAddr != exp {
				t.Errorf("[spec %d] expected level %d table address to be 0x%16x; got 0x%16x", specIndex, level, exp, tableAddr)
			}
		}
	}
}

func TestActivePDT(t *testing.T) {
	defer restoreVMMFns()
	activePDTFn = func() uintptr { return 0x123000 }

	pdt := ActivePDT()
	if exp := mm.Frame(0x123); pdt.Frame() != exp {
		t.Errorf("expected active PDT frame to be %d; got %d", exp, pdt.Frame())
	}

	if _, ok := pdt.tables.(recursiveAccessor); !ok {
		t.Errorf("expected active PDT to use the recursive accessor; got %T", pdt.tables)
	}
}
