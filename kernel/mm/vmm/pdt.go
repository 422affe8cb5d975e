package vmm

import (
	"gokern/kernel"
	"gokern/kernel/mm"
	"gokern/kernel/sync"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrNonCanonicalAddress is returned when translating an address whose
	// bits 48-63 are not a sign extension of bit 47.
	ErrNonCanonicalAddress = &kernel.Error{Module: "vmm", Message: "virtual address is not canonical"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errSelfMapRegion     = &kernel.Error{Module: "vmm", Message: "virtual address is reserved for the recursive page table mapping"}

	// guard masks interrupts while page tables are being modified.
	guard sync.IRQGuard
)

// PageDirectoryTable describes the top-most table (P4) of the 4-level
// paging hierarchy together with the means to reach the tables below it.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
	tables   tableAccessor
}

// ActivePDT returns a PageDirectoryTable for the currently loaded P4. The
// P4 must have its last entry pointing to itself.
func ActivePDT() PageDirectoryTable {
	return PageDirectoryTable{
		pdtFrame: mm.FrameFromAddress(activePDTFn()),
		tables:   recursiveAccessor{},
	}
}

// Frame returns the physical frame that holds the P4 table.
func (pdt PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// pageTableWalker is a function that can be passed to walk. It receives the
// paging level, the table at that level and the index of the entry that
// translates the walked page. If the function returns false, then the walk
// is aborted.
type pageTableWalker func(level uint8, table *pageTable, index uintptr) bool

// walk performs a page table walk for the given page, calling walkFn with
// the table entry that corresponds to each paging level. The entry is read
// again after walkFn returns, so walkFn may install a missing table.
func (pdt PageDirectoryTable) walk(page mm.Page, walkFn pageTableWalker) {
	frame := pdt.pdtFrame
	for level := uint8(0); level < mm.PageLevels; level++ {
		table := pdt.tables.table(level, page, frame)
		index := page.LevelIndex(level)
		if !walkFn(level, table, index) {
			return
		}

		frame = table.load(index).Frame()
	}
}

// Translate returns the physical address that corresponds to the supplied
// virtual address. It returns ErrNonCanonicalAddress for non-canonical
// addresses and ErrInvalidMapping if any entry on the translation path is
// not present. Pages mapped via huge P3 or P2 entries are translated too.
func (pdt PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	if !mm.IsCanonical(virtAddr) {
		return 0, ErrNonCanonicalAddress
	}

	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	pdt.walk(mm.PageFromAddress(virtAddr), func(level uint8, table *pageTable, index uintptr) bool {
		pte := table.load(index)
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if level == mm.PageLevels-1 || pte.HasFlags(FlagHugePage) {
			offsetMask := uintptr(1)<<pageLevelShifts[level] - 1
			physAddr = (pte.Frame().Address() &^ offsetMask) + (virtAddr & offsetMask)
			err = nil
			return false
		}

		return true
	})

	if err != nil {
		return 0, err
	}

	return physAddr, nil
}

// IsMapped returns true if page is mapped to a physical frame.
func (pdt PageDirectoryTable) IsMapped(page mm.Page) bool {
	_, err := pdt.Translate(page.Address())
	return err == nil
}

// Map establishes a present and writable mapping between a virtual page and
// a physical frame. Missing intermediate tables are allocated with allocFn,
// linked as present and writable and zeroed. An existing mapping for page
// is overwritten. Once the mapping is installed the contents of the page are
// zero-filled.
//
// If allocFn fails, its error is returned; tables created before the failure
// stay in place. Pages whose P4 index selects the recursive slot are
// rejected with errSelfMapRegion as they alias the paging structures.
func (pdt PageDirectoryTable) Map(page mm.Page, frame mm.Frame, allocFn mm.FrameAllocatorFn) *kernel.Error {
	if page.LevelIndex(0) == selfMapIndex {
		return errSelfMapRegion
	}

	var err *kernel.Error

	guard.Acquire()
	pdt.walk(page, func(level uint8, table *pageTable, index uintptr) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flush its TLB entry
		if level == mm.PageLevels-1 {
			var pte pageTableEntry
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | FlagRW)
			table.store(index, pte)
			flushTLBEntryFn(page.Address())
			return true
		}

		pte := table.load(index)
		if pte.HasFlags(FlagPresent | FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			var tableFrame mm.Frame
			if tableFrame, err = allocFn(); err != nil {
				return false
			}

			pte = 0
			pte.SetFrame(tableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
			table.store(index, pte)

			// The new table becomes reachable as soon as its parent
			// entry is present; it holds garbage until cleared.
			pdt.tables.table(level+1, page, tableFrame).clear()
		}

		return true
	})
	guard.Release()

	if err != nil {
		return err
	}

	pdt.tables.clearPage(page, frame)
	return nil
}

// MapRange maps every page in [start, end) to a freshly allocated frame.
// It stops at the first failure and returns its error.
func (pdt PageDirectoryTable) MapRange(start, end mm.Page, allocFn mm.FrameAllocatorFn) *kernel.Error {
	for page := start; page < end; page++ {
		frame, err := allocFn()
		if err != nil {
			return err
		}

		if err = pdt.Map(page, frame, allocFn); err != nil {
			return err
		}
	}

	return nil
}

// Unmap removes the mapping for page by clearing its P1 entry and flushing
// the TLB entry for its address. Intermediate tables are left in place even
// if they become empty. Unmap panics with ErrInvalidMapping if page is not
// mapped.
func (pdt PageDirectoryTable) Unmap(page mm.Page) {
	var err = ErrInvalidMapping

	guard.Acquire()
	pdt.walk(page, func(level uint8, table *pageTable, index uintptr) bool {
		pte := table.load(index)
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if level < mm.PageLevels-1 && pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if level == mm.PageLevels-1 {
			table.store(index, 0)
			flushTLBEntryFn(page.Address())
			err = nil
		}

		return true
	})
	guard.Release()

	if err != nil {
		panic(err)
	}
}
