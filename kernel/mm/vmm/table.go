package vmm

import (
	"gokern/kernel"
	"gokern/kernel/mm"
	"unsafe"
)

// tableAccessor resolves the memory that backs the paging structures of a
// page directory table.
type tableAccessor interface {
	// table returns the table at the given paging level (0 for the P4)
	// that is traversed when translating page. frame is the physical
	// frame that holds the table.
	table(level uint8, page mm.Page, frame mm.Frame) *pageTable

	// clearPage zero-fills a page right after it has been mapped to frame.
	clearPage(page mm.Page, frame mm.Frame)
}

// recursiveAccessor reaches the tables of the active page directory table
// through its self-mapping slot. It ignores the frame argument: the address
// of each table is a pure function of the level and the translated page.
type recursiveAccessor struct{}

// table returns a pointer to the requested table using the recursive
// mapping. Starting at pdtVirtualAddr, each level appends the entry offset
// and shifts the result left by 9 bits which adds one more pass through the
// self-map slot.
func (recursiveAccessor) table(level uint8, page mm.Page, _ mm.Frame) *pageTable {
	tableAddr := pdtVirtualAddr
	for l := uint8(0); l < level; l++ {
		entryAddr := tableAddr + (page.LevelIndex(l) << mm.PointerShift)
		tableAddr = entryAddr << mm.PageLevelBits
	}

	return (*pageTable)(tablePtrFn(tableAddr))
}

// clearPage zero-fills the page through its freshly installed mapping.
func (recursiveAccessor) clearPage(page mm.Page, _ mm.Frame) {
	kernel.Memset(page.Address(), 0, mm.PageSize)
}

var (
	// tablePtrFn converts a table address into a pointer. It is used by
	// tests to observe the addresses generated by recursiveAccessor. When
	// compiling the kernel this function will be automatically inlined.
	tablePtrFn = func(tableAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(tableAddr)
	}
)
