package vmm

import (
	"gokern/kernel/mm"
	"math"
)

const (
	// ptePhysPageMask extracts the physical frame address from a page table
	// entry. For this architecture, bits 12-51 contain the address.
	ptePhysPageMask = uint64(0x000ffffffffff000)

	// entriesPerTable is the number of entries in a table at any level.
	entriesPerTable = 1 << mm.PageLevelBits

	// selfMapIndex is the P4 slot that points back to the P4 itself.
	selfMapIndex = entriesPerTable - 1
)

var (
	// pdtVirtualAddr is the virtual address of the active P4 table. With
	// the P4 mapped into its own last slot, an address whose four table
	// indices are all 511 makes the MMU follow that slot at every level
	// and land on the P4.
	pdtVirtualAddr = uintptr(math.MaxUint64 &^ ((1 << mm.PageShift) - 1))

	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address.
	pageLevelShifts = [mm.PageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set on P3 and P2 entries that map a 1G or 2M page
	// directly instead of pointing to a lower-level table.
	FlagHugePage

	// FlagGlobal prevents the TLB entry for this page from being flushed
	// when CR3 is reloaded.
	FlagGlobal

	// FlagNoExecute marks the page contents as non-executable.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
