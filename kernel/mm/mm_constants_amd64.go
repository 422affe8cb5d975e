package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// PageLevels is the number of paging levels (P4, P3, P2, P1).
	PageLevels = 4

	// PageLevelBits is the number of virtual address bits consumed by each
	// paging level. Every table therefore holds 1 << PageLevelBits entries.
	PageLevelBits = 9

	// pageNumberBits is the width of a virtual page number: 48 bits of
	// canonical address space minus the 12-bit page offset.
	pageNumberBits = PageLevels * PageLevelBits

	// MaxPage is the first page number outside the valid page range.
	MaxPage = Page(1 << pageNumberBits)
)
