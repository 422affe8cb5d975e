package mm

import "gokern/kernel"

var (
	// ErrInvalidPage is raised when a page number does not fit in the
	// 36-bit virtual page number space.
	ErrInvalidPage = &kernel.Error{Module: "mm", Message: "page number exceeds the virtual address space"}
)

// Page is a virtual page number in [0, MaxPage). Page numbers drop the
// sign-extension bits of canonical addresses: pages in the upper half of the
// address space have bit 35 set.
type Page uintptr

// PageFromAddress returns the Page that contains virtAddr. Unaligned
// addresses are rounded down and the sign-extension bits (48-63) are
// discarded.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(virtAddr>>PageShift) & (MaxPage - 1)
}

// Address returns the canonical virtual address of the first byte in this
// page. Bit 35 of the page number is replicated into address bits 48-63.
// Address panics with ErrInvalidPage if p >= MaxPage.
func (p Page) Address() uintptr {
	if p >= MaxPage {
		panic(ErrInvalidPage)
	}

	// Shift bit 35 up to bit 63 and arithmetic-shift back down so that
	// it fills the top 16 bits of the address.
	const signShift = 64 - pageNumberBits
	return uintptr(int64(p<<signShift) >> (signShift - PageShift))
}

// LevelIndex returns the index of the table entry that maps this page at the
// given paging level (0 for P4 through PageLevels-1 for P1).
func (p Page) LevelIndex(level uint8) uintptr {
	shift := uintptr(PageLevels-1-level) * PageLevelBits
	return uintptr(p>>shift) & (1<<PageLevelBits - 1)
}

// IsCanonical returns true if bits 48-63 of virtAddr are copies of bit 47.
func IsCanonical(virtAddr uintptr) bool {
	top := int64(virtAddr) >> 47
	return top == 0 || top == -1
}

// PageOffset returns the offset of virtAddr within its page.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (PageSize - 1)
}
