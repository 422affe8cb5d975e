package vmm

import (
	"gokern/kernel"
	"gokern/kernel/mm"
)

const (
	// earlyReserveTop is the end of the region handed out by
	// EarlyReserveRegion. It coincides with the start of the recursive
	// mapping slot.
	earlyReserveTop = uintptr(selfMapIndex)<<39 | 0xffff000000000000

	// earlyReserveFloor bounds reservations from below so that they never
	// reach the lower kernel slots.
	earlyReserveFloor = uintptr(0xffffc00000000000)
)

var (
	// earlyReserveLastUsed tracks the last reserved page address and is
	// decreased after each allocation request.
	earlyReserveLastUsed = earlyReserveTop

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mm.PageSize it will be automatically
// rounded up. No pages are mapped.
//
// Regions are carved downwards starting right below the recursive mapping
// slot and are never released.
func EarlyReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) &^ (mm.PageSize - 1)

	if size > earlyReserveLastUsed-earlyReserveFloor {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= size
	return earlyReserveLastUsed, nil
}
