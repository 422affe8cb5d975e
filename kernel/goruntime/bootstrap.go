// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
//
// The runtime requests memory from the OS through a small set of hooks
// (sysReserveOS, sysMapOS, sysAllocOS and friends). The functions in this
// package annotated with go:redirect-from replace those hooks: the
// tools/redirects tool records their addresses in the kernel image and the
// boot code patches the runtime versions to jump here.
package goruntime

import (
	"gokern/kernel"
	"gokern/kernel/mm"
	"gokern/kernel/mm/vmm"
	"unsafe"
)

var (
	// heapPDT and heapAllocFn back every runtime memory request. They
	// are set by Init.
	heapPDT     vmm.PageDirectoryTable
	heapAllocFn mm.FrameAllocatorFn

	// the following functions are mocked by tests.
	mapRangeFn           = mapRange
	earlyReserveRegionFn = vmm.EarlyReserveRegion
	mallocInitFn         = mallocInit
	algInitFn            = algInit
	modulesInitFn        = modulesInit
	typeLinksInitFn      = typeLinksInit
	itabsInitFn          = itabsInit

	// A seed for the pseudo-random number generator used by getRandomData
	prngSeed = 0xdeadc0de

	errNoFrameAllocator = &kernel.Error{Module: "goruntime", Message: "a frame allocator is required for bootstrapping the Go allocator"}
)

// mapRange maps [start, end) to fresh zeroed frames.
func mapRange(start, end mm.Page) *kernel.Error {
	return heapPDT.MapRange(start, end, heapAllocFn)
}

// pageRange returns the pages that cover the n bytes starting at v.
func pageRange(v unsafe.Pointer, n uintptr) (mm.Page, mm.Page) {
	start := uintptr(v) &^ (mm.PageSize - 1)
	end := (uintptr(v) + n + mm.PageSize - 1) &^ (mm.PageSize - 1)
	return mm.PageFromAddress(start), mm.PageFromAddress(end)
}

// sysReserveOS reserves address space without allocating any memory or
// establishing any page mappings. The hint in v is ignored.
//
// This function replaces runtime.sysReserveOS and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysReserveOS
//go:nosplit
func sysReserveOS(_ unsafe.Pointer, n uintptr) unsafe.Pointer {
	regionStartAddr, err := earlyReserveRegionFn(n)
	if err != nil {
		return nil
	}

	return unsafe.Pointer(regionStartAddr)
}

// sysMapOS backs a region previously returned by sysReserveOS with physical
// frames. The runtime expects the memory to be zeroed which Map guarantees.
//
// This function replaces runtime.sysMapOS and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMapOS
//go:nosplit
func sysMapOS(v unsafe.Pointer, n uintptr) {
	start, end := pageRange(v, n)
	if err := mapRangeFn(start, end); err != nil {
		panic(err)
	}
}

// sysAllocOS reserves enough physical frames to satisfy the allocation
// request and establishes a contiguous virtual page mapping for them
// returning back the pointer to the virtual region start.
//
// This function replaces runtime.sysAllocOS and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysAllocOS
//go:nosplit
func sysAllocOS(n uintptr) unsafe.Pointer {
	regionStartAddr, err := earlyReserveRegionFn(n)
	if err != nil {
		return nil
	}

	start, end := pageRange(unsafe.Pointer(regionStartAddr), n)
	if err = mapRangeFn(start, end); err != nil {
		return nil
	}

	return unsafe.Pointer(regionStartAddr)
}

// sysUnusedOS would normally return the frames backing a region to the
// OS. Frames are never reclaimed so the region stays mapped.
//
//go:redirect-from runtime.sysUnusedOS
//go:nosplit
func sysUnusedOS(_ unsafe.Pointer, _ uintptr) {
}

// sysFreeOS would normally unmap a region. Frames are never reclaimed so
// the region stays mapped.
//
//go:redirect-from runtime.sysFreeOS
//go:nosplit
func sysFreeOS(_ unsafe.Pointer, _ uintptr) {
}

// nanotime1 returns a monotonically increasing clock value. This is a dummy
// implementation that will be replaced once a clock source is available.
//
// This function replaces runtime.nanotime1 and is invoked by the Go
// allocator when a span allocation is performed.
//
//go:redirect-from runtime.nanotime1
//go:nosplit
func nanotime1() int64 {
	// Use a dummy loop to prevent the compiler from inlining this function.
	for i := 0; i < 100; i++ {
	}
	return 1
}

// getRandomData populates the given slice with random data. The runtime
// version reads from /dev/urandom which is not available, so a prng is used
// instead.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables support for various Go runtime features. Memory requested by
// the runtime is reserved right below the recursive mapping slot and mapped
// through pdt with frames obtained from allocFn. After a call to Init
// the following runtime features become available for use:
//   - heap memory allocation (new, make e.t.c)
//   - map primitives
//   - interfaces
func Init(pdt vmm.PageDirectoryTable, allocFn mm.FrameAllocatorFn) *kernel.Error {
	if allocFn == nil {
		return errNoFrameAllocator
	}

	heapPDT = pdt
	heapAllocFn = allocFn

	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var zeroPtr = unsafe.Pointer(uintptr(0))

	sysReserveOS(zeroPtr, 0)
	sysMapOS(zeroPtr, 0)
	sysAllocOS(0)
	sysUnusedOS(zeroPtr, 0)
	sysFreeOS(zeroPtr, 0)
	getRandomData(nil)
	_ = nanotime1()
}
