// Package pmm implements physical memory management.
package pmm

import (
	"gokern/kernel"
	"gokern/kernel/kfmt"
	"gokern/kernel/mm"
	"gokern/kernel/sync"
	"io"
	"unsafe"
)

var (
	// ErrOutOfMemory is returned by AllocFrame once every candidate frame
	// below the end of usable memory has been handed out or rejected.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}
)

// RangeAllocator is an allocate-only physical frame allocator driven by two
// range sources reported by the bootloader: the usable memory regions and
// the regions occupied by the kernel image, boot data and so on.
//
// Frames are handed out in strictly increasing order. A frame is returned
// only if it lies entirely inside a usable range and is not entirely inside
// any occupied range. A frame that is only partially occupied is handed out.
// Frames are never reclaimed.
type RangeAllocator struct {
	guard sync.IRQGuard

	usable, occupied mm.RangeSource

	// usableMax is the largest end address over all usable ranges.
	usableMax uint64

	// next is the frame index of the next allocation candidate.
	next mm.Frame

	allocCount uint64
}

// NewRangeAllocator creates an allocator over the supplied range sources.
// Both sources are walked once per allocation attempt so they must be
// restartable. The allocator is returned by value so that it can live in a
// package-level variable before the Go allocator is available.
func NewRangeAllocator(usable, occupied mm.RangeSource) RangeAllocator {
	var usableMax uint64

	visitor := func(r mm.Range) bool {
		if r.Hi > usableMax {
			usableMax = r.Hi
		}
		return true
	}
	visit(usable, visitor)

	return RangeAllocator{
		usable:    usable,
		occupied:  occupied,
		usableMax: usableMax,
	}
}

// AllocFrame reserves the next free physical frame. It returns
// ErrOutOfMemory once the candidate frame starts at or past the end of
// usable memory; every subsequent call fails the same way.
func (alloc *RangeAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.guard.Acquire()
	defer alloc.guard.Release()

	for {
		lo := uint64(alloc.next.Address())
		if lo >= alloc.usableMax {
			return mm.InvalidFrame, ErrOutOfMemory
		}
		hi := lo + uint64(mm.PageSize)

		// Fast-forward over gaps; the frames skipped here would all be
		// rejected by the containment checks below.
		if skipTo := alloc.nextCandidate(lo, hi); skipTo != lo {
			alloc.next = mm.FrameFromAddress(uintptr(alignUp(skipTo)))
			continue
		}

		frame := alloc.next
		alloc.next++
		alloc.allocCount++
		return frame, nil
	}
}

// nextCandidate returns lo if [lo, hi) can be allocated. Otherwise it
// returns an address strictly greater than lo below which no frame can be
// allocated.
func (alloc *RangeAllocator) nextCandidate(lo, hi uint64) uint64 {
	var (
		contained  bool
		nextUsable = alloc.usableMax
	)

	usableVisitor := func(r mm.Range) bool {
		if r.Contains(lo, hi) {
			contained = true
			return false
		}

		// The closest usable range that still has room for a frame
		// after lo.
		if start := alignUp(r.Lo); start > lo && start < nextUsable && start+uint64(mm.PageSize) <= r.Hi {
			nextUsable = start
		}
		return true
	}
	visit(alloc.usable, usableVisitor)

	if !contained {
		return nextUsable
	}

	// Every frame starting below the page-aligned end of an occupied range
	// that contains [lo, hi) is contained in it as well.
	skipTo := lo
	occupiedVisitor := func(r mm.Range) bool {
		if end := alignDown(r.Hi); r.Contains(lo, hi) && end > skipTo {
			skipTo = end
		}
		return true
	}
	visit(alloc.occupied, occupiedVisitor)

	return skipTo
}

// AllocCount returns the number of frames handed out so far.
func (alloc *RangeAllocator) AllocCount() uint64 {
	return alloc.allocCount
}

// PrintMemoryMap writes the usable and occupied ranges tracked by the
// allocator to w.
func (alloc *RangeAllocator) PrintMemoryMap(w io.Writer) {
	var totalUsable uint64

	kfmt.Fprintf(w, "[pmm] usable memory ranges:\n")
	usableVisitor := func(r mm.Range) bool {
		kfmt.Fprintf(w, "\t[0x%10x - 0x%10x], size: %10d\n", r.Lo, r.Hi, r.Hi-r.Lo)
		totalUsable += r.Hi - r.Lo
		return true
	}
	visit(alloc.usable, usableVisitor)

	kfmt.Fprintf(w, "[pmm] occupied memory ranges:\n")
	occupiedVisitor := func(r mm.Range) bool {
		kfmt.Fprintf(w, "\t[0x%10x - 0x%10x], size: %10d\n", r.Lo, r.Hi, r.Hi-r.Lo)
		return true
	}
	visit(alloc.occupied, occupiedVisitor)

	kfmt.Fprintf(w, "[pmm] usable memory: %dKb\n", totalUsable>>10)
}

func alignUp(addr uint64) uint64 {
	return (addr + uint64(mm.PageSize-1)) &^ uint64(mm.PageSize-1)
}

func alignDown(addr uint64) uint64 {
	return addr &^ uint64(mm.PageSize-1)
}

// visit walks src with visitor, hiding the visitor closure from escape
// analysis so that walking a source does not allocate.
func visit(src mm.RangeSource, visitor mm.RangeVisitor) {
	src(*(*mm.RangeVisitor)(noEscape(unsafe.Pointer(&visitor))))
}

// noEscape hides a pointer from escape analysis; same as noescape in
// runtime/stubs.go.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
