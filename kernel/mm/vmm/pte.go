package vmm

import (
	"gokern/kernel/mm"
	"sync/atomic"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

// pageTableEntry is a single 64-bit page table entry. It encodes a physical
// frame address in bits 12-51 and a set of flags.
type pageTableEntry uint64

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(pte) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint64(*pte) | uint64(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uint64(*pte) &^ uint64(flags))
}

// Frame returns the physical frame that this entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.FrameFromAddress(uintptr(uint64(pte) & ptePhysPageMask))
}

// SetFrame updates the entry to point to the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = pageTableEntry((uint64(*pte) &^ ptePhysPageMask) | (uint64(frame.Address()) & ptePhysPageMask))
}

// pageTable is one 4K table of the paging hierarchy. The MMU reads and
// updates entries behind the compiler's back, so every access goes through
// an atomic load or store which the compiler can neither elide nor reorder.
type pageTable [entriesPerTable]uint64

// load returns the entry at index.
func (t *pageTable) load(index uintptr) pageTableEntry {
	return pageTableEntry(atomic.LoadUint64(&t[index]))
}

// store overwrites the entry at index.
func (t *pageTable) store(index uintptr, pte pageTableEntry) {
	atomic.StoreUint64(&t[index], uint64(pte))
}

// clear zeroes every entry in the table.
func (t *pageTable) clear() {
	for index := range t {
		atomic.StoreUint64(&t[index], 0)
	}
}
