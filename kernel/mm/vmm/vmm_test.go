package vmm

import (
	"gokern/kernel"
	"gokern/kernel/cpu"
	"gokern/kernel/mm"
)

// arenaAccessor backs page tables with regular Go memory. Tables are keyed
// by the frame that holds them so that walks follow the same frame chain as
// the MMU would.
type arenaAccessor struct {
	tables  map[mm.Frame]*pageTable
	cleared []mm.Page
}

func newArenaAccessor() *arenaAccessor {
	return &arenaAccessor{tables: make(map[mm.Frame]*pageTable)}
}

func (a *arenaAccessor) table(_ uint8, _ mm.Page, frame mm.Frame) *pageTable {
	t, ok := a.tables[frame]
	if !ok {
		t = new(pageTable)
		a.tables[frame] = t
	}
	return t
}

func (a *arenaAccessor) clearPage(page mm.Page, _ mm.Frame) {
	a.cleared = append(a.cleared, page)
}

// fill populates the table held by frame with garbage.
func (a *arenaAccessor) fill(frame mm.Frame) {
	t := a.table(0, 0, frame)
	for i := range t {
		t[i] = 0xdeadbeefdeadbeef
	}
}

func newArenaPDT(pdtFrame mm.Frame) (PageDirectoryTable, *arenaAccessor) {
	arena := newArenaAccessor()
	return PageDirectoryTable{pdtFrame: pdtFrame, tables: arena}, arena
}

// seqAllocator returns consecutive frames starting at next and fails with
// errNoFrames after limit allocations. A negative limit never fails.
type seqAllocator struct {
	next  mm.Frame
	limit int
	count int
}

var errNoFrames = &kernel.Error{Module: "test", Message: "out of frames"}

func (s *seqAllocator) alloc() (mm.Frame, *kernel.Error) {
	if s.limit >= 0 && s.count >= s.limit {
		return mm.InvalidFrame, errNoFrames
	}

	s.count++
	s.next++
	return s.next - 1, nil
}

func restoreVMMFns() {
	readCR2Fn = cpu.ReadCR2
	activePDTFn = cpu.ActivePDT
	flushTLBEntryFn = cpu.FlushTLBEntry
	tablePtrFn = defaultTablePtrFn
}

var defaultTablePtrFn = tablePtrFn
