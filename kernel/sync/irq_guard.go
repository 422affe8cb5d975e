// Package sync provides the synchronization primitives used by the kernel
// core. On a single core the only source of preemption is an interrupt, so
// mutual exclusion is achieved by masking interrupts around critical
// sections.
package sync

import "gokern/kernel/cpu"

// InterruptControl is the set of CPU operations used by IRQGuard to inspect
// and toggle the interrupt flag.
type InterruptControl struct {
	Enabled func() bool
	Disable func()
	Enable  func()
}

var irqControl = InterruptControl{
	Enabled: cpu.InterruptsEnabled,
	Disable: cpu.DisableInterrupts,
	Enable:  cpu.EnableInterrupts,
}

// SetInterruptControl replaces the operations used by every IRQGuard and
// returns the previously installed ones. Code running in user mode (e.g.
// tests) must install a replacement since CLI and STI fault outside ring 0.
func SetInterruptControl(ic InterruptControl) InterruptControl {
	prev := irqControl
	irqControl = ic
	return prev
}

// IRQGuard masks interrupts for the duration of a critical section. Guards
// can be nested; interrupts are restored to the state observed by the
// outermost Acquire once the matching outermost Release runs. An IRQGuard
// never blocks.
type IRQGuard struct {
	depth uint32

	// restore is set if interrupts were enabled when the outermost
	// Acquire call was made.
	restore bool
}

// Acquire disables interrupts. The interrupt state before the call is only
// recorded by the outermost Acquire.
func (g *IRQGuard) Acquire() {
	wasEnabled := irqControl.Enabled()
	irqControl.Disable()

	if g.depth == 0 {
		g.restore = wasEnabled
	}
	g.depth++
}

// Release undoes a previous call to Acquire. Calling Release on a guard that
// is not held has no effect.
func (g *IRQGuard) Release() {
	if g.depth == 0 {
		return
	}

	g.depth--
	if g.depth == 0 && g.restore {
		g.restore = false
		irqControl.Enable()
	}
}

// Held returns true while at least one Acquire call is outstanding.
func (g *IRQGuard) Held() bool {
	return g.depth != 0
}
