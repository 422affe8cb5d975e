package kernel

// Error describes a kernel error. Kernel code runs before (and without) the
// Go allocator so errors cannot be built with errors.New; instead, every
// error is declared as a package-level pointer to an Error value and
// compared by identity.
type Error struct {
	// The subsystem that raised the error (e.g. "vmm", "gate").
	Module string

	// A human-readable description of the failure.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
