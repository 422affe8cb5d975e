package gate

//go:generate go run gokern/tools/genisr -out entry_amd64.s

var (
	// entryAddrs caches the address of the raw entry stub for each vector.
	entryAddrs       [entryCount]uintptr
	entryAddrsLoaded bool
)

// entryAddr returns the address of the raw entry stub for num.
func entryAddr(num InterruptNumber) uintptr {
	if !entryAddrsLoaded {
		loadEntryAddrs(&entryAddrs)
		entryAddrsLoaded = true
	}

	return entryAddrs[num]
}

// loadEntryAddrs stores the address of the entry stub for each vector into
// addrs.
func loadEntryAddrs(addrs *[entryCount]uintptr)

// isrCommon saves the general purpose registers, invokes dispatchInterrupt
// and returns from the interrupt. It is only ever jumped to by the entry
// stubs.
func isrCommon()
