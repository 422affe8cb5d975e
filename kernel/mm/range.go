package mm

// Range is a half-open interval [Lo, Hi) of physical addresses.
type Range struct {
	Lo, Hi uint64
}

// Contains returns true if [lo, hi) lies entirely within r.
func (r Range) Contains(lo, hi uint64) bool {
	return r.Lo <= lo && hi <= r.Hi
}

// RangeVisitor is invoked for each range in a RangeSource. The visitor
// returns false to stop the iteration.
type RangeVisitor func(Range) bool

// RangeSource is a finite, restartable sequence of ranges. Every call walks
// the sequence from its first element.
type RangeSource func(RangeVisitor)

// RangeList adapts a slice of ranges to a RangeSource.
func RangeList(ranges ...Range) RangeSource {
	return func(visitor RangeVisitor) {
		for _, r := range ranges {
			if !visitor(r) {
				return
			}
		}
	}
}
