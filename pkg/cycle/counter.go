// Package cycle implements the cycle counter shared by all nodes of a
// replication group.
package cycle

import "fmt"

const (
	repeatBits  = 4
	repeatMask  = 1<<repeatBits - 1
	logicalBits = 32 - repeatBits
	logicalMask = 1<<logicalBits - 1
	logicalHalf = 1 << (logicalBits - 1)
)

// Counter is a monotonic cycle number with an embedded repeat field.
// The low 4 bits count resends of one logical cycle, the upper 28 bits hold
// the logical cycle. Counters are compared, never subtracted directly.
type Counter uint32

// New creates a Counter at the given logical cycle with a zero repeat field.
func New(logical uint32) Counter {
	return Counter((logical & logicalMask) << repeatBits)
}

// Logical returns the logical cycle.
func (c Counter) Logical() uint32 { return uint32(c) >> repeatBits }

// Repeat returns the repeat sub-counter.
func (c Counter) Repeat() uint8 { return uint8(uint32(c) & repeatMask) }

// Increment advances to the next logical cycle and clears the repeat field.
func (c *Counter) Increment() { c.IncrementBy(1) }

// IncrementBy advances n logical cycles and clears the repeat field.
func (c *Counter) IncrementBy(n uint32) {
	*c = New(c.Logical() + n)
}

// RepeatIncrement bumps only the repeat field; the logical cycle stays.
func (c *Counter) RepeatIncrement() {
	*c = Counter(uint32(*c)&^repeatMask | (uint32(*c)+1)&repeatMask)
}

// Back steps to the previous logical cycle. The repeat field is bumped so
// the resend can be told apart from the original packets of that cycle.
func (c *Counter) Back() {
	r := (uint32(c.Repeat()) + 1) & repeatMask
	*c = New(c.Logical()-1) | Counter(r)
}

// Forward leaves a recovered cycle for the next logical one. Like Back it
// bumps the repeat field, so the result differs from every value the next
// cycle carried before the recovery.
func (c *Counter) Forward() {
	r := (uint32(c.Repeat()) + 1) & repeatMask
	*c = New(c.Logical()+1) | Counter(r)
}

// Distance returns the logical distance c - o, robust to wraparound.
func (c Counter) Distance(o Counter) int32 {
	d := (c.Logical() - o.Logical()) & logicalMask
	if d >= logicalHalf {
		return int32(d) - 1<<logicalBits
	}
	return int32(d)
}

// IsNext reports whether c is the logical cycle following o.
func (c Counter) IsNext(o Counter) bool { return c.Distance(o) == 1 }

// IsCurrent reports whether c and o share the logical cycle.
func (c Counter) IsCurrent(o Counter) bool { return c.Distance(o) == 0 }

// IsPrevious reports whether c is the logical cycle before o.
func (c Counter) IsPrevious(o Counter) bool { return c.Distance(o) == -1 }

// IsCurrentOrPast reports whether c is at or before o.
func (c Counter) IsCurrentOrPast(o Counter) bool { return c.Distance(o) <= 0 }

// IsUpToDate reports whether c is the current or the next cycle relative
// to o, i.e. an acceptable successor of a recorded cycle o.
func (c Counter) IsUpToDate(o Counter) bool {
	d := c.Distance(o)
	return d == 0 || d == 1
}

// Later returns whichever of a and b is logically later.
func Later(a, b Counter) Counter {
	if a.Distance(b) >= 0 {
		return a
	}
	return b
}

// String implements fmt.Stringer.
func (c Counter) String() string {
	return fmt.Sprintf("%d.%d", c.Logical(), c.Repeat())
}
