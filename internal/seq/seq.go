// Package seq implements arithmetic on the circular 32-bit TCP sequence
// space defined by RFC 793.
//
// Sequence numbers are points on a mod-2^32 circle, not linear integers:
// 0 follows 0xFFFFFFFF, and "a before b" is only meaningful over an arc
// shorter than the full circle. Every ordering decision in this module goes
// through Between; native <, <=, >, >= on sequence numbers is prohibited
// outside this package.
package seq

// Between reports whether val lies on the clockwise arc from start to end,
// both endpoints inclusive. When start <= end as plain unsigned integers the
// arc does not wrap and the test is start <= val <= end; otherwise the arc
// passes through zero and the test is val >= start || val <= end. Equal
// endpoints denote the single-point arc {start}.
func Between(start, end, val uint32) bool {
	if start <= end {
		return val >= start && val <= end
	}
	return val >= start || val <= end
}

// Add returns v advanced clockwise by delta, wrapping mod 2^32.
func Add(v, delta uint32) uint32 {
	return v + delta
}

// Sub returns v moved counterclockwise by delta, wrapping mod 2^32.
func Sub(v, delta uint32) uint32 {
	return v - delta
}
