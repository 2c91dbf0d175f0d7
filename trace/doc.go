// Package trace implements the diagnostic tree carried by every message and
// reply on the bus.
//
// A tree consists of note leaves and groups. Strict groups keep their children
// ordered; non-strict groups record work that happened in parallel, such as the
// branches of a fan-out. The text form is compact enough to travel with a packet:
//
//	([resolving 'dst/session']{([sent to a])([sent to b])}[merged])
//
// Parentheses delimit strict groups, braces non-strict groups and brackets
// notes. Inside a note the characters ( ) { } [ ] and \ are escaped with \.
// Decode never fails: malformed input yields an empty tree.
//
// Normalize compacts a tree and orders the children of non-strict groups, so
// two traces that only differ in the order parallel branches completed compare
// equal:
//
//	a := trace.Decode("({[x][y]})")
//	b := trace.Decode("({[y][x]})")
//	a.Normalize().Equal(b.Normalize()) // true
package trace
