package route

import "strings"

// Route is an immutable ordered list of hops. The zero value is the empty
// route.
type Route struct {
	hops []Hop
}

// New creates a route from hops.
func New(hops ...Hop) Route {
	return Route{hops: append([]Hop(nil), hops...)}
}

// ParseRoute parses whitespace separated hops. Whitespace inside brackets
// belongs to the hop. If any hop fails to parse, the result is a route with a
// single hop carrying the error.
func ParseRoute(s string) Route {
	var r Route
	depth := 0
	start := -1
	flush := func(end int) {
		if start >= 0 {
			r.hops = append(r.hops, ParseHop(s[start:end]))
			start = -1
		}
	}
	for i, c := range s {
		switch {
		case c == '[':
			depth++
		case c == ']':
			depth--
		case depth == 0 && isSpace(c):
			flush(i)
			continue
		}
		if start < 0 {
			start = i
		}
	}
	flush(len(s))

	for _, h := range r.hops {
		if _, bad := h.ErrorMessage(); bad {
			return Route{hops: []Hop{h}}
		}
	}
	return r
}

func isSpace(c rune) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// NumHops returns the number of hops.
func (r Route) NumHops() int {
	return len(r.hops)
}

// IsEmpty returns true if the route has no hops.
func (r Route) IsEmpty() bool {
	return len(r.hops) == 0
}

// Hop returns the hop at index i.
func (r Route) Hop(i int) Hop {
	return r.hops[i]
}

// Hops returns a copy of the hops.
func (r Route) Hops() []Hop {
	return append([]Hop(nil), r.hops...)
}

// First returns the first hop. It panics on an empty route.
func (r Route) First() Hop {
	return r.hops[0]
}

// WithoutFirst returns the route minus its first hop.
func (r Route) WithoutFirst() Route {
	if len(r.hops) <= 1 {
		return Route{}
	}
	return New(r.hops[1:]...)
}

// WithHop returns a copy with hop i replaced.
func (r Route) WithHop(i int, h Hop) Route {
	c := New(r.hops...)
	c.hops[i] = h
	return c
}

// Prepend returns a new route with h in front.
func (r Route) Prepend(h Hop) Route {
	hops := make([]Hop, 0, len(r.hops)+1)
	hops = append(hops, h)
	hops = append(hops, r.hops...)
	return Route{hops: hops}
}

// Append returns a new route with other's hops appended.
func (r Route) Append(other Route) Route {
	hops := make([]Hop, 0, len(r.hops)+len(other.hops))
	hops = append(hops, r.hops...)
	hops = append(hops, other.hops...)
	return Route{hops: hops}
}

// ErrorMessage returns the first parse error found in any hop.
func (r Route) ErrorMessage() (string, bool) {
	for _, h := range r.hops {
		if msg, ok := h.ErrorMessage(); ok {
			return msg, true
		}
	}
	return "", false
}

// Equal compares two routes hop by hop.
func (r Route) Equal(other Route) bool {
	if len(r.hops) != len(other.hops) {
		return false
	}
	for i := range r.hops {
		if !r.hops[i].Equal(other.hops[i]) {
			return false
		}
	}
	return true
}

func (r Route) String() string {
	parts := make([]string, len(r.hops))
	for i, h := range r.hops {
		parts[i] = h.String()
	}
	return strings.Join(parts, " ")
}

// MarshalText implements encoding.TextMarshaler.
func (r Route) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Route) UnmarshalText(b []byte) error {
	*r = ParseRoute(string(b))
	return nil
}
