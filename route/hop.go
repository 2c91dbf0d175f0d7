package route

import (
	"fmt"
	"strings"
)

// Directive is one '/' separated element of a hop.
type Directive interface {
	String() string
	directive()
}

// Verbatim is a literal hop element, for example a node or session name.
type Verbatim struct {
	Image string
}

func (Verbatim) directive() {}

func (d Verbatim) String() string {
	return d.Image
}

// Policy is a routing policy directive, written [Name] or [Name:Param].
type Policy struct {
	Name  string
	Param string
}

func (Policy) directive() {}

func (d Policy) String() string {
	if d.Param == "" {
		return "[" + d.Name + "]"
	}
	return "[" + d.Name + ":" + d.Param + "]"
}

// Error is produced in place of a directive that failed to parse. A hop
// containing one cannot be resolved.
type Error struct {
	Msg string
}

func (Error) directive() {}

func (d Error) String() string {
	return "(" + d.Msg + ")"
}

// RoutePrefix marks a hop that references a named route.
const RoutePrefix = "route:"

// Hop is an immutable sequence of directives plus the ignore-result flag.
type Hop struct {
	directives   []Directive
	ignoreResult bool
}

// NewHop creates a hop from directives.
func NewHop(directives ...Directive) Hop {
	return Hop{directives: append([]Directive(nil), directives...)}
}

// ParseHop parses the text form of a hop. Parsing never fails; malformed
// input yields a hop holding a single Error directive.
func ParseHop(s string) Hop {
	s = strings.TrimSpace(s)
	var h Hop
	if strings.HasPrefix(s, "?") {
		h.ignoreResult = true
		s = strings.TrimSpace(s[1:])
	}
	if s == "" {
		return Hop{directives: []Directive{Error{Msg: "Failed to parse empty string."}}, ignoreResult: h.ignoreResult}
	}

	depth := 0
	start := 0
	for i, c := range s {
		switch c {
		case '[':
			depth++
		case ']':
			depth--
			if depth < 0 {
				return errorHop(fmt.Sprintf("Unexpected token ']' in '%s'.", s), h.ignoreResult)
			}
		case '/':
			if depth == 0 {
				d, ok := parseDirective(s[start:i])
				if !ok {
					return errorHop(fmt.Sprintf("Failed to parse directive '%s' in '%s'.", s[start:i], s), h.ignoreResult)
				}
				h.directives = append(h.directives, d)
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return errorHop(fmt.Sprintf("Unterminated '[' in '%s'.", s), h.ignoreResult)
	}
	d, ok := parseDirective(s[start:])
	if !ok {
		return errorHop(fmt.Sprintf("Failed to parse directive '%s' in '%s'.", s[start:], s), h.ignoreResult)
	}
	h.directives = append(h.directives, d)
	return h
}

func errorHop(msg string, ignore bool) Hop {
	return Hop{directives: []Directive{Error{Msg: msg}}, ignoreResult: ignore}
}

func parseDirective(s string) (Directive, bool) {
	if !strings.HasPrefix(s, "[") {
		if strings.ContainsAny(s, "[]") {
			return nil, false
		}
		return Verbatim{Image: s}, true
	}
	if !strings.HasSuffix(s, "]") || len(s) < 3 {
		return nil, false
	}
	inner := s[1 : len(s)-1]
	name, param, _ := strings.Cut(inner, ":")
	if name == "" || strings.ContainsAny(name, "[]") {
		return nil, false
	}
	return Policy{Name: name, Param: param}, true
}

// NumDirectives returns the number of directives.
func (h Hop) NumDirectives() int {
	return len(h.directives)
}

// Directive returns the directive at index i.
func (h Hop) Directive(i int) Directive {
	return h.directives[i]
}

// Directives returns a copy of the directives.
func (h Hop) Directives() []Directive {
	return append([]Directive(nil), h.directives...)
}

// HasDirectives returns true if the hop is non-empty.
func (h Hop) HasDirectives() bool {
	return len(h.directives) > 0
}

// IgnoreResult returns true if replies through this hop are discarded.
func (h Hop) IgnoreResult() bool {
	return h.ignoreResult
}

// WithIgnoreResult returns a copy with the ignore-result flag set.
func (h Hop) WithIgnoreResult(ignore bool) Hop {
	c := h.clone()
	c.ignoreResult = ignore
	return c
}

// WithDirective returns a copy with directive i replaced.
func (h Hop) WithDirective(i int, d Directive) Hop {
	c := h.clone()
	c.directives[i] = d
	return c
}

// PolicyIndex returns the index of the first policy directive, or -1.
func (h Hop) PolicyIndex() int {
	for i, d := range h.directives {
		if _, ok := d.(Policy); ok {
			return i
		}
	}
	return -1
}

// ErrorMessage returns the message of the first Error directive.
func (h Hop) ErrorMessage() (string, bool) {
	for _, d := range h.directives {
		if e, ok := d.(Error); ok {
			return e.Msg, true
		}
	}
	return "", false
}

// RouteReference returns the route name if the hop is a single route:NAME
// directive.
func (h Hop) RouteReference() (string, bool) {
	if len(h.directives) != 1 {
		return "", false
	}
	v, ok := h.directives[0].(Verbatim)
	if !ok || !strings.HasPrefix(v.Image, RoutePrefix) {
		return "", false
	}
	return v.Image[len(RoutePrefix):], true
}

// Prefix returns the directives before index i joined with '/', including a
// trailing separator when non-empty.
func (h Hop) Prefix(i int) string {
	if i <= 0 {
		return ""
	}
	return join(h.directives[:i]) + "/"
}

// Suffix returns the directives after index i joined with '/', including a
// leading separator when non-empty.
func (h Hop) Suffix(i int) string {
	if i+1 >= len(h.directives) {
		return ""
	}
	return "/" + join(h.directives[i+1:])
}

// ServiceName returns the hop without the ignore-result marker.
func (h Hop) ServiceName() string {
	return join(h.directives)
}

// Matches reports whether other has the same directives as h, except at
// index skip which may hold anything.
func (h Hop) Matches(other Hop, skip int) bool {
	if len(h.directives) != len(other.directives) {
		return false
	}
	for i := range h.directives {
		if i == skip {
			continue
		}
		if h.directives[i].String() != other.directives[i].String() {
			return false
		}
	}
	return true
}

// Equal compares two hops.
func (h Hop) Equal(other Hop) bool {
	return h.ignoreResult == other.ignoreResult && h.Matches(other, -1)
}

func (h Hop) String() string {
	if h.ignoreResult {
		return "?" + join(h.directives)
	}
	return join(h.directives)
}

func (h Hop) clone() Hop {
	return Hop{directives: append([]Directive(nil), h.directives...), ignoreResult: h.ignoreResult}
}

func join(ds []Directive) string {
	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = d.String()
	}
	return strings.Join(parts, "/")
}
