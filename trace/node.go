package trace

import (
	"sort"
	"strings"
	"time"
)

// MaxDepth bounds the nesting accepted by Decode.
const MaxDepth = 256

// Node is an element of a trace tree. A node is either a leaf holding a note,
// or a group of children. Groups are strict (ordered) or non-strict (unordered).
type Node struct {
	strict    bool
	hasNote   bool
	note      string
	timestamp time.Time
	children  []*Node
}

// NewNode returns an empty strict group.
func NewNode() *Node {
	return &Node{strict: true}
}

// NewNote returns a leaf holding note. The timestamp is local information and
// is not part of the encoded form.
func NewNote(note string, ts time.Time) *Node {
	return &Node{strict: true, hasNote: true, note: note, timestamp: ts}
}

// IsLeaf returns true if the node has no children.
func (n *Node) IsLeaf() bool {
	return len(n.children) == 0
}

// IsEmpty returns true if the node has neither a note nor children.
func (n *Node) IsEmpty() bool {
	return !n.hasNote && len(n.children) == 0
}

// HasNote returns true if the node is a note leaf.
func (n *Node) HasNote() bool {
	return n.hasNote
}

// Note returns the note text, empty for groups.
func (n *Node) Note() string {
	return n.note
}

// Timestamp returns the time the note was taken.
func (n *Node) Timestamp() time.Time {
	return n.timestamp
}

// IsStrict returns true if the children of this node are ordered.
func (n *Node) IsStrict() bool {
	return n.strict
}

// SetStrict sets whether the children of this node are ordered.
func (n *Node) SetStrict(strict bool) *Node {
	n.strict = strict
	return n
}

// NumChildren returns the number of children.
func (n *Node) NumChildren() int {
	return len(n.children)
}

// Child returns the child at index i.
func (n *Node) Child(i int) *Node {
	return n.children[i]
}

// AddChild appends a note leaf stamped with the current time.
func (n *Node) AddChild(note string) *Node {
	return n.AddNode(NewNote(note, time.Now()))
}

// AddNode appends child. A note leaf takes no children, so for one it does
// nothing, as it does for a nil child.
func (n *Node) AddNode(child *Node) *Node {
	if child != nil && !n.hasNote {
		n.children = append(n.children, child)
	}
	return n
}

// AddChildren appends all given nodes.
func (n *Node) AddChildren(children []*Node) *Node {
	for _, c := range children {
		n.AddNode(c)
	}
	return n
}

// Clear removes the note and all children, leaving a strict empty group.
func (n *Node) Clear() *Node {
	n.strict = true
	n.hasNote = false
	n.note = ""
	n.timestamp = time.Time{}
	n.children = nil
	return n
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := &Node{
		strict:    n.strict,
		hasNote:   n.hasNote,
		note:      n.note,
		timestamp: n.timestamp,
	}
	if len(n.children) > 0 {
		c.children = make([]*Node, len(n.children))
		for i, child := range n.children {
			c.children[i] = child.Clone()
		}
	}
	return c
}

// Compact removes empty subtrees and merges groups that add no structure:
// children sharing this node's strictness are flattened into it, and groups of
// the other strictness with a single child are replaced by that child.
func (n *Node) Compact() *Node {
	if len(n.children) == 0 {
		return n
	}
	old := n.children
	n.children = nil
	for _, child := range old {
		child.Compact()
		switch {
		case child.IsEmpty():
		case child.hasNote:
			n.AddNode(child)
		case child.strict == n.strict:
			n.AddChildren(child.children)
		case len(child.children) == 1:
			grand := child.children[0]
			switch {
			case grand.IsEmpty():
			case grand.hasNote || grand.strict != n.strict:
				n.AddNode(grand)
			default:
				n.AddChildren(grand.children)
			}
		default:
			n.AddNode(child)
		}
	}
	return n
}

// Sort orders the children of every non-strict group by their encoded form.
func (n *Node) Sort() *Node {
	for _, child := range n.children {
		child.Sort()
	}
	if !n.strict && len(n.children) > 1 {
		keys := make(map[*Node]string, len(n.children))
		for _, child := range n.children {
			keys[child] = child.Encode()
		}
		sort.SliceStable(n.children, func(i, j int) bool {
			return keys[n.children[i]] < keys[n.children[j]]
		})
	}
	return n
}

// Normalize compacts and sorts the tree so that two traces that differ only
// in the order of non-strict siblings become structurally equal.
func (n *Node) Normalize() *Node {
	return n.Compact().Sort()
}

// Equal reports whether two trees have the same structure and notes.
// Timestamps are ignored.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.hasNote != o.hasNote || n.note != o.note {
		return false
	}
	if len(n.children) != len(o.children) {
		return false
	}
	if len(n.children) > 0 && n.strict != o.strict {
		return false
	}
	for i := range n.children {
		if !n.children[i].Equal(o.children[i]) {
			return false
		}
	}
	return true
}

// Encode returns the compact text form of the tree.
func (n *Node) Encode() string {
	var b strings.Builder
	n.encode(&b)
	return b.String()
}

func (n *Node) encode(b *strings.Builder) {
	if n.hasNote {
		b.WriteByte('[')
		// byte-wise, so notes that are not valid UTF-8 survive unchanged
		for i := 0; i < len(n.note); i++ {
			c := n.note[i]
			if isSpecial(c) {
				b.WriteByte('\\')
			}
			b.WriteByte(c)
		}
		b.WriteByte(']')
		return
	}
	open, closing := byte('('), byte(')')
	if !n.strict {
		open, closing = '{', '}'
	}
	b.WriteByte(open)
	for _, child := range n.children {
		child.encode(b)
	}
	b.WriteByte(closing)
}

func isSpecial(c byte) bool {
	switch c {
	case '(', ')', '{', '}', '[', ']', '\\':
		return true
	}
	return false
}

// Decode parses the text form produced by Encode. Malformed input yields an
// empty node rather than an error.
func Decode(s string) *Node {
	if s == "" {
		return NewNode()
	}

	proxy := NewNode()
	stack := []*Node{proxy}
	var note *strings.Builder
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if note != nil {
			switch {
			case escaped:
				note.WriteByte(c)
				escaped = false
			case c == '\\':
				escaped = true
			case c == ']':
				stack[len(stack)-1].AddNode(NewNote(note.String(), time.Time{}))
				note = nil
			default:
				note.WriteByte(c)
			}
			continue
		}
		switch c {
		case '[':
			note = &strings.Builder{}
		case '(', '{':
			if len(stack) > MaxDepth {
				return NewNode()
			}
			child := &Node{strict: c == '('}
			stack[len(stack)-1].AddNode(child)
			stack = append(stack, child)
		case ')', '}':
			if len(stack) == 1 {
				return NewNode()
			}
			top := stack[len(stack)-1]
			if top.strict != (c == ')') {
				return NewNode()
			}
			stack = stack[:len(stack)-1]
		}
	}

	if note != nil || len(stack) != 1 || len(proxy.children) != 1 {
		return NewNode()
	}
	return proxy.children[0]
}

// String returns an indented, human readable rendering of the tree.
func (n *Node) String() string {
	var b strings.Builder
	n.writeIndented(&b, "")
	return b.String()
}

func (n *Node) writeIndented(b *strings.Builder, indent string) {
	if n.hasNote {
		b.WriteString(indent)
		b.WriteString(n.note)
		b.WriteByte('\n')
		return
	}
	tag := "trace"
	if !n.strict {
		tag = "fork"
	}
	b.WriteString(indent)
	b.WriteString("<" + tag + ">\n")
	for _, child := range n.children {
		child.writeIndented(b, indent+"    ")
	}
	b.WriteString(indent)
	b.WriteString("</" + tag + ">\n")
}
