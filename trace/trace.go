package trace

import "time"

// Trace levels used by the bus when writing notes.
const (
	LevelNone        = 0
	LevelError       = 1
	LevelSendReceive = 4
	LevelSplitMerge  = 5
	LevelComponent   = 6
	LevelMax         = 9
)

// Trace is the diagnostic tree attached to every routable, together with the
// verbosity level that decides which notes are recorded.
//
// A Trace is owned by whoever holds its routable and is not safe for
// concurrent use.
type Trace struct {
	level int
	root  *Node
}

// New creates an empty trace with the given level, clamped to [0, LevelMax].
func New(level int) *Trace {
	t := &Trace{root: NewNode()}
	t.SetLevel(level)
	return t
}

// Level returns the trace level.
func (t *Trace) Level() int {
	return t.level
}

// SetLevel sets the trace level, clamped to [0, LevelMax].
func (t *Trace) SetLevel(level int) *Trace {
	switch {
	case level < LevelNone:
		level = LevelNone
	case level > LevelMax:
		level = LevelMax
	}
	t.level = level
	return t
}

// ShouldTrace returns true if a note at the given level would be recorded.
func (t *Trace) ShouldTrace(level int) bool {
	return level <= t.level
}

// Trace records note if level is enabled. It returns whether the note was
// recorded.
func (t *Trace) Trace(level int, note string) bool {
	if !t.ShouldTrace(level) {
		return false
	}
	t.root.AddNode(NewNote(note, time.Now()))
	return true
}

// Root returns the root node of the tree.
func (t *Trace) Root() *Node {
	return t.root
}

// SetRoot replaces the tree. A nil root clears it, and a note is wrapped in
// a group so the trace can keep growing.
func (t *Trace) SetRoot(root *Node) *Trace {
	t.root = asGroup(root)
	return t
}

func asGroup(root *Node) *Node {
	switch {
	case root == nil:
		return NewNode()
	case root.HasNote():
		return NewNode().AddNode(root)
	}
	return root
}

// IsEmpty returns true if no notes have been recorded.
func (t *Trace) IsEmpty() bool {
	return t.root.IsEmpty()
}

// Clear removes all notes, keeping the level.
func (t *Trace) Clear() *Trace {
	t.root = NewNode()
	return t
}

// Swap exchanges level and tree with other.
func (t *Trace) Swap(other *Trace) {
	t.level, other.level = other.level, t.level
	t.root, other.root = other.root, t.root
}

// Clone returns a deep copy.
func (t *Trace) Clone() *Trace {
	return &Trace{level: t.level, root: t.root.Clone()}
}

// Encode returns the text form of the tree, or "" if it is empty.
func (t *Trace) Encode() string {
	if t.root.IsEmpty() {
		return ""
	}
	return t.root.Encode()
}

// DecodeTrace builds a trace from its level and encoded tree.
func DecodeTrace(level int, encoded string) *Trace {
	return New(level).SetRoot(Decode(encoded))
}

// String returns the indented rendering of the tree.
func (t *Trace) String() string {
	return t.root.String()
}
