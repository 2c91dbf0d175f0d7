// Package sequencer enforces per-key FIFO delivery on top of an unordered
// sender.
//
// A message with a sequence id is sent only when no earlier message with the
// same id is awaiting its reply. Later ones wait in a per-id queue. When the
// reply arrives it is returned to the caller first, then the next queued
// message for that id is released through the messenger. Releasing through the
// messenger keeps a chain of immediate replies from growing the stack.
//
// Ordering, not success, is guaranteed: an error reply releases the next
// message just like a good one. Ids never block each other.
package sequencer
