// Package urc implements the incremental URC/response digester for the
// ESP-AT byte stream: splitting interleaved command responses and
// asynchronous event lines out of a growing ingress buffer.
package urc

// Buffer is a growable byte accumulator standing in for the ingress ring
// buffer described by the driver design: bytes are appended at the back by
// the transport reader and consumed from the front by the Digester. It is
// not a true ring (no wraparound indices) since Go slices already make
// front-compaction cheap, and it is unbounded: Write grows it as needed.
type Buffer struct {
	data []byte
}

// NewBuffer returns an empty Buffer with room for capacity bytes before its
// first reallocation.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity)}
}

// Write appends p to the buffer. It never fails.
func (b *Buffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// Bytes returns the currently unconsumed bytes. The slice is only valid
// until the next Write or Advance.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Len reports the number of unconsumed bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Advance drops the first n bytes, compacting the remainder to the front.
func (b *Buffer) Advance(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	copy(b.data, b.data[n:])
	b.data = b.data[:len(b.data)-n]
}
