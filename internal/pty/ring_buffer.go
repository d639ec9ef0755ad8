package pty

import "sync"

// RingBuffer keeps the most recent PTY output for replay to late attachers.
// Writes evict the oldest bytes once the capacity is reached, so the buffer
// always holds the last capacity bytes of the stream. Safe for concurrent
// writers and readers.
//
// Session output is UTF-8 text on the wire; because eviction works at byte
// granularity it can cut through a multi-byte rune, so Bytes trims any
// orphaned continuation bytes left at the head of a wrapped buffer.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	head  int   // next write offset, wraps at len(buf)
	total int64 // bytes written over the buffer's lifetime
}

// NewRingBuffer allocates a buffer holding up to capacity bytes. Non-positive
// capacities fall back to 256 KiB.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 256 * 1024
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write appends p, evicting the oldest bytes when the buffer is full.
// Implements io.Writer and never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n >= len(rb.buf) {
		// Only the tail of an oversized chunk survives.
		copy(rb.buf, p[n-len(rb.buf):])
		rb.head = 0
		rb.total += int64(n)
		return n, nil
	}

	wrote := copy(rb.buf[rb.head:], p)
	if wrote < n {
		copy(rb.buf, p[wrote:])
	}
	rb.head = (rb.head + n) % len(rb.buf)
	rb.total += int64(n)
	return n, nil
}

// Bytes returns a copy of the buffered stream in write order, oldest first.
// If eviction has cut into a multi-byte rune, the leading continuation bytes
// are dropped so the result is valid text from its first byte.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	size := rb.sizeLocked()
	if size == 0 {
		return nil
	}

	out := make([]byte, size)
	if rb.total <= int64(len(rb.buf)) {
		copy(out, rb.buf[:size])
		return out
	}

	// Wrapped: the oldest byte sits at head.
	split := copy(out, rb.buf[rb.head:])
	copy(out[split:], rb.buf[:rb.head])

	for len(out) > 0 && out[0]&0xC0 == 0x80 {
		out = out[1:]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Len returns the number of bytes currently stored, before any rune-boundary
// trimming applied by Bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.sizeLocked()
}

func (rb *RingBuffer) sizeLocked() int {
	if rb.total <= int64(len(rb.buf)) {
		return int(rb.total)
	}
	return len(rb.buf)
}
