package kfmt

import "io"

// ringBufferSize is the capacity of the early output buffer. It must be a
// power of 2.
const ringBufferSize = 2048

// ringBuffer keeps the most recent ringBufferSize bytes written to it. Once
// full, new writes overwrite the oldest data.
type ringBuffer struct {
	buffer      [ringBufferSize]byte
	head, count int
}

// Write appends p to the buffer, discarding the oldest bytes on overflow.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		tail := (rb.head + rb.count) & (ringBufferSize - 1)
		rb.buffer[tail] = b
		if rb.count == ringBufferSize {
			rb.head = (rb.head + 1) & (ringBufferSize - 1)
		} else {
			rb.count++
		}
	}

	return len(p), nil
}

// Read drains up to len(p) buffered bytes into p. It returns io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	n := 0
	for n < len(p) && rb.count > 0 {
		p[n] = rb.buffer[rb.head]
		rb.head = (rb.head + 1) & (ringBufferSize - 1)
		rb.count--
		n++
	}

	return n, nil
}
