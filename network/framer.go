package network

import (
	"bytes"
	"strings"
)

// FrameBuffer accumulates bytes from successive reads and yields complete
// newline-terminated frames. It is owned by a single receive loop.
type FrameBuffer struct {
	buf     []byte
	maxSize int
}

// NewFrameBuffer creates a buffer that rejects partial frames above maxSize.
func NewFrameBuffer(maxSize int) *FrameBuffer {
	if maxSize <= 0 {
		maxSize = MaxFrameSize
	}
	return &FrameBuffer{maxSize: maxSize}
}

// Feed appends chunk and returns every complete, non-blank frame in order.
// When the unterminated remainder grows past the limit it is discarded and
// ErrFrameTooLarge is returned together with the frames completed so far.
func (b *FrameBuffer) Feed(chunk []byte) ([]string, error) {
	b.buf = append(b.buf, chunk...)

	var frames []string
	for {
		idx := bytes.IndexByte(b.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(b.buf[:idx]))
		b.buf = b.buf[idx+1:]
		if line != "" {
			frames = append(frames, line)
		}
	}

	if len(b.buf) > b.maxSize {
		b.buf = nil
		return frames, ErrFrameTooLarge
	}
	if len(b.buf) == 0 {
		b.buf = nil
	}
	return frames, nil
}

// Pending reports how many bytes are waiting for a newline.
func (b *FrameBuffer) Pending() int {
	return len(b.buf)
}
