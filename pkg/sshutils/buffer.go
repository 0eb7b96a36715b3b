package sshutils

import (
	"bytes"
	"sync"
)

// DefaultOutputLimit caps how much command output is retained per
// sub-task. Output beyond the limit is consumed but discarded.
const DefaultOutputLimit int64 = 1 << 20

// BoundedBuffer keeps at most limit bytes of what is written to it.
// Write never fails and always reports the full length so that pipe
// readers keep draining; overflow is simply dropped and recorded.
// It is safe for concurrent writers.
type BoundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

// NewBoundedBuffer creates a buffer that retains up to limit bytes.
// A non-positive limit falls back to DefaultOutputLimit.
func NewBoundedBuffer(limit int64) *BoundedBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &BoundedBuffer{limit: limit}
}

func (b *BoundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remain := b.limit - int64(b.buf.Len())
	switch {
	case remain <= 0:
		b.truncated = true
	case int64(len(p)) > remain:
		b.buf.Write(p[:remain])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

// String returns the retained output with a marker when anything was
// dropped.
func (b *BoundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}

// Truncated reports whether any output was dropped.
func (b *BoundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
