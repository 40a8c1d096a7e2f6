package procman

import (
	"sync"
)

// outputRing is a thread-safe, bounded byte buffer that drops old data when
// the capacity is exceeded. Captures agent process output.
type outputRing struct {
	mu      sync.Mutex
	data    []byte
	max     int
	written int64 // total bytes ever written (including dropped)
}

func newOutputRing(maxBytes int) *outputRing {
	return &outputRing{
		data: make([]byte, 0, min(maxBytes, 4096)),
		max:  maxBytes,
	}
}

// Write implements io.Writer. Thread-safe.
func (rb *outputRing) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data = append(rb.data, p...)
	rb.written += int64(len(p))
	if len(rb.data) > rb.max {
		rb.data = rb.data[len(rb.data)-rb.max:]
	}
	return len(p), nil
}

// String returns the full buffered content.
func (rb *outputRing) String() string {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return string(rb.data)
}

// TotalWritten returns the total number of bytes ever written, including
// bytes dropped on overflow.
func (rb *outputRing) TotalWritten() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.written
}

// ReadFrom returns content from the given total-bytes-written offset onward.
// If the offset points at dropped data, reading starts from the beginning of
// the current buffer.
func (rb *outputRing) ReadFrom(offset int64) string {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	dropped := rb.written - int64(len(rb.data))
	localOffset := offset - dropped
	if localOffset < 0 {
		localOffset = 0
	}
	if localOffset >= int64(len(rb.data)) {
		return ""
	}
	return string(rb.data[localOffset:])
}
