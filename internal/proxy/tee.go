package proxy

import (
	"bytes"
	"sync"
)

// TeeBuffer is the capture side of the streaming tee. Bytes relayed to the
// client are appended here so the full response can be inspected once the
// stream ends. Appends happen under a mutex; the recorded bytes are exactly
// the concatenation of the writes, in write order.
//
// A non-zero limit caps how much is recorded: past the limit the buffer
// stops appending while the relay keeps forwarding. Write never returns an
// error so a full capture can never fail the client stream.
type TeeBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

// NewTeeBuffer returns a TeeBuffer capped at limit bytes; limit <= 0 means
// unbounded.
func NewTeeBuffer(limit int64) *TeeBuffer {
	return &TeeBuffer{limit: limit}
}

// Write appends p to the capture. The reported length is always len(p) so
// the tee is invisible to the write path.
func (t *TeeBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limit <= 0 {
		t.buf.Write(p)
		return len(p), nil
	}

	remaining := t.limit - int64(t.buf.Len())
	switch {
	case remaining <= 0:
		t.truncated = true
	case int64(len(p)) > remaining:
		t.buf.Write(p[:remaining])
		t.truncated = true
	default:
		t.buf.Write(p)
	}
	return len(p), nil
}

// Bytes returns a copy of the captured bytes.
func (t *TeeBuffer) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, t.buf.Len())
	copy(out, t.buf.Bytes())
	return out
}

// String returns the captured bytes as a string.
func (t *TeeBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// Len reports how many bytes have been captured.
func (t *TeeBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.Len()
}

// Truncated reports whether the capture hit its limit.
func (t *TeeBuffer) Truncated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.truncated
}
