package observability

import (
	"bytes"
	"sync"
)

// RingBuffer is an io.Writer that keeps the last N complete lines written to it.
type RingBuffer struct {
	mu      sync.Mutex
	lines   []string
	next    int
	full    bool
	partial []byte
}

// NewRingBuffer creates a buffer holding up to size lines.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1
	}
	return &RingBuffer{lines: make([]string, size)}
}

// Write implements io.Writer. Incomplete trailing lines are held until their newline arrives.
func (r *RingBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data := p
	for len(data) > 0 {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			r.partial = append(r.partial, data...)
			break
		}
		line := string(append(r.partial, data[:idx]...))
		r.partial = r.partial[:0]
		r.push(line)
		data = data[idx+1:]
	}
	return len(p), nil
}

func (r *RingBuffer) push(line string) {
	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Cap returns the maximum number of lines retained.
func (r *RingBuffer) Cap() int {
	return len(r.lines)
}

// Lines returns up to limit of the most recent lines, oldest first.
// A non-positive limit returns everything retained.
func (r *RingBuffer) Lines(limit int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := r.next
	if r.full {
		count = len(r.lines)
	}
	if limit <= 0 || limit > count {
		limit = count
	}
	out := make([]string, 0, limit)
	start := r.next - limit
	if start < 0 {
		start += len(r.lines)
	}
	for i := 0; i < limit; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}
