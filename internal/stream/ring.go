package stream

import (
	"sync"

	"github.com/camfleet/camfleet/internal/protocols"
)

// frameRing is a fixed-size FIFO that evicts the oldest frame when
// full. The producer never blocks on it.
type frameRing struct {
	mu    sync.Mutex
	buf   []protocols.Frame
	start int
	n     int
}

func newFrameRing(size int) *frameRing {
	if size < 1 {
		size = 1
	}
	return &frameRing{buf: make([]protocols.Frame, size)}
}

// push appends a frame and reports whether an older one was evicted.
func (r *frameRing) push(f protocols.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := false
	if r.n == len(r.buf) {
		r.start = (r.start + 1) % len(r.buf)
		r.n--
		evicted = true
	}
	r.buf[(r.start+r.n)%len(r.buf)] = f
	r.n++
	return evicted
}

// pop removes the oldest frame.
func (r *frameRing) pop() (protocols.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n == 0 {
		return protocols.Frame{}, false
	}
	f := r.buf[r.start]
	r.buf[r.start] = protocols.Frame{}
	r.start = (r.start + 1) % len(r.buf)
	r.n--
	return f, true
}

func (r *frameRing) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *frameRing) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.buf {
		r.buf[i] = protocols.Frame{}
	}
	r.start, r.n = 0, 0
}
