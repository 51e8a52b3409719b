package broker

import "sync"

// defaultRingSize is the default replay buffer bound (64 KB).
const defaultRingSize = 64 * 1024

// Ring is a thread-safe byte buffer holding the most recent output of one
// session, used to replay history to subscribers that attach late. When the
// buffer exceeds maxLen, older data is trimmed from the front.
type Ring struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
}

// NewRing creates a ring with the given maximum size. If maxLen <= 0,
// defaultRingSize is used.
func NewRing(maxLen int) *Ring {
	if maxLen <= 0 {
		maxLen = defaultRingSize
	}
	return &Ring{maxLen: maxLen}
}

// Write appends data, trimming from the front when the total exceeds the
// bound.
func (r *Ring) Write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, p...)
	if len(r.data) > r.maxLen {
		r.data = r.data[len(r.data)-r.maxLen:]
	}
}

// Snapshot returns a copy of the current contents.
func (r *Ring) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, len(r.data))
	copy(out, r.data)
	return out
}

// Len returns the current buffered length.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}
