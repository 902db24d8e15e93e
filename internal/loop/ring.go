package loop

// Ring is a fixed-capacity, insertion-ordered buffer of log lines. When full,
// appending evicts the oldest line. Not safe for concurrent use; the owning
// Record serializes access.
type Ring struct {
	buf   []string
	head  int // index of oldest element
	count int
}

// NewRing returns a ring buffer holding at most capacity lines.
// A non-positive capacity falls back to 1.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]string, capacity)}
}

func (r *Ring) Append(line string) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = line
		r.count++
		return
	}
	// full: overwrite oldest
	r.buf[r.head] = line
	r.head = (r.head + 1) % len(r.buf)
}

// Last returns the most recent n lines oldest-first. n <= 0 returns all lines.
func (r *Ring) Last(n int) []string {
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]string, 0, n)
	start := r.count - n
	for i := start; i < r.count; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

func (r *Ring) Len() int { return r.count }

func (r *Ring) Cap() int { return len(r.buf) }

func (r *Ring) Clear() {
	r.head = 0
	r.count = 0
}
