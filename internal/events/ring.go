package events

// ring is a fixed-capacity FIFO that overwrites the oldest record when full.
// Not safe for concurrent use; Bus holds its lock.
type ring struct {
	buf      []Record
	capacity int
	head     int // next write position
	count    int
}

func newRing(capacity int) *ring {
	return &ring{
		buf:      make([]Record, capacity),
		capacity: capacity,
	}
}

func (r *ring) push(rec Record) {
	r.buf[r.head] = rec
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

// items returns the contents oldest first without draining.
func (r *ring) items() []Record {
	out := make([]Record, r.count)
	// Oldest item is at (head - count) mod capacity
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(start+i)%r.capacity]
	}
	return out
}
