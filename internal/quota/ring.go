package quota

import "time"

// timestampRing is a bounded ring of recent request timestamps. It is
// capped by capacity as well as by the 24h window, so a misconfigured cap
// can never grow it without bound.
type timestampRing struct {
	buf   []time.Time
	head  int
	count int
}

func newTimestampRing(capacity int) *timestampRing {
	if capacity < 1 {
		capacity = 1
	}
	return &timestampRing{buf: make([]time.Time, capacity)}
}

// push appends a timestamp, overwriting the oldest slot when full.
func (r *timestampRing) push(ts time.Time) {
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = ts
	if r.count < len(r.buf) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

// countSince returns how many recorded timestamps fall at or after cutoff.
// Timestamps are never removed retroactively, so a clock that went backwards
// only inflates the count temporarily.
func (r *timestampRing) countSince(cutoff time.Time) int {
	n := 0
	for i := 0; i < r.count; i++ {
		ts := r.buf[(r.head+i)%len(r.buf)]
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

func (r *timestampRing) len() int {
	return r.count
}
