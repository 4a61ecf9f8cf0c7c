package livestate

// ring is a fixed-capacity circular buffer of spot points; once full, each
// push evicts the oldest point.
type ring struct {
	buf   []SpotPoint
	head  int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]SpotPoint, capacity)}
}

func (r *ring) push(p SpotPoint) {
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = p
	if r.count < len(r.buf) {
		r.count++
		return
	}
	r.head = (r.head + 1) % len(r.buf)
}

func (r *ring) len() int { return r.count }

// since returns points with ts >= floor in insertion order.
func (r *ring) since(floor float64) []SpotPoint {
	out := make([]SpotPoint, 0, r.count)
	for i := 0; i < r.count; i++ {
		p := r.buf[(r.head+i)%len(r.buf)]
		if p.Ts >= floor {
			out = append(out, p)
		}
	}
	return out
}
