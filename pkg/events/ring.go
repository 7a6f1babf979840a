package events

// ring is a fixed-capacity FIFO of events, oldest evicted first.
type ring struct {
	buf   []Event
	head  int // index of the oldest event
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Event, size)}
}

func (r *ring) push(ev Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = ev
		r.count++
		return
	}
	r.buf[r.head] = ev
	r.head = (r.head + 1) % len(r.buf)
}

// at returns the i-th oldest event.
func (r *ring) at(i int) Event {
	return r.buf[(r.head+i)%len(r.buf)]
}

func (r *ring) oldestID() (uint64, bool) {
	if r.count == 0 {
		return 0, false
	}
	return r.at(0).ID, true
}

// after returns buffered events with ID > id, in order.
func (r *ring) after(id uint64) []Event {
	var out []Event
	for i := 0; i < r.count; i++ {
		if ev := r.at(i); ev.ID > id {
			out = append(out, ev)
		}
	}
	return out
}

func (r *ring) all() []Event {
	out := make([]Event, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.at(i)
	}
	return out
}
