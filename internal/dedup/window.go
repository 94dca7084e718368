// Package dedup remembers recently processed event ids so that the same
// event delivered by several relays is handled once.
package dedup

// Window is a fixed-capacity FIFO set of event ids. It is not safe for
// concurrent use; the control loop owns it.
type Window struct {
	capacity int
	ring     []string
	head     int
	size     int
	index    map[string]struct{}
}

func NewWindow(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{
		capacity: capacity,
		ring:     make([]string, capacity),
		index:    make(map[string]struct{}, capacity),
	}
}

func (w *Window) Contains(id string) bool {
	_, ok := w.index[id]
	return ok
}

// Add records id, evicting the oldest entry when full. Adding an id that is
// already present is a no-op and does not refresh its position.
func (w *Window) Add(id string) {
	if w.Contains(id) {
		return
	}
	if w.size == w.capacity {
		oldest := w.ring[w.head]
		delete(w.index, oldest)
		w.ring[w.head] = id
		w.head = (w.head + 1) % w.capacity
	} else {
		w.ring[(w.head+w.size)%w.capacity] = id
		w.size++
	}
	w.index[id] = struct{}{}
}

func (w *Window) Len() int {
	return w.size
}

func (w *Window) Cap() int {
	return w.capacity
}
