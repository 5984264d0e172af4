package conn

import "sync"

// Registry is the process-local live-set: every open Handle, linked through
// the prev/next pointers embedded in the Handle itself rather than through a
// wrapper node. One mutex guards the head pointer and the links; no
// application code ever runs while it is held.
type Registry struct {
	mu   sync.Mutex
	head *Handle
}

// NewRegistry returns an empty live-set.
func NewRegistry() *Registry { return &Registry{} }

// Add links h into the live-set. Order among members is not a contract; new
// handles are linked immediately after the current head, matching the
// Java addHandler's "link after head" placement.
func (r *Registry) Add(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.head == nil {
		h.prev, h.next = nil, nil
		r.head = h
		return
	}
	h.prev = r.head
	h.next = r.head.next
	if r.head.next != nil {
		r.head.next.prev = h
	}
	r.head.next = h
}

// Remove unlinks h from the live-set, fixing up the head pointer and
// neighbor links. A no-op if h is not (or no longer) a member.
func (r *Registry) Remove(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.head != h && h.prev == nil && h.next == nil {
		return
	}
	if h.prev != nil {
		h.prev.next = h.next
	} else if r.head == h {
		r.head = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	}
	h.prev, h.next = nil, nil
}

// Snapshot returns the event sinks of every currently open handle, for
// openHandlers.
func (r *Registry) Snapshot() []EventSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventSink
	for cur := r.head; cur != nil; cur = cur.next {
		out = append(out, cur.sink)
	}
	return out
}

// CloseAll walks the live-set once, clears the head, and closes every handle
// it captured. The mutex is released before any Close runs, since Close
// dispatches rather than calling sink code in-line, but closing must never
// happen while the registry lock is held regardless. Errors from individual
// closes are aggregated, never dropped.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	var handles []*Handle
	for cur := r.head; cur != nil; cur = cur.next {
		handles = append(handles, cur)
	}
	r.head = nil
	r.mu.Unlock()

	var errs MultiError
	for _, h := range handles {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Len reports the number of currently open handles. Used by DebugProbes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for cur := r.head; cur != nil; cur = cur.next {
		n++
	}
	return n
}
