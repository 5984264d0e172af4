package reactor

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/fzft/go-reactor/conn"
)

type interestKind uint8

const (
	kindConnect interestKind = iota
	kindRead
	kindWrite
)

// registrationAction is the tagged record pushed cross-thread onto a
// selector loop's queue. A plain tagged struct instead of a closure, so
// posting a registration never allocates a function value on the hot path.
type registrationAction struct {
	fd     int
	handle *conn.Handle
	kind   interestKind
}

// registrationQueue is the per-loop MPSC FIFO of pending registrationActions.
// Any thread may push; only the owning selector loop ever drains. Backed by
// github.com/eapache/queue's ring-buffer Queue under a short-held mutex.
type registrationQueue struct {
	mu sync.Mutex
	q  *queue.Queue
}

func newRegistrationQueue() *registrationQueue {
	return &registrationQueue{q: queue.New()}
}

func (r *registrationQueue) push(a registrationAction) {
	r.mu.Lock()
	r.q.Add(a)
	r.mu.Unlock()
}

// drain runs fn for every queued action in FIFO order until the queue is
// empty, including actions pushed while it runs, without holding the mutex
// while fn runs.
func (r *registrationQueue) drain(fn func(registrationAction)) {
	for {
		r.mu.Lock()
		if r.q.Length() == 0 {
			r.mu.Unlock()
			return
		}
		a := r.q.Remove().(registrationAction)
		r.mu.Unlock()
		fn(a)
	}
}
