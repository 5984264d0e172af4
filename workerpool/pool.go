// Package workerpool is the bounded dispatcher every selector loop submits
// accept/connect/read/write callbacks to. It never blocks a submitter:
// Submit either lands the task on a worker or returns ErrSaturated.
package workerpool

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrClosed is returned by Submit once Close has been called.
var ErrClosed = errors.New("workerpool: closed")

// ErrSaturated is returned by Submit when every worker's local queue and the
// shared overflow queue are full. Callers decide what saturation means for
// their event class (the reactor package closes on CONNECT, re-arms on
// READ/WRITE).
var ErrSaturated = errors.New("workerpool: saturated")

// DefaultWorkers returns a worker count scaled to the host, since nothing
// about dispatch concurrency should be a fixed constant independent of the
// machine it runs on.
func DefaultWorkers() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

// Pool is a fixed set of workers, each with its own bounded local task
// queue, backed by a shared overflow queue. Adapted from
// momentics-hioload-ws's Executor/worker local-queue-then-global-fallback
// shape, but Submit rejects instead of blocking on a full queue.
type Pool struct {
	log *zap.Logger

	// closeMu is held for read by every Submit around its channel sends and
	// for write by Close around its channel closes, so a Submit that is
	// already sending always finishes before Close closes the channel it is
	// sending on, and a Submit that starts after Close has the write lock
	// always sees closed == true before it gets anywhere near a channel.
	closeMu sync.RWMutex
	local   []chan func()
	global  chan func()

	next   atomic.Uint32
	closed atomic.Bool
	wg     sync.WaitGroup
}

// New starts numWorkers goroutines, each draining its own buffered queue of
// size localQueueSize plus the shared overflow queue of size
// globalQueueSize.
func New(numWorkers, localQueueSize, globalQueueSize int, log *zap.Logger) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	if localQueueSize < 1 {
		localQueueSize = 1
	}
	if globalQueueSize < 1 {
		globalQueueSize = 1
	}
	if log == nil {
		log = zap.NewNop()
	}

	p := &Pool{
		log:    log,
		local:  make([]chan func(), numWorkers),
		global: make(chan func(), globalQueueSize),
	}
	for i := range p.local {
		p.local[i] = make(chan func(), localQueueSize)
	}

	p.wg.Add(numWorkers)
	for i := range p.local {
		go p.runWorker(i)
	}
	return p
}

// NumWorkers reports the fixed worker count.
func (p *Pool) NumWorkers() int { return len(p.local) }

// Submit tries the next worker's local queue round-robin, then the shared
// overflow queue; if both are full it returns ErrSaturated without blocking.
func (p *Pool) Submit(task func()) error {
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()

	if p.closed.Load() {
		return ErrClosed
	}
	idx := int(p.next.Add(1)) % len(p.local)

	select {
	case p.local[idx] <- task:
		return nil
	default:
	}
	select {
	case p.global <- task:
		return nil
	default:
	}
	return ErrSaturated
}

// Close stops accepting new work and waits for every worker to drain and
// exit. Idempotent. Takes closeMu for write before closing any channel, so
// it never closes a channel a concurrent Submit is in the middle of sending
// on, whether Submit was called by this package's own reactor loops or by
// an embedder holding a Dispatcher of its own.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.closeMu.Lock()
	for _, q := range p.local {
		close(q)
	}
	close(p.global)
	p.closeMu.Unlock()
	p.wg.Wait()
}

// runWorker drains its own local queue and the shared global queue until
// both are closed and empty. local and global are nilled out independently
// as each is exhausted rather than returning as soon as either one closes,
// so a worker whose local queue empties first keeps pulling from global
// instead of racing the other workers to exit and stranding buffered global
// tasks unrun (a nil channel blocks forever in a select, which is what lets
// the other case keep firing on its own).
func (p *Pool) runWorker(id int) {
	defer p.wg.Done()
	local := p.local[id]
	global := p.global
	for local != nil || global != nil {
		select {
		case task, ok := <-local:
			if !ok {
				local = nil
				continue
			}
			p.exec(task)
		case task, ok := <-global:
			if !ok {
				global = nil
				continue
			}
			p.exec(task)
		}
	}
}

func (p *Pool) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("recovered panic in dispatched task", zap.Any("recover", r))
		}
	}()
	task()
}
