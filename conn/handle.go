package conn

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

type handleState int32

const (
	stateNew handleState = iota
	stateOpen
	stateClosing
	stateClosed
)

func (s handleState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Handle is the per-socket connection object: a bare fd, the loop index it
// is bound to, the event sink it delivers to, and the intrusive prev/next
// pointers used by Registry. It carries no protocol knowledge; that is
// bufproto's job, or the embedder's.
type Handle struct {
	fd         int
	index      int
	remoteAddr string

	sink      EventSink
	registrar Registrar
	submitter Submitter
	registry  *Registry

	closed atomic.Bool
	state  atomic.Int32

	closeMu     sync.Mutex
	closeReason error

	// prev/next form the intrusive doubly-linked live-set; only Registry
	// touches them, and only while holding its mutex.
	prev, next *Handle
}

// NewHandle constructs a Handle in the NEW state. The caller is responsible
// for adding it to a Registry before any readiness registration is posted,
// so a handle is never reachable from readiness dispatch before it is also
// reachable from Registry.CloseAll.
func NewHandle(fd, index int, sink EventSink, registrar Registrar, submitter Submitter, registry *Registry, remoteAddr string) *Handle {
	h := &Handle{
		fd:         fd,
		index:      index,
		remoteAddr: remoteAddr,
		sink:       sink,
		registrar:  registrar,
		submitter:  submitter,
		registry:   registry,
	}
	h.state.Store(int32(stateNew))
	return h
}

func (h *Handle) Fd() int            { return h.fd }
func (h *Handle) Index() int         { return h.index }
func (h *Handle) RemoteAddr() string { return h.remoteAddr }
func (h *Handle) Closed() bool       { return h.closed.Load() }
func (h *Handle) State() string      { return handleState(h.state.Load()).String() }

// Reason returns the error passed to the first Close/CloseReason call, or
// nil if the handle is still open or was closed without a reason.
func (h *Handle) Reason() error {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	return h.closeReason
}

// SelectForRead arms the handle for the next readReady cycle on its owning
// read-side loop. Safe to call from any thread; a no-op once closed.
func (h *Handle) SelectForRead() error {
	if h.Closed() {
		return ErrHandleClosed
	}
	return h.registrar.RegisterRead(h.index, h.fd, h)
}

// SelectForWrite is the write-side analogue of SelectForRead.
func (h *Handle) SelectForWrite() error {
	if h.Closed() {
		return ErrHandleClosed
	}
	return h.registrar.RegisterWrite(h.index, h.fd, h)
}

// Close closes the handle with no recorded reason. Idempotent.
func (h *Handle) Close() error { return h.CloseReason(nil) }

// CloseReason closes the handle, recording reason for later retrieval via
// Reason and delivering it to the sink's Closing callback exactly once.
// Only the first caller's reason is kept; later calls are no-ops. The
// underlying fd is closed on a best-effort basis: by the time a handle is
// closing, the fd may already be invalid (peer reset, prior partial close),
// and there is nothing a caller could usefully do with a close error here,
// so it is never returned or allowed to interrupt the rest of teardown.
func (h *Handle) CloseReason(reason error) error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	h.state.Store(int32(stateClosing))

	h.closeMu.Lock()
	h.closeReason = reason
	h.closeMu.Unlock()

	if h.registry != nil {
		h.registry.Remove(h)
	}
	if h.registrar != nil {
		h.registrar.Unregister(h.index, h.fd)
	}

	_ = unix.Close(h.fd)
	h.scheduleClosing(reason)
	return nil
}

func (h *Handle) scheduleClosing(reason error) {
	task := func() {
		h.state.Store(int32(stateClosed))
		h.sink.Closing(reason)
	}
	if h.submitter == nil {
		task()
		return
	}
	if err := h.submitter.Submit(task); err != nil {
		// The dispatcher has no retry path for a close notification and
		// closing() is the one callback an embedder is guaranteed to see
		// exactly once; deliver it inline rather than drop it silently.
		task()
	}
}

// FinishConnect completes a non-blocking outbound connect. It must run off
// the selector thread (via the dispatcher). It reads SO_ERROR: zero is
// treated as success (the handle opens and Connected fires), non-zero or a
// failed getsockopt closes the handle. There is no "not yet" outcome: the
// handle is never re-armed for CONNECT.
func (h *Handle) FinishConnect() {
	if h.Closed() {
		return
	}
	errno, err := unix.GetsockoptInt(h.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		_ = h.CloseReason(fmt.Errorf("conn: getsockopt SO_ERROR: %w", err))
		return
	}
	if errno != 0 {
		_ = h.CloseReason(fmt.Errorf("conn: connect: %w", unix.Errno(errno)))
		return
	}
	h.state.Store(int32(stateOpen))
	h.sink.Connected(h)
}

// DispatchAccepted marks the handle open and forwards Accepted. Called from
// the dispatcher, never from the selector thread.
func (h *Handle) DispatchAccepted() {
	if h.Closed() {
		return
	}
	h.state.Store(int32(stateOpen))
	h.sink.Accepted(h)
}

// DispatchReadReady forwards a read-ready notification to the sink.
func (h *Handle) DispatchReadReady() {
	if h.Closed() {
		return
	}
	h.sink.ReadReady()
}

// DispatchWriteReady forwards a write-ready notification to the sink.
func (h *Handle) DispatchWriteReady() {
	if h.Closed() {
		return
	}
	h.sink.WriteReady()
}
