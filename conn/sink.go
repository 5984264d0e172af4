package conn

// EventSink is the application capability set a Handle delivers events to.
// It plays the role of Java's SocketChannelHandler: accepted/connected fire
// exactly once, readReady/writeReady fire any number of times, closing fires
// exactly once and is always the last callback a Handle ever makes.
type EventSink interface {
	Accepted(h *Handle)
	Connected(h *Handle)
	ReadReady()
	WriteReady()
	Closing(reason error)
}

// Submitter hands a task to the bounded worker pool that runs every sink
// callback off the selector thread. Submit returns an error (never blocks)
// when the pool is saturated.
type Submitter interface {
	Submit(task func()) error
}

// Registrar schedules a one-shot readiness registration onto the
// selector-loop pair a Handle is bound to, and removes a Handle's fd from
// both pollers on close. Implemented by reactor.ChannelHandler; declared
// here so conn never imports reactor.
type Registrar interface {
	RegisterRead(index, fd int, h *Handle) error
	RegisterWrite(index, fd int, h *Handle) error
	Unregister(index, fd int)
}
