package reactor

import "errors"

var (
	// ErrPollerClosed is returned by Poll/Register once Close has run; a
	// selector loop treats it as a clean shutdown signal, not a failure.
	ErrPollerClosed = errors.New("reactor: poller closed")

	// ErrFDClosed is returned when a registration targets a file descriptor
	// the kernel no longer recognizes (EBADF/ENOENT on epoll_ctl), the
	// nearest Go analogue to the Java register() "closed channel" branch.
	ErrFDClosed = errors.New("reactor: file descriptor closed")

	// ErrNotRunning is returned by operations that require Start to have
	// been called and Terminate to not yet have run.
	ErrNotRunning = errors.New("reactor: not running")
)
