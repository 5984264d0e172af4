//go:build linux

package reactor

import (
	"encoding/binary"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-reactor/conn"
)

// ReadyEvent is one readiness notification returned by Poll, already
// resolved to the Handle it was registered with.
type ReadyEvent struct {
	Fd     int
	Op     Interest
	Handle *conn.Handle
}

type regEntry struct {
	interest Interest
	handle   *conn.Handle
}

// epollPoller wraps one epoll instance plus an eventfd used to interrupt a
// blocked epoll_wait from another thread. The ADD/MOD/DELETE membership
// bookkeeping follows the same shape as a typical epoll Registry wrapper
// (AddRead/AddWrite/ModRead/ModWrite/Delete, errors wrapped with
// os.NewSyscallError); the eventfd wakeup is the standard way to break a
// blocked epoll_wait from another goroutine.
type epollPoller struct {
	epfd   int
	wakeFd int

	mu      sync.Mutex
	members map[int]regEntry
	closed  bool

	log       *zap.Logger
	eventsBuf []unix.EpollEvent
	resultBuf []ReadyEvent
}

func newEpollPoller(maxEvents int, log *zap.Logger) (*epollPoller, error) {
	if maxEvents < 1 {
		maxEvents = 256
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	p := &epollPoller{
		epfd:      epfd,
		wakeFd:    wakeFd,
		members:   make(map[int]regEntry),
		log:       log,
		eventsBuf: make([]unix.EpollEvent, maxEvents),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{Fd: int32(wakeFd), Events: unix.EPOLLIN}); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, os.NewSyscallError("epoll_ctl add wake fd", err)
	}
	return p, nil
}

func epollEventsFor(interest Interest) uint32 {
	switch interest {
	case InterestConnect, InterestWrite:
		return unix.EPOLLOUT
	case InterestRead:
		return unix.EPOLLIN
	default:
		return 0
	}
}

// Register arms fd for interest, attaching h so Poll can resolve the ready
// event straight back to its Handle. ADD if this is the first time the fd
// is seen, MOD otherwise (one-shot re-arm reuses the same epoll membership).
func (p *epollPoller) Register(fd int, interest Interest, h *conn.Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPollerClosed
	}
	entry, present := p.members[fd]
	op := unix.EPOLL_CTL_ADD
	if present {
		op = unix.EPOLL_CTL_MOD
	}
	ev := &unix.EpollEvent{Fd: int32(fd), Events: epollEventsFor(interest)}
	if err := unix.EpollCtl(p.epfd, op, fd, ev); err != nil {
		if err == unix.EBADF || err == unix.ENOENT {
			delete(p.members, fd)
			return ErrFDClosed
		}
		return os.NewSyscallError("epoll_ctl", err)
	}
	entry.interest = interest
	entry.handle = h
	p.members[fd] = entry
	return nil
}

// ClearInterest arms fd for nothing (one-shot discipline) without dropping
// its epoll membership, so the next Register is a MOD, not an ADD.
func (p *epollPoller) ClearInterest(fd int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.members[fd]
	if !ok {
		return
	}
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: 0})
	entry.interest = InterestNone
	p.members[fd] = entry
}

// Unregister drops fd from this poller entirely. A no-op if fd is not a
// member, so callers may call it on both the read and write poller for a
// handle's loop index without knowing which one last held it.
func (p *epollPoller) Unregister(fd int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.members[fd]; !ok {
		return nil
	}
	delete(p.members, fd)
	if p.closed {
		return nil
	}
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil))
}

// Wakeup interrupts a blocked Poll from any thread.
func (p *epollPoller) Wakeup() error {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 1)
	_, err := unix.Write(p.wakeFd, buf)
	if err != nil && err != unix.EAGAIN {
		return os.NewSyscallError("write", err)
	}
	return nil
}

func (p *epollPoller) drainWake() {
	buf := make([]byte, 8)
	for {
		if _, err := unix.Read(p.wakeFd, buf); err != nil {
			return
		}
	}
}

// Poll blocks for at most timeoutMs and returns every ready event, resolved
// against each fd's last-armed interest (not the raw epoll bits, since
// CONNECT and WRITE share EPOLLOUT). Returns ErrPollerClosed once Close has
// run, and swallows EINTR the way epoll_wait callers conventionally do.
func (p *epollPoller) Poll(timeoutMs int) ([]ReadyEvent, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPollerClosed
	}
	p.mu.Unlock()

	n, err := unix.EpollWait(p.epfd, p.eventsBuf, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return nil, ErrPollerClosed
		}
		return nil, os.NewSyscallError("epoll_wait", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.resultBuf = p.resultBuf[:0]
	for i := 0; i < n; i++ {
		ev := p.eventsBuf[i]
		fd := int(ev.Fd)
		if fd == p.wakeFd {
			p.drainWake()
			continue
		}
		entry, ok := p.members[fd]
		if !ok || entry.interest == InterestNone {
			continue // stale event for an fd already cleared or unregistered
		}
		p.resultBuf = append(p.resultBuf, ReadyEvent{Fd: fd, Op: entry.interest, Handle: entry.handle})
	}
	return p.resultBuf, nil
}

// Close releases the epoll and eventfd descriptors. Idempotent. Callers
// should Wakeup before Close so any selector loop blocked in Poll observes
// the closed condition from the wakeup path rather than racing a syscall
// against a closed fd.
func (p *epollPoller) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	_ = unix.Close(p.wakeFd)
	return unix.Close(p.epfd)
}
