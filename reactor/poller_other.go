//go:build !linux

package reactor

import (
	"errors"

	"go.uber.org/zap"

	"github.com/fzft/go-reactor/conn"
)

// ErrUnsupportedPlatform is returned by newEpollPoller outside Linux. The
// readiness backend here is epoll-specific, gated by the same
// //go:build linux convention as any Linux-only syscall wrapper; a
// kqueue/IOCP backend would live in a sibling file under the same contract.
var ErrUnsupportedPlatform = errors.New("reactor: epoll backend requires linux")

type ReadyEvent struct {
	Fd     int
	Op     Interest
	Handle *conn.Handle
}

type epollPoller struct{}

func newEpollPoller(maxEvents int, log *zap.Logger) (*epollPoller, error) {
	return nil, ErrUnsupportedPlatform
}

func (p *epollPoller) Register(fd int, interest Interest, h *conn.Handle) error { return ErrUnsupportedPlatform }
func (p *epollPoller) ClearInterest(fd int)                                     {}
func (p *epollPoller) Unregister(fd int) error                                  { return nil }
func (p *epollPoller) Wakeup() error                                            { return ErrUnsupportedPlatform }
func (p *epollPoller) Poll(timeoutMs int) ([]ReadyEvent, error)                 { return nil, ErrUnsupportedPlatform }
func (p *epollPoller) Close() error                                            { return nil }
