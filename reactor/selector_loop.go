package reactor

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fzft/go-reactor/conn"
	"github.com/fzft/go-reactor/workerpool"
)

type side uint8

const (
	sideRead side = iota
	sideWrite
)

func (s side) String() string {
	if s == sideRead {
		return "read"
	}
	return "write"
}

// selectTimeoutMs bounds how long a selector loop blocks in Poll between
// drains of its registration queue.
const selectTimeoutMs = 1000

// selectorLoop is one of the 2xQ loops: drain its registration queue, poll,
// dispatch every ready event, repeat until told to stop. Mirrors Java
// ChannelHandler.readSelect/writeSelect/readSelectorTask/writeSelectorTask,
// with the same poll-loop shape as fzft-go-mock-redis's node/poll_unix.go.
type selectorLoop struct {
	side     side
	index    int
	name     string
	poller   *epollPoller
	regs     *registrationQueue
	dispatch *workerpool.Pool
	running  func() bool
	log      *zap.Logger
}

func (l *selectorLoop) run() {
	defer l.log.Debug("selector loop exiting", zap.String("loop", l.name))
	for l.running() {
		l.regs.drain(l.applyActionRecovered)

		ready, err := l.poller.Poll(selectTimeoutMs)
		if err != nil {
			if err == ErrPollerClosed {
				l.log.Debug("poller closed", zap.String("loop", l.name))
			} else {
				l.log.Error("poll failed, exiting selector loop", zap.String("loop", l.name), zap.Error(err))
			}
			return
		}

		for _, ev := range ready {
			if !l.running() {
				return
			}
			l.poller.ClearInterest(ev.Fd)
			l.handleReady(ev)
		}
	}
}

// applyActionRecovered applies one registration action, recovering from any
// panic so a single bad action never kills the loop: it keeps draining and
// polling on behalf of every other connection bound to it.
func (l *selectorLoop) applyActionRecovered(a registrationAction) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("recovered panic applying registration action",
				zap.String("loop", l.name), zap.Int("fd", a.fd), zap.Any("recover", r))
		}
	}()
	l.applyAction(a)
}

func (l *selectorLoop) applyAction(a registrationAction) {
	var interest Interest
	switch a.kind {
	case kindConnect:
		interest = InterestConnect
	case kindRead:
		interest = InterestRead
	case kindWrite:
		interest = InterestWrite
	}
	if err := l.poller.Register(a.fd, interest, a.handle); err != nil {
		l.log.Debug("registration failed, closing handle",
			zap.String("loop", l.name), zap.Int("fd", a.fd), zap.Stringer("interest", interest), zap.Error(err))
		_ = a.handle.CloseReason(fmt.Errorf("reactor: register: %w", err))
	}
}

func (l *selectorLoop) handleReady(ev ReadyEvent) {
	h := ev.Handle
	if h == nil {
		l.log.Warn("ready event for an fd with no attached handle", zap.Int("fd", ev.Fd))
		return
	}
	switch {
	case l.side == sideRead && ev.Op == InterestConnect:
		l.dispatchConnect(h)
	case l.side == sideRead && ev.Op == InterestRead:
		l.dispatchRead(h)
	case l.side == sideWrite && ev.Op == InterestWrite:
		l.dispatchWrite(h)
	default:
		l.log.Error("interest does not match loop side",
			zap.String("loop", l.name), zap.Int("fd", ev.Fd), zap.Stringer("interest", ev.Op))
	}
}

// dispatchConnect submits finishConnect. A saturated dispatcher closes the
// handle instead of re-arming: a half-finished connect has no useful "try
// again next cycle" state to preserve.
func (l *selectorLoop) dispatchConnect(h *conn.Handle) {
	if err := l.dispatch.Submit(h.FinishConnect); err != nil {
		l.log.Info("dispatcher saturated on connect, closing handle", zap.Int("fd", h.Fd()), zap.Error(err))
		_ = h.CloseReason(fmt.Errorf("reactor: dispatcher saturated: %w", err))
	}
}

// dispatchRead submits the read-ready callback. A saturated dispatcher
// re-arms for the next poll cycle instead of closing: the data is still
// there, only dispatch capacity was momentarily short.
func (l *selectorLoop) dispatchRead(h *conn.Handle) {
	if err := l.dispatch.Submit(h.DispatchReadReady); err != nil {
		l.log.Debug("dispatcher saturated on read, re-arming", zap.Int("fd", h.Fd()))
		if rerr := h.SelectForRead(); rerr != nil {
			l.log.Debug("re-arm read failed", zap.Int("fd", h.Fd()), zap.Error(rerr))
		}
	}
}

// dispatchWrite is the write-side analogue of dispatchRead.
func (l *selectorLoop) dispatchWrite(h *conn.Handle) {
	if err := l.dispatch.Submit(h.DispatchWriteReady); err != nil {
		l.log.Debug("dispatcher saturated on write, re-arming", zap.Int("fd", h.Fd()))
		if rerr := h.SelectForWrite(); rerr != nil {
			l.log.Debug("re-arm write failed", zap.Int("fd", h.Fd()), zap.Error(rerr))
		}
	}
}
