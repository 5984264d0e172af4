//go:build linux

package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-reactor/conn"
)

type noopRegistrar struct{}

func (noopRegistrar) RegisterRead(index, fd int, h *conn.Handle) error  { return nil }
func (noopRegistrar) RegisterWrite(index, fd int, h *conn.Handle) error { return nil }
func (noopRegistrar) Unregister(index, fd int)                         {}

type syncSubmitter struct{}

func (syncSubmitter) Submit(task func()) error { task(); return nil }

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestPollerRegisterAndPollResolvesHandle(t *testing.T) {
	p, err := newEpollPoller(16, zap.NewNop())
	if err != nil {
		t.Fatalf("newEpollPoller: %v", err)
	}
	defer p.Close()

	a, b := socketpair(t)
	registry := conn.NewRegistry()
	h := conn.NewHandle(a, 0, nil, noopRegistrar{}, syncSubmitter{}, registry, "test")

	assert.NoError(t, p.Register(a, InterestRead, h))

	if _, err := unix.Write(b, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	events, err := p.Poll(1000)
	assert.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, a, events[0].Fd)
	assert.Equal(t, InterestRead, events[0].Op)
	assert.Same(t, h, events[0].Handle)
}

func TestPollerClearInterestSuppressesFurtherEvents(t *testing.T) {
	p, err := newEpollPoller(16, zap.NewNop())
	if err != nil {
		t.Fatalf("newEpollPoller: %v", err)
	}
	defer p.Close()

	a, b := socketpair(t)
	registry := conn.NewRegistry()
	h := conn.NewHandle(a, 0, nil, noopRegistrar{}, syncSubmitter{}, registry, "test")
	assert.NoError(t, p.Register(a, InterestRead, h))

	if _, err := unix.Write(b, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err = p.Poll(1000)
	assert.NoError(t, err)

	p.ClearInterest(a)

	events, err := p.Poll(50)
	assert.NoError(t, err)
	assert.Empty(t, events)
}

func TestPollerWakeupInterruptsBlockedPoll(t *testing.T) {
	p, err := newEpollPoller(16, zap.NewNop())
	if err != nil {
		t.Fatalf("newEpollPoller: %v", err)
	}
	defer p.Close()

	done := make(chan error, 1)
	go func() {
		_, err := p.Poll(10_000)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, p.Wakeup())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wakeup did not interrupt blocked poll")
	}
}

func TestPollerRegisterAfterCloseFails(t *testing.T) {
	p, err := newEpollPoller(16, zap.NewNop())
	if err != nil {
		t.Fatalf("newEpollPoller: %v", err)
	}
	assert.NoError(t, p.Close())

	a, _ := socketpair(t)
	registry := conn.NewRegistry()
	h := conn.NewHandle(a, 0, nil, noopRegistrar{}, syncSubmitter{}, registry, "test")
	assert.ErrorIs(t, p.Register(a, InterestRead, h), ErrPollerClosed)

	_, err = p.Poll(10)
	assert.ErrorIs(t, err, ErrPollerClosed)
}
