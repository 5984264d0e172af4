package bufproto

import (
	"errors"
	"testing"

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

type recordingHandler struct {
	accepted   bool
	reads      [][]byte
	closedWith error
	readErrs   []error
}

func (h *recordingHandler) NewReadBuffer() []byte  { return make([]byte, 8) }
func (h *recordingHandler) NewWriteBuffer() []byte { return nil }
func (h *recordingHandler) Accepted(p *Protocol)   { h.accepted = true }
func (h *recordingHandler) Connected(p *Protocol)  {}
func (h *recordingHandler) Closing(reason error)   { h.closedWith = reason }
func (h *recordingHandler) ReadError(err error)    { h.readErrs = append(h.readErrs, err) }
func (h *recordingHandler) WriteError(err error)   {}
func (h *recordingHandler) WriteReady()            {}

func (h *recordingHandler) ReadReady() {
	// tests supply read behavior through capturingHandler.onRead below; see
	// pair and capturingHandler.Accepted for how p is threaded in.
}

// pair creates a connected socketpair and wraps one end in a Protocol bound
// to a conn.Handle, returning the Protocol and the raw fd of the other end
// for the test to write/read against directly.
func pair(t *testing.T, h Handler) (*Protocol, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		t.Fatalf("setnonblock: %v", err)
	}

	p := New(h, zap.NewNop())
	handle := conn.NewHandle(fds[0], 0, p, noopRegistrar{}, syncSubmitter{}, conn.NewRegistry(), "test")
	p.Accepted(handle)
	return p, fds[1]
}

func TestReadReadyDeliversOnNonZeroRead(t *testing.T) {
	var received []byte
	h := &capturingHandler{
		recordingHandler: recordingHandler{},
		onRead: func(p *Protocol) {
			received = append([]byte(nil), p.ReadBuffer()...)
			p.ResetRead()
		},
	}
	p, peer := pair(t, h)
	defer unix.Close(peer)
	p.SetReadFullBuffer(false)

	if _, err := unix.Write(peer, []byte("hi")); err != nil {
		t.Fatalf("write: %v", err)
	}
	p.ReadReady()

	assert.Equal(t, []byte("hi"), received)
	assert.True(t, h.accepted)
}

func TestReadReadyWaitsForFullBufferWhenConfigured(t *testing.T) {
	var delivered bool
	h := &capturingHandler{onRead: func(p *Protocol) { delivered = true }}
	p, peer := pair(t, h)
	defer unix.Close(peer)
	p.SetReadFullBuffer(true) // read buffer is 8 bytes; a 4 byte write must not deliver

	if _, err := unix.Write(peer, []byte("abcd")); err != nil {
		t.Fatalf("write: %v", err)
	}
	p.ReadReady()

	assert.False(t, delivered)
}

func TestReadReadyClassifiesPeerCloseAsCleanTeardown(t *testing.T) {
	h := &capturingHandler{}
	p, peer := pair(t, h)
	unix.Close(peer)

	p.ReadReady()

	assert.True(t, p.Handle().Closed())
	assert.Nil(t, p.Handle().Reason())
	assert.Empty(t, h.readErrs)
}

func TestIsClosedConnectionClassifiesKnownErrnos(t *testing.T) {
	assert.True(t, IsClosedConnection(unix.EPIPE))
	assert.True(t, IsClosedConnection(unix.ECONNRESET))
	assert.False(t, IsClosedConnection(errors.New("something else")))
	assert.False(t, IsClosedConnection(nil))
}

// capturingHandler lets each test supply its own ReadReady behavior without
// redefining the whole Handler interface each time.
type capturingHandler struct {
	recordingHandler
	p      *Protocol
	onRead func(p *Protocol)
}

func (h *capturingHandler) Accepted(p *Protocol) {
	h.accepted = true
	h.p = p
}

func (h *capturingHandler) ReadReady() {
	if h.onRead != nil {
		h.onRead(h.p)
	}
}
