// Package bufproto is the buffered-protocol adapter: a conn.EventSink that
// owns a read buffer and a write buffer and forwards whole-buffer-ready
// events to a Handler. It is a client of the reactor/conn contract, not part
// of it, mirroring com.hellblazer.pinkie.buffer.BufferProtocol.
package bufproto

import (
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-reactor/conn"
)

// Handler receives buffer-level events from a Protocol. NewReadBuffer and
// NewWriteBuffer are called once, at construction, the way BufferProtocol's
// constructor calls handler.newReadBuffer()/newWriteBuffer().
type Handler interface {
	Accepted(p *Protocol)
	Connected(p *Protocol)
	Closing(reason error)
	ReadReady()
	WriteReady()
	ReadError(err error)
	WriteError(err error)
	NewReadBuffer() []byte
	NewWriteBuffer() []byte
}

// Protocol adapts a raw conn.Handle to buffer-level semantics. It implements
// conn.EventSink.
type Protocol struct {
	handler Handler
	log     *zap.Logger
	handle  *conn.Handle

	readBuf []byte
	readPos int

	writeBuf []byte
	writePos int

	readFullBuffer  bool
	writeFullBuffer bool
}

// New constructs a Protocol. readFullBuffer/writeFullBuffer both default to
// true, matching BufferProtocol's constructor defaults.
func New(handler Handler, log *zap.Logger) *Protocol {
	if log == nil {
		log = zap.NewNop()
	}
	return &Protocol{
		handler:         handler,
		log:             log,
		readBuf:         handler.NewReadBuffer(),
		writeBuf:        handler.NewWriteBuffer(),
		readFullBuffer:  true,
		writeFullBuffer: true,
	}
}

// SetReadFullBuffer controls whether ReadReady fires only once the read
// buffer is completely full (true, the default) or on every non-zero read.
func (p *Protocol) SetReadFullBuffer(v bool) { p.readFullBuffer = v }

// SetWriteFullBuffer is the write-side analogue of SetReadFullBuffer.
func (p *Protocol) SetWriteFullBuffer(v bool) { p.writeFullBuffer = v }

// ReadBuffer returns the bytes accumulated so far this read cycle.
func (p *Protocol) ReadBuffer() []byte { return p.readBuf[:p.readPos] }

// WriteBuffer returns the buffer currently being drained.
func (p *Protocol) WriteBuffer() []byte { return p.writeBuf }

// ResetRead rewinds the read position so the next cycle fills from zero.
func (p *Protocol) ResetRead() { p.readPos = 0 }

// ResetWrite loads a new payload to drain and rewinds the write position.
func (p *Protocol) ResetWrite(payload []byte) {
	p.writeBuf = payload
	p.writePos = 0
}

// RemoteAddr passes through the underlying handle's remote address,
// mirroring BufferProtocol.getRemoteAddress.
func (p *Protocol) RemoteAddr() string { return p.handle.RemoteAddr() }

// SelectForRead arms the handle for the next readReady cycle.
func (p *Protocol) SelectForRead() error { return p.handle.SelectForRead() }

// SelectForWrite arms the handle for the next writeReady cycle.
func (p *Protocol) SelectForWrite() error { return p.handle.SelectForWrite() }

// Close closes the underlying handle.
func (p *Protocol) Close() error { return p.handle.Close() }

// Handle returns the underlying connection handle.
func (p *Protocol) Handle() *conn.Handle { return p.handle }

// --- conn.EventSink ---

// Accepted implements conn.EventSink.
func (p *Protocol) Accepted(h *conn.Handle) {
	p.handle = h
	p.handler.Accepted(p)
}

// Connected implements conn.EventSink.
func (p *Protocol) Connected(h *conn.Handle) {
	p.handle = h
	p.handler.Connected(p)
}

// Closing implements conn.EventSink.
func (p *Protocol) Closing(reason error) {
	p.handler.Closing(reason)
}

// ReadReady implements conn.EventSink: reads into the remaining space in the
// read buffer, then either re-arms (buffer not full and readFullBuffer is
// set) or forwards to the handler.
func (p *Protocol) ReadReady() {
	n, err := unix.Read(p.handle.Fd(), p.readBuf[p.readPos:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if rerr := p.handle.SelectForRead(); rerr != nil {
				p.log.Debug("re-arm read failed", zap.Error(rerr))
			}
			return
		}
		p.fail(err, p.handler.ReadError)
		return
	}
	if n == 0 {
		// Peer closed its write side.
		_ = p.handle.CloseReason(nil)
		return
	}
	p.readPos += n
	if p.readPos < len(p.readBuf) && p.readFullBuffer {
		if rerr := p.handle.SelectForRead(); rerr != nil {
			p.log.Debug("re-arm read failed", zap.Error(rerr))
		}
		return
	}
	p.handler.ReadReady()
}

// WriteReady implements conn.EventSink: writes from the remaining unsent
// tail of the write buffer, then either re-arms (not fully drained and
// writeFullBuffer is set) or forwards to the handler.
func (p *Protocol) WriteReady() {
	n, err := unix.Write(p.handle.Fd(), p.writeBuf[p.writePos:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if rerr := p.handle.SelectForWrite(); rerr != nil {
				p.log.Debug("re-arm write failed", zap.Error(rerr))
			}
			return
		}
		p.fail(err, p.handler.WriteError)
		return
	}
	p.writePos += n
	if p.writePos < len(p.writeBuf) && p.writeFullBuffer {
		if rerr := p.handle.SelectForWrite(); rerr != nil {
			p.log.Debug("re-arm write failed", zap.Error(rerr))
		}
		return
	}
	p.handler.WriteReady()
}

func (p *Protocol) fail(err error, onError func(error)) {
	if IsClosedConnection(err) {
		p.log.Debug("connection closed during io", zap.Error(err))
	} else {
		onError(err)
	}
	_ = p.handle.CloseReason(err)
}

// IsClosedConnection classifies an I/O error as ordinary connection teardown
// rather than an application-visible failure, mirroring
// BufferProtocol.isClosedConnection's match on ClosedChannelException,
// "Broken pipe" and "Connection reset by peer". Matched against the unix
// errno values directly via errors.Is rather than string comparison, since
// Go's raw syscall errors carry the errno, not a Java exception type.
func IsClosedConnection(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, unix.EBADF)
}
