// Command reactor-echo-server is a runnable demo: it accepts TCP
// connections with the stdlib listener, hands each accepted socket off to a
// reactor.ChannelHandler, and echoes back whatever it reads.
package main

import (
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-reactor/bufproto"
	"github.com/fzft/go-reactor/reactor"
	"github.com/fzft/go-reactor/rlog"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	queues := flag.Int("queues", 2, "number of read/write selector-loop pairs")
	flag.Parse()

	log := rlog.New()
	defer log.Sync()

	ch, err := reactor.New(reactor.Config{
		Name:   "echo",
		Queues: *queues,
		Logger: log,
	})
	if err != nil {
		log.Fatal("construct reactor", zap.Error(err))
	}
	ch.Start()
	defer ch.Terminate()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatal("listen", zap.Error(err))
	}
	defer ln.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Info("echo server listening", zap.String("addr", *addr))

	go acceptLoop(ln, ch, log)

	<-sigCh
	log.Info("shutting down")
}

func acceptLoop(ln net.Listener, ch *reactor.ChannelHandler, log *zap.Logger) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if !ch.IsRunning() {
				return
			}
			log.Error("accept", zap.Error(err))
			continue
		}
		tc, ok := c.(*net.TCPConn)
		if !ok {
			_ = c.Close()
			continue
		}
		fd, remote, err := detachFd(tc)
		if err != nil {
			log.Error("detach fd from accepted conn", zap.Error(err))
			continue
		}
		proto := bufproto.New(&echoHandler{log: log}, log)
		if _, err := ch.Accept(fd, remote, proto); err != nil {
			log.Info("accept rejected by reactor", zap.Error(err))
		}
	}
}

// detachFd pulls the raw, duplicated, non-blocking fd out of an accepted
// *net.TCPConn so it can be registered on our own epoll instance instead of
// the Go runtime's netpoller. The stdlib listener keeps doing the accept;
// this is just the handoff point into the reactor.
func detachFd(tc *net.TCPConn) (int, string, error) {
	remote := tc.RemoteAddr().String()
	raw, err := tc.SyscallConn()
	if err != nil {
		_ = tc.Close()
		return 0, "", err
	}

	var dupFd int
	var dupErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		dupFd, dupErr = unix.Dup(int(fd))
	})
	_ = tc.Close()
	if ctrlErr != nil {
		return 0, "", ctrlErr
	}
	if dupErr != nil {
		return 0, "", dupErr
	}
	if err := unix.SetNonblock(dupFd, true); err != nil {
		_ = unix.Close(dupFd)
		return 0, "", err
	}
	return dupFd, remote, nil
}

// echoHandler is created fresh per connection and caches the bufproto.Protocol
// handed to it on Accepted, the way a Java CommsHandler caches its
// BufferProtocol.
type echoHandler struct {
	log *zap.Logger
	p   *bufproto.Protocol
}

func (h *echoHandler) NewReadBuffer() []byte  { return make([]byte, 4096) }
func (h *echoHandler) NewWriteBuffer() []byte { return nil }

func (h *echoHandler) Accepted(p *bufproto.Protocol) {
	h.p = p
	h.log.Info("accepted", zap.String("remote", p.RemoteAddr()))
	p.SetReadFullBuffer(false)
	if err := p.SelectForRead(); err != nil {
		h.log.Debug("select for read failed", zap.Error(err))
	}
}

func (h *echoHandler) Connected(p *bufproto.Protocol) {
	// The echo server never initiates outbound connections.
}

func (h *echoHandler) Closing(reason error) {
	h.log.Info("connection closed", zap.Error(reason))
}

func (h *echoHandler) ReadReady() {
	data := append([]byte(nil), h.p.ReadBuffer()...)
	h.p.ResetRead()
	h.p.ResetWrite(data)
	if err := h.p.SelectForWrite(); err != nil {
		h.log.Debug("select for write failed", zap.Error(err))
	}
}

func (h *echoHandler) WriteReady() {
	if err := h.p.SelectForRead(); err != nil {
		h.log.Debug("select for read failed", zap.Error(err))
	}
}

func (h *echoHandler) ReadError(err error) {
	h.log.Info("read error", zap.Error(err))
}

func (h *echoHandler) WriteError(err error) {
	h.log.Info("write error", zap.Error(err))
}
