// Command reactor-client is a small interactive line-edited REPL that drives
// reactor.ChannelHandler.ConnectTo to open an outbound connection and send
// whatever the user types. It uses github.com/peterh/liner for line editing
// and history, plus github.com/mattn/go-isatty for TTY detection, the same
// pairing a Redis-style interactive CLI reaches for.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"go.uber.org/zap"

	"github.com/fzft/go-reactor/bufproto"
	"github.com/fzft/go-reactor/reactor"
	"github.com/fzft/go-reactor/rlog"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "server address")
	flag.Parse()

	log := rlog.New()
	defer log.Sync()

	ch, err := reactor.New(reactor.Config{Name: "client", Queues: 1, Logger: log})
	if err != nil {
		log.Fatal("construct reactor", zap.Error(err))
	}
	ch.Start()
	defer ch.Terminate()

	tcpAddr, err := net.ResolveTCPAddr("tcp", *addr)
	if err != nil {
		log.Fatal("resolve address", zap.Error(err))
	}

	handler := newClientHandler(log)
	proto := bufproto.New(handler, log)
	if err := ch.ConnectTo(tcpAddr, proto); err != nil {
		log.Fatal("connect", zap.Error(err))
	}

	select {
	case <-handler.connected:
	case reason := <-handler.closed:
		log.Fatal("connect failed", zap.Error(reason))
	}

	fmt.Printf("connected to %s, type a line and press enter, Ctrl-D to quit\n", *addr)
	repl(handler)
}

func repl(handler *clientHandler) {
	var prompt func() (string, error)
	var recordHistory func(string)

	if isatty.IsTerminal(os.Stdin.Fd()) {
		ln := liner.NewLiner()
		defer ln.Close()
		ln.SetCtrlCAborts(true)
		prompt = func() (string, error) { return ln.Prompt("> ") }
		recordHistory = ln.AppendHistory
	} else {
		scanner := bufio.NewScanner(os.Stdin)
		prompt = func() (string, error) {
			if !scanner.Scan() {
				return "", io.EOF
			}
			return scanner.Text(), nil
		}
		recordHistory = func(string) {}
	}

	for {
		input, err := prompt()
		if err != nil {
			return
		}
		if input == "" {
			continue
		}
		recordHistory(input)

		if err := handler.Send([]byte(input)); err != nil {
			fmt.Println("send failed:", err)
			continue
		}

		select {
		case reply := <-handler.replies:
			fmt.Printf("< %s\n", reply)
		case reason := <-handler.closed:
			fmt.Println("connection closed:", reason)
			return
		}
	}
}

// clientHandler bridges the reactor's dispatcher goroutines (Connected,
// ReadReady, Closing all run there) to the REPL goroutine via channels.
type clientHandler struct {
	log *zap.Logger
	p   *bufproto.Protocol

	connected chan struct{}
	replies   chan string
	closed    chan error
}

func newClientHandler(log *zap.Logger) *clientHandler {
	return &clientHandler{
		log:       log,
		connected: make(chan struct{}, 1),
		replies:   make(chan string, 16),
		closed:    make(chan error, 1),
	}
}

func (c *clientHandler) NewReadBuffer() []byte  { return make([]byte, 4096) }
func (c *clientHandler) NewWriteBuffer() []byte { return nil }

func (c *clientHandler) Accepted(p *bufproto.Protocol) {
	// This client never accepts inbound connections.
}

func (c *clientHandler) Connected(p *bufproto.Protocol) {
	c.p = p
	p.SetReadFullBuffer(false)
	select {
	case c.connected <- struct{}{}:
	default:
	}
	if err := p.SelectForRead(); err != nil {
		c.log.Debug("select for read failed", zap.Error(err))
	}
}

func (c *clientHandler) Closing(reason error) {
	select {
	case c.closed <- reason:
	default:
	}
}

func (c *clientHandler) ReadReady() {
	line := string(append([]byte(nil), c.p.ReadBuffer()...))
	c.p.ResetRead()
	select {
	case c.replies <- line:
	default:
	}
	if err := c.p.SelectForRead(); err != nil {
		c.log.Debug("select for read failed", zap.Error(err))
	}
}

func (c *clientHandler) WriteReady() {
	if err := c.p.SelectForRead(); err != nil {
		c.log.Debug("select for read failed", zap.Error(err))
	}
}

func (c *clientHandler) ReadError(err error) {
	c.log.Info("read error", zap.Error(err))
}

func (c *clientHandler) WriteError(err error) {
	c.log.Info("write error", zap.Error(err))
}

// Send queues payload as the next write and arms the handle for writeReady.
func (c *clientHandler) Send(payload []byte) error {
	c.p.ResetWrite(payload)
	return c.p.SelectForWrite()
}
