// Package reactor is the reactive TCP connection multiplexer core: Q
// read-side and Q write-side selector loops, each bound to its own epoll
// instance, a live-set registry of open connections and a bounded dispatcher
// that runs every callback off the selector thread.
package reactor

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/fzft/go-reactor/conn"
	"github.com/fzft/go-reactor/workerpool"
)

// SocketOptions configures a raw, already-non-blocking socket fd before it
// is handed to the multiplexer. Implementations typically set SO_REUSEADDR,
// TCP_NODELAY, SO_KEEPALIVE and similar.
type SocketOptions interface {
	Configure(fd int) error
}

// NoopSocketOptions applies nothing; it is the Config zero value's default.
type NoopSocketOptions struct{}

// Configure implements SocketOptions.
func (NoopSocketOptions) Configure(int) error { return nil }

// Config configures a ChannelHandler as a plain struct of field groups,
// matching fzft-go-mock-redis's Server construction style rather than an
// external config-file format.
type Config struct {
	// Name identifies this reactor in logs and selector-loop thread names.
	Name string
	// Queues is Q: this many read-side and this many write-side loops are
	// started, each with its own epoll instance.
	Queues int
	// MaxEvents bounds one epoll_wait batch per poller.
	MaxEvents int
	// SocketOptions configures every socket ConnectTo creates. Optional.
	SocketOptions SocketOptions
	// Dispatcher is the worker pool every callback runs on. If nil, a pool
	// sized to workerpool.DefaultWorkers() is created and owned internally.
	Dispatcher *workerpool.Pool
	// Logger receives structured diagnostics. Optional; defaults to a no-op
	// logger. Always injected, never a package-level global.
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Queues <= 0 {
		c.Queues = 1
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = 256
	}
	if c.SocketOptions == nil {
		c.SocketOptions = NoopSocketOptions{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Name == "" {
		c.Name = "reactor"
	}
	return c
}

// ChannelHandler is the public facade: construct, start, terminate, connect
// out, enumerate open handlers. Mirrors the Java ChannelHandler class in
// full (constructor, start/terminate, connectTo, nextQueueIndex,
// getOpenHandlers).
type ChannelHandler struct {
	cfg Config

	readPoll  []*epollPoller
	writePoll []*epollPoller
	readRegs  []*registrationQueue
	writeRegs []*registrationQueue

	registry *conn.Registry
	dispatch *workerpool.Pool
	ownPool  bool

	running   atomic.Bool
	nextQueue atomic.Uint32

	debug *DebugProbes
	wg    sync.WaitGroup
}

// New constructs a ChannelHandler with Q read/write selector-loop pairs. It
// does not start any goroutines; call Start for that.
func New(cfg Config) (*ChannelHandler, error) {
	cfg = cfg.withDefaults()

	ch := &ChannelHandler{
		cfg:      cfg,
		registry: conn.NewRegistry(),
		debug:    NewDebugProbes(),
	}
	if cfg.Dispatcher != nil {
		ch.dispatch = cfg.Dispatcher
	} else {
		ch.dispatch = workerpool.New(workerpool.DefaultWorkers(), 256, 1024, cfg.Logger)
		ch.ownPool = true
	}

	for i := 0; i < cfg.Queues; i++ {
		rp, err := newEpollPoller(cfg.MaxEvents, cfg.Logger)
		if err != nil {
			ch.closePollersLocked()
			return nil, fmt.Errorf("reactor: read poller %d: %w", i, err)
		}
		wp, err := newEpollPoller(cfg.MaxEvents, cfg.Logger)
		if err != nil {
			_ = rp.Close()
			ch.closePollersLocked()
			return nil, fmt.Errorf("reactor: write poller %d: %w", i, err)
		}
		ch.readPoll = append(ch.readPoll, rp)
		ch.writePoll = append(ch.writePoll, wp)
		ch.readRegs = append(ch.readRegs, newRegistrationQueue())
		ch.writeRegs = append(ch.writeRegs, newRegistrationQueue())
	}

	ch.debug.RegisterProbe("open_handles", func() any { return ch.registry.Len() })
	ch.debug.RegisterProbe("queues", func() any { return cfg.Queues })
	ch.debug.RegisterProbe("running", func() any { return ch.running.Load() })
	ch.debug.RegisterProbe("workers", func() any { return ch.dispatch.NumWorkers() })

	return ch, nil
}

func (ch *ChannelHandler) closePollersLocked() {
	for _, p := range ch.readPoll {
		_ = p.Close()
	}
	for _, p := range ch.writePoll {
		_ = p.Close()
	}
}

// IsRunning reports whether Start has completed and Terminate has not.
func (ch *ChannelHandler) IsRunning() bool { return ch.running.Load() }

// SocketOptions returns the socket-option collaborator configured at
// construction time.
func (ch *ChannelHandler) SocketOptions() SocketOptions { return ch.cfg.SocketOptions }

// Debug returns the probe registry for read-only diagnostics.
func (ch *ChannelHandler) Debug() *DebugProbes { return ch.debug }

// Start launches the 2×Q selector-loop goroutines. Idempotent; a second call
// while already running is a no-op.
func (ch *ChannelHandler) Start() {
	if !ch.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < ch.cfg.Queues; i++ {
		ch.startLoop(sideRead, i)
		ch.startLoop(sideWrite, i)
	}
	ch.cfg.Logger.Info("reactor started", zap.String("reactor", ch.cfg.Name), zap.Int("queues", ch.cfg.Queues))
}

func (ch *ChannelHandler) startLoop(s side, index int) {
	var poller *epollPoller
	var regs *registrationQueue
	if s == sideRead {
		poller, regs = ch.readPoll[index], ch.readRegs[index]
	} else {
		poller, regs = ch.writePoll[index], ch.writeRegs[index]
	}
	loop := &selectorLoop{
		side:     s,
		index:    index,
		name:     fmt.Sprintf("%s-%s[%d]", ch.cfg.Name, s, index),
		poller:   poller,
		regs:     regs,
		dispatch: ch.dispatch,
		running:  ch.running.Load,
		log:      ch.cfg.Logger,
	}
	ch.wg.Add(1)
	go func() {
		defer ch.wg.Done()
		loop.run()
	}()
}

// Terminate stops the reactor: wakes and closes every poller so each
// selector loop observes a clean shutdown and returns, closes every open
// handle, and (if it owns one) closes the dispatcher. Idempotent. Per Java
// ChannelHandler.terminateService, write selectors are woken and closed
// before read selectors, then the live-set is closed.
func (ch *ChannelHandler) Terminate() {
	if !ch.running.CompareAndSwap(true, false) {
		return
	}
	for i := range ch.writePoll {
		_ = ch.writePoll[i].Wakeup()
		_ = ch.writePoll[i].Close()
	}
	for i := range ch.readPoll {
		_ = ch.readPoll[i].Wakeup()
		_ = ch.readPoll[i].Close()
	}
	ch.wg.Wait()

	if err := ch.registry.CloseAll(); err != nil {
		ch.cfg.Logger.Warn("errors closing open handles", zap.Error(err))
	}
	if ch.ownPool {
		ch.dispatch.Close()
	}
	ch.cfg.Logger.Info("reactor terminated", zap.String("reactor", ch.cfg.Name))
}

// nextQueueIndex picks the next loop index round-robin, via an unsigned
// counter so overflow wraps instead of going negative.
func (ch *ChannelHandler) nextQueueIndex() int {
	n := ch.nextQueue.Add(1)
	return int(n % uint32(ch.cfg.Queues))
}

// RegisterRead implements conn.Registrar.
func (ch *ChannelHandler) RegisterRead(index, fd int, h *conn.Handle) error {
	ch.readRegs[index].push(registrationAction{fd: fd, handle: h, kind: kindRead})
	return ch.readPoll[index].Wakeup()
}

// RegisterWrite implements conn.Registrar.
func (ch *ChannelHandler) RegisterWrite(index, fd int, h *conn.Handle) error {
	ch.writeRegs[index].push(registrationAction{fd: fd, handle: h, kind: kindWrite})
	return ch.writePoll[index].Wakeup()
}

// Unregister implements conn.Registrar: drop fd from both pollers at index,
// since a handle may have last been armed for read or for write.
func (ch *ChannelHandler) Unregister(index, fd int) {
	if index < 0 || index >= len(ch.readPoll) {
		return
	}
	_ = ch.readPoll[index].Unregister(fd)
	_ = ch.writePoll[index].Unregister(fd)
}

// OpenHandlers returns a snapshot of every currently open connection's event
// sink.
func (ch *ChannelHandler) OpenHandlers() []conn.EventSink {
	return ch.registry.Snapshot()
}

// ConnectTo opens a non-blocking outbound TCP connection to remoteAddr. sink
// receives Connected once the connect resolves successfully, or Closing if
// it fails; a failed connect never delivers Connected. The handle is added
// to the live-set and its registration queued before Connect is even
// attempted, so a handle is reachable from Terminate's Registry.CloseAll
// from the moment this call returns.
func (ch *ChannelHandler) ConnectTo(remoteAddr *net.TCPAddr, sink conn.EventSink) error {
	if !ch.running.Load() {
		return ErrNotRunning
	}
	index := ch.nextQueueIndex()

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, unix.IPPROTO_TCP)
	if err != nil {
		return fmt.Errorf("reactor: socket: %w", err)
	}
	if err := ch.cfg.SocketOptions.Configure(fd); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("reactor: configure socket: %w", err)
	}

	h := conn.NewHandle(fd, index, sink, ch, ch.dispatch, ch.registry, remoteAddr.String())
	ch.registry.Add(h)

	ch.readRegs[index].push(registrationAction{fd: fd, handle: h, kind: kindConnect})
	if err := ch.readPoll[index].Wakeup(); err != nil {
		ch.cfg.Logger.Debug("wakeup failed posting connect registration", zap.Error(err))
	}

	sa := tcpAddrToSockaddr(remoteAddr)
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		ch.cfg.Logger.Info("connect failed synchronously", zap.Stringer("remote", remoteAddr), zap.Error(err))
		_ = h.CloseReason(fmt.Errorf("reactor: connect: %w", err))
	}
	return nil
}

// Accept wires an already-accepted, non-blocking socket fd into the
// multiplexer and dispatches Accepted. The listener that produces the
// accepted socket is an external collaborator; Accept is the handoff point
// where the connection is first created.
func (ch *ChannelHandler) Accept(fd int, remoteAddr string, sink conn.EventSink) (*conn.Handle, error) {
	if !ch.running.Load() {
		_ = unix.Close(fd)
		return nil, ErrNotRunning
	}
	index := ch.nextQueueIndex()
	h := conn.NewHandle(fd, index, sink, ch, ch.dispatch, ch.registry, remoteAddr)
	ch.registry.Add(h)

	if err := ch.dispatch.Submit(h.DispatchAccepted); err != nil {
		ch.cfg.Logger.Info("dispatcher saturated on accept, closing", zap.Error(err))
		_ = h.CloseReason(fmt.Errorf("reactor: dispatcher saturated: %w", err))
		return nil, err
	}
	return h, nil
}

func tcpAddrToSockaddr(a *net.TCPAddr) unix.Sockaddr {
	if ip4 := a.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: a.Port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: a.Port}
	copy(sa.Addr[:], a.IP.To16())
	return sa
}
