package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/luma/hermes/protocol"
)

var ErrLoopStopped = errors.New("loop is stopped")

// Handler is driven by a Loop for every connection it owns. All methods run
// on the loop goroutine.
type Handler interface {
	ConnHandler

	// OnOpen is called once a connection is registered.
	OnOpen(c *Conn)

	// OnClose is called after the connection left the poller and before its
	// socket is closed. err is the reason, ErrPeerClosed for a clean hangup.
	OnClose(c *Conn, err error)
}

type LoopOptions struct {
	Codec            protocol.CodecKind
	Encoding         string
	MaxContentLength int
	Trace            bool

	Log *zap.Logger
}

// Loop is a single goroutine readiness loop. It owns the poller, the
// optional listening socket and every Conn registered with it; none of them
// may be touched from another goroutine except through Post.
type Loop struct {
	poller  *Poller
	handler Handler
	options LoopOptions

	listenFd   int
	listenAddr net.Addr

	conns map[int]*Conn
	ready []Readiness

	mu       sync.Mutex
	tasks    []func()
	stopped  bool
	stopping bool

	log *zap.Logger
}

func NewLoop(handler Handler, options LoopOptions) (*Loop, error) {
	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	poller, err := MakePoller()
	if err != nil {
		return nil, err
	}

	return &Loop{
		poller:   poller,
		handler:  handler,
		options:  options,
		listenFd: -1,
		conns:    make(map[int]*Conn),
		ready:    make([]Readiness, 0, 128),
		log:      options.Log,
	}, nil
}

// Listen binds the loop to addr. New connections are accepted by Run.
func (l *Loop) Listen(addr string, reuse bool) error {
	if l.listenFd >= 0 {
		return errors.New("loop is already listening")
	}

	fd, bound, err := listen(addr, reuse)
	if err != nil {
		return err
	}

	if err := l.poller.Add(fd, EventRead); err != nil {
		unix.Close(fd)
		return fmt.Errorf("register listener: %w", err)
	}

	l.listenFd = fd
	l.listenAddr = bound

	return nil
}

// Addr is the bound listening address, nil if the loop does not listen.
func (l *Loop) Addr() net.Addr {
	return l.listenAddr
}

// Attach registers an already connected non-blocking descriptor. It must be
// called before Run or from the loop goroutine.
func (l *Loop) Attach(fd int, addr string) (*Conn, error) {
	return l.register(fd, addr)
}

// Len returns the number of registered connections.
func (l *Loop) Len() int {
	return len(l.conns)
}

// Post schedules fn to run on the loop goroutine. It is the only way for
// other goroutines to interact with the loop's connections.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return ErrLoopStopped
	}

	l.tasks = append(l.tasks, fn)

	// Wake while holding the lock so shutdown cannot close the poller
	// underneath us.
	return l.poller.Wake()
}

// Stop asks Run to close every connection and return.
func (l *Loop) Stop() error {
	return l.Post(func() {
		l.stopping = true
	})
}

// Run blocks, dispatching readiness to connections, until ctx is cancelled
// or Stop is called.
func (l *Loop) Run(ctx context.Context) (err error) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			if err := l.Stop(); err != nil && !errors.Is(err, ErrLoopStopped) {
				l.log.Warn("Failed to stop loop", zap.Error(err))
			}
		case <-done:
		}
	}()

	defer func() {
		err = multierr.Append(err, l.shutdown())
	}()

	for {
		ready, woken, werr := l.poller.Wait(l.ready)
		if werr != nil {
			return werr
		}
		l.ready = ready

		for _, r := range ready {
			if r.Fd == l.listenFd {
				l.acceptAll()
				continue
			}

			c, ok := l.conns[r.Fd]
			if !ok {
				// Closed earlier in this batch.
				continue
			}

			if herr := c.HandleEvents(r.Events, l.handler); herr != nil {
				l.CloseConn(c, herr)
			}
		}

		if woken {
			l.runTasks()
		}

		if l.stopping {
			return nil
		}
	}
}

func (l *Loop) runTasks() {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()

	for _, task := range tasks {
		task()
	}
}

func (l *Loop) acceptAll() {
	for {
		fd, addr, err := accept(l.listenFd)
		if isWouldBlock(err) {
			return
		}
		if err == unix.EINTR || err == unix.ECONNABORTED {
			continue
		}
		if err != nil {
			// EMFILE and friends, try again on the next readiness.
			l.log.Error("Failed to accept connection", zap.Error(err))
			return
		}

		if _, err := l.register(fd, addr); err != nil {
			l.log.Error("Failed to register connection", zap.String("addr", addr), zap.Error(err))
			unix.Close(fd)
		}
	}
}

func (l *Loop) register(fd int, addr string) (*Conn, error) {
	c := NewConn(NewSocket(fd), addr, ConnOptions{
		Codec:            l.options.Codec,
		Encoding:         l.options.Encoding,
		MaxContentLength: l.options.MaxContentLength,
		Trace:            l.options.Trace,
		SetInterest:      l.setInterest,
		Abort:            l.CloseConn,
		Log:              l.log.Named("conn"),
	})

	// Interested in both directions until the first write readiness shows the
	// outbound buffer is empty.
	if err := l.poller.Add(fd, c.Interest()); err != nil {
		return nil, err
	}

	l.conns[fd] = c
	l.log.Info("Connection opened", zap.String("conn", c.ID().String()), zap.String("addr", addr))

	l.handler.OnOpen(c)

	return c, nil
}

func (l *Loop) setInterest(c *Conn, ev Events) error {
	return l.poller.Modify(c.Fd(), ev)
}

// CloseConn deregisters c from the poller, lets the handler forget it and
// only then closes the socket. It must run on the loop goroutine.
func (l *Loop) CloseConn(c *Conn, reason error) {
	if c.Closed() {
		return
	}

	fd := c.Fd()

	if err := l.poller.Remove(fd); err != nil {
		l.log.Warn("Failed to deregister connection", zap.Int("fd", fd), zap.Error(err))
	}
	delete(l.conns, fd)

	l.handler.OnClose(c, reason)

	fields := []zap.Field{zap.String("conn", c.ID().String()), zap.String("addr", c.Addr())}
	switch {
	case reason == nil, errors.Is(reason, ErrPeerClosed), errors.Is(reason, ErrLoopStopped):
		l.log.Info("Connection closed", append(fields, zap.NamedError("reason", reason))...)
	default:
		l.log.Warn("Connection closed on error", append(fields, zap.Error(reason))...)
	}

	if err := c.Close(); err != nil {
		l.log.Warn("Connection did not close cleanly", append(fields, zap.Error(err))...)
	}
}

func (l *Loop) shutdown() (err error) {
	for _, c := range l.conns {
		l.CloseConn(c, ErrLoopStopped)
	}

	if l.listenFd >= 0 {
		err = multierr.Append(err, l.poller.Remove(l.listenFd))
		err = multierr.Append(err, unix.Close(l.listenFd))
		l.listenFd = -1
	}

	l.mu.Lock()
	l.stopped = true
	l.tasks = nil
	l.mu.Unlock()

	return multierr.Append(err, l.poller.Close())
}
