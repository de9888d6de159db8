package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

// TCP serves a Handler on a listening socket with a single Loop.
type TCP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr      string
	reuseport bool

	loop *Loop

	mu     sync.Mutex
	runErr error

	log *zap.Logger
}

func NewTCP(options Options) (*TCP, error) {
	if options.Handler == nil {
		return nil, errors.New("transport: a handler is required")
	}
	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	loop, err := NewLoop(options.Handler, LoopOptions{
		Codec:            options.Codec,
		Encoding:         options.Encoding,
		MaxContentLength: options.MaxContentLength,
		Trace:            options.Trace,
		Log:              options.Log.Named("loop"),
	})
	if err != nil {
		return nil, err
	}

	return &TCP{
		addr:      net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		reuseport: options.Reuseport,
		loop:      loop,
		log:       options.Log,
	}, nil
}

// Start binds the listener and runs the loop in the background. It returns
// once the socket is listening.
func (t *TCP) Start(parentCtx context.Context) error {
	if err := t.loop.Listen(t.addr, t.reuseport); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parentCtx)
	t.cancel = cancel

	t.log.Info("Listening", zap.String("addr", t.Addr().String()))

	t.stopWaiter.Add(1)
	go func() {
		defer t.stopWaiter.Done()

		if err := t.loop.Run(ctx); err != nil {
			t.log.Error("Loop exited with error", zap.Error(err))

			t.mu.Lock()
			t.runErr = err
			t.mu.Unlock()
		}
	}()

	return nil
}

// Addr is the address the server is bound to.
func (t *TCP) Addr() net.Addr {
	return t.loop.Addr()
}

// Loop exposes the event loop so callers can Post work onto it.
func (t *TCP) Loop() *Loop {
	return t.loop
}

// Close stops accepting, closes every connection and waits for the loop to
// exit.
func (t *TCP) Close() error {
	t.log.Info("Stopping TCP server")

	if t.cancel != nil {
		t.cancel()
	}

	t.stopWaiter.Wait()
	t.log.Info("TCP server stopped")

	t.mu.Lock()
	defer t.mu.Unlock()

	return t.runErr
}
