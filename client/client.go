package client

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/luma/hermes/protocol"
	"github.com/luma/hermes/transport"
)

var ErrAlreadyRunning = errors.New("client is already running")

type Options struct {
	Codec            protocol.CodecKind
	Encoding         string
	MaxContentLength int

	// Trace will log every frame. This is only useful in local debugging
	Trace bool

	// ManualConfirm leaves the delivery confirmation of pushed pings to the
	// caller. By default every ping is echoed back as soon as it arrives.
	ManualConfirm bool

	Log *zap.Logger
}

// Client is one connection to a Hermes server. Its socket is driven by a
// transport.Loop on the goroutine calling Run; everything else only talks to
// that goroutine through Loop.Post.
type Client struct {
	loop *transport.Loop

	// Owned by the loop goroutine.
	conn   *transport.Conn
	outbox []protocol.Value
	reason error

	manualConfirm bool

	mailbox   *mailbox
	responses chan protocol.Response

	mu      sync.Mutex
	started bool
	done    chan struct{}
	quit    chan struct{}
	quitted sync.Once

	log *zap.Logger
}

// Dial connects to addr. The returned client does nothing until Run is
// called.
func Dial(ctx context.Context, addr string, options Options) (*Client, error) {
	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	fd, err := transport.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		manualConfirm: options.ManualConfirm,
		mailbox:       newMailbox(),
		responses:     make(chan protocol.Response),
		done:          make(chan struct{}),
		quit:          make(chan struct{}),
		log:           options.Log,
	}

	c.loop, err = transport.NewLoop(c, transport.LoopOptions{
		Codec:            options.Codec,
		Encoding:         options.Encoding,
		MaxContentLength: options.MaxContentLength,
		Trace:            options.Trace,
		Log:              options.Log.Named("loop"),
	})
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	if _, err := c.loop.Attach(fd, addr); err != nil {
		unix.Close(fd)
		return nil, err
	}

	go c.mailbox.pump(c.responses, c.quit)

	return c, nil
}

// Responses delivers every decoded response and push in arrival order. It is
// closed once the connection is gone and everything was handed out.
func (c *Client) Responses() <-chan protocol.Response {
	return c.responses
}

// Send queues req for the server. It never waits for the network.
func (c *Client) Send(req protocol.Request) error {
	v := req.Value()

	return c.loop.Post(func() {
		c.enqueue(v)
	})
}

// Run drives the connection until ctx is cancelled, Close is called or the
// connection fails. A server hangup is reported as transport.ErrPeerClosed.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.started = true
	c.mu.Unlock()

	return c.run(ctx)
}

func (c *Client) run(ctx context.Context) error {
	defer close(c.done)
	defer c.mailbox.close()

	if err := c.loop.Run(ctx); err != nil {
		return err
	}

	if errors.Is(c.reason, transport.ErrLoopStopped) {
		return nil
	}

	return c.reason
}

// Close disconnects and waits for Run to return. Responses still queued are
// dropped.
func (c *Client) Close() error {
	c.quitted.Do(func() { close(c.quit) })

	c.mu.Lock()
	started := c.started
	c.started = true
	c.mu.Unlock()

	if err := c.loop.Stop(); err != nil && !errors.Is(err, transport.ErrLoopStopped) {
		return err
	}

	if !started {
		// Nobody runs the loop, let it process the stop itself.
		return c.run(context.Background())
	}

	<-c.done

	return nil
}

func (c *Client) OnOpen(conn *transport.Conn) {
	c.conn = conn
}

func (c *Client) OnClose(conn *transport.Conn, err error) {
	c.reason = err
	c.outbox = nil

	if err := c.loop.Stop(); err != nil && !errors.Is(err, transport.ErrLoopStopped) {
		c.log.Warn("Failed to stop loop", zap.Error(err))
	}
}

func (c *Client) OnMessage(conn *transport.Conn, v protocol.Value) {
	resp, err := protocol.DecodeResponse(v)
	if err != nil {
		c.log.Warn("Ignoring undecodable response", zap.Error(err))
		return
	}

	if ping, ok := resp.(*protocol.PingMessage); ok && !c.manualConfirm {
		c.enqueue(ping.Value())
	}

	c.mailbox.put(resp)
}

func (c *Client) OnDrained(conn *transport.Conn) {
	c.flush()
}

func (c *Client) enqueue(v protocol.Value) {
	if c.conn == nil || c.conn.Closed() {
		c.log.Warn("Dropping request, connection is closed")
		return
	}

	c.outbox = append(c.outbox, v)
	c.flush()
}

func (c *Client) flush() {
	for len(c.outbox) > 0 && c.conn.WriteState() == transport.Idle {
		v := c.outbox[0]
		c.outbox = c.outbox[1:]

		if err := c.conn.Send(v); err != nil {
			c.log.Error("Failed to send request", zap.Error(err))
			if !errors.Is(err, protocol.ErrType) {
				c.loop.CloseConn(c.conn, err)
				return
			}
		}
	}
}

var _ transport.Handler = (*Client)(nil)
