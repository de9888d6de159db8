package transport

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luma/hermes/protocol"
)

var (
	ErrPeerClosed    = errors.New("peer closed the connection")
	ErrWriteInFlight = errors.New("previous frame is still draining")
	ErrConnClosed    = errors.New("connection is closed")
)

const readChunkSize = 16 * 1024

// ReadState is the position of the inbound parser within a frame.
type ReadState int

const (
	AwaitingLength ReadState = iota
	AwaitingHeader
	AwaitingBody
	Ready
)

func (s ReadState) String() string {
	switch s {
	case AwaitingLength:
		return "awaiting-length"
	case AwaitingHeader:
		return "awaiting-header"
	case AwaitingBody:
		return "awaiting-body"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("ReadState(%d)", int(s))
	}
}

// WriteState tracks the single outbound frame a Conn may have in flight.
type WriteState int

const (
	Idle WriteState = iota
	Encoding
	Draining
)

func (s WriteState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Encoding:
		return "encoding"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("WriteState(%d)", int(s))
	}
}

// ConnHandler receives what a Conn produces while it handles readiness.
type ConnHandler interface {
	// OnMessage is called once per fully decoded inbound value.
	OnMessage(c *Conn, v protocol.Value)

	// OnDrained is called when the outbound frame has been fully written and
	// the Conn accepts a new Send.
	OnDrained(c *Conn)
}

type ConnOptions struct {
	Codec            protocol.CodecKind
	Encoding         string
	MaxContentLength int

	// Trace logs every frame at debug level.
	Trace bool

	// SetInterest is called whenever the Conn wants a different readiness
	// mask, e.g. to stop write notifications once its buffer is empty.
	SetInterest func(c *Conn, ev Events) error

	// Abort closes the connection through its owner. Without one, Abort only
	// closes the socket.
	Abort func(c *Conn, reason error)

	Log *zap.Logger
}

// Conn is the per socket protocol engine. It accumulates inbound bytes and
// parses them frame by frame, and it writes at most one outbound frame at a
// time. A Conn is not safe for concurrent use, it belongs to the goroutine
// running its Loop.
type Conn struct {
	id   uuid.UUID
	sock Socket
	addr string

	codec            protocol.CodecKind
	encoding         string
	maxContentLength int
	trace            bool

	readState ReadState
	inbound   bytes.Buffer
	headerLen uint16
	header    *protocol.Header
	pending   protocol.Value
	scratch   []byte

	writeState WriteState
	outbound   bytes.Buffer

	interest    Events
	setInterest func(c *Conn, ev Events) error
	abort       func(c *Conn, reason error)

	// user is the authenticated username, server side only.
	user string

	closed bool

	log *zap.Logger
}

func NewConn(sock Socket, addr string, options ConnOptions) *Conn {
	if options.Codec == "" {
		options.Codec = protocol.CodecText
	}
	if options.Encoding == "" {
		options.Encoding = protocol.DefaultEncoding
	}
	if options.MaxContentLength <= 0 {
		options.MaxContentLength = protocol.DefaultMaxContentLength
	}
	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	id := uuid.New()

	return &Conn{
		id:               id,
		sock:             sock,
		addr:             addr,
		codec:            options.Codec,
		encoding:         options.Encoding,
		maxContentLength: options.MaxContentLength,
		trace:            options.Trace,
		setInterest:      options.SetInterest,
		abort:            options.Abort,
		interest:         EventRead | EventWrite,
		scratch:          make([]byte, readChunkSize),
		log: options.Log.With(
			zap.String("conn", id.String()),
			zap.String("addr", addr)),
	}
}

func (c *Conn) ID() uuid.UUID          { return c.id }
func (c *Conn) Addr() string           { return c.addr }
func (c *Conn) Fd() int                { return c.sock.Fd() }
func (c *Conn) ReadState() ReadState   { return c.readState }
func (c *Conn) WriteState() WriteState { return c.writeState }
func (c *Conn) Interest() Events       { return c.interest }
func (c *Conn) Closed() bool           { return c.closed }

// User returns the username this connection authenticated as, if any.
func (c *Conn) User() string { return c.user }

func (c *Conn) SetUser(username string) { c.user = username }

// Buffered returns the number of inbound bytes not yet consumed by a frame.
func (c *Conn) Buffered() int { return c.inbound.Len() }

// HandleEvents services one readiness notification. Any returned error is
// fatal to the connection and the caller must close it.
func (c *Conn) HandleEvents(ev Events, h ConnHandler) error {
	if c.closed {
		return ErrConnClosed
	}

	if ev.Readable() {
		if err := c.fill(); err != nil {
			return err
		}

		if err := c.deliver(h); err != nil {
			return err
		}
	}

	if ev.Writable() && !c.closed {
		if err := c.drain(h); err != nil {
			return err
		}
	}

	return nil
}

// fill performs a single read. Would-block is not an error, the next
// readiness notification retries.
func (c *Conn) fill() error {
	n, err := c.sock.Read(c.scratch)
	if isWouldBlock(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if n == 0 {
		return ErrPeerClosed
	}

	c.inbound.Write(c.scratch[:n])

	return nil
}

// deliver surfaces every complete frame that is buffered, one at a time.
func (c *Conn) deliver(h ConnHandler) error {
	for {
		progressed, err := c.advance()
		if err != nil {
			return err
		}

		if c.readState == Ready {
			v := c.pending
			c.pending = nil
			c.header = nil
			c.headerLen = 0
			c.readState = AwaitingLength

			if c.trace {
				c.log.Debug("Frame in", zap.String("value", fmt.Sprint(v)))
			}

			h.OnMessage(c, v)

			if c.closed {
				return nil
			}
			continue
		}

		if !progressed {
			return nil
		}
	}
}

// advance moves the read state machine forward by at most one state.
func (c *Conn) advance() (bool, error) {
	buf := c.inbound.Bytes()

	switch c.readState {
	case AwaitingLength:
		n, rest, ok, err := protocol.ParseHeaderLength(buf)
		if err != nil || !ok {
			return false, err
		}
		c.inbound.Next(len(buf) - len(rest))
		c.headerLen = n
		c.readState = AwaitingHeader

	case AwaitingHeader:
		header, rest, ok, err := protocol.ParseHeader(buf, c.headerLen, c.codec)
		if err != nil || !ok {
			return false, err
		}
		if header.ContentLength > c.maxContentLength {
			return false, fmt.Errorf("%w: %w (%d > %d)",
				protocol.ErrProtocol, protocol.ErrContentTooLarge, header.ContentLength, c.maxContentLength)
		}
		c.inbound.Next(len(buf) - len(rest))
		c.header = header
		c.readState = AwaitingBody

	case AwaitingBody:
		v, rest, ok, err := protocol.ParseBody(buf, c.header, c.codec)
		if err != nil || !ok {
			return false, err
		}
		c.inbound.Next(len(buf) - len(rest))
		c.pending = v
		c.readState = Ready

	default:
		return false, nil
	}

	return true, nil
}

// Send encodes v and queues it for writing. Only one frame may be in flight,
// a second Send before the first drained fails with ErrWriteInFlight and
// leaves the connection untouched.
func (c *Conn) Send(v protocol.Value) error {
	if c.closed {
		return ErrConnClosed
	}
	if c.writeState != Idle {
		return ErrWriteInFlight
	}

	c.writeState = Encoding

	frame, err := protocol.BuildFrame(v, c.codec, c.encoding)
	if err != nil {
		c.writeState = Idle
		return err
	}

	if c.trace {
		c.log.Debug("Frame out", zap.String("value", fmt.Sprint(v)), zap.Int("bytes", len(frame)))
	}

	c.outbound.Write(frame)
	c.writeState = Draining

	return c.updateInterest(EventRead | EventWrite)
}

// drain writes as much of the outbound frame as the socket accepts.
func (c *Conn) drain(h ConnHandler) error {
	if c.writeState != Draining {
		// Nothing to write, stop asking for write readiness.
		return c.updateInterest(EventRead)
	}

	n, err := c.sock.Write(c.outbound.Bytes())
	if isWouldBlock(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}

	c.outbound.Next(n)
	if c.outbound.Len() > 0 {
		return nil
	}

	c.writeState = Idle
	if err := c.updateInterest(EventRead); err != nil {
		return err
	}

	h.OnDrained(c)

	return nil
}

func (c *Conn) updateInterest(ev Events) error {
	if ev == c.interest {
		return nil
	}

	if c.setInterest != nil {
		if err := c.setInterest(c, ev); err != nil {
			return fmt.Errorf("set interest: %w", err)
		}
	}

	c.interest = ev

	return nil
}

// Abort drops the connection with the given reason. It must run on the
// goroutine that owns the Conn.
func (c *Conn) Abort(reason error) {
	if c.closed {
		return
	}

	if c.abort != nil {
		c.abort(c, reason)
		return
	}

	if err := c.Close(); err != nil {
		c.log.Warn("Connection did not close cleanly", zap.Error(err))
	}
}

// Close releases the socket. The owning Loop deregisters the descriptor
// before calling it.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}

	c.closed = true

	return c.sock.Close()
}
