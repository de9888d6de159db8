package transport_test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/hermes/protocol"
	"github.com/luma/hermes/transport"
)

// echoHandler sends every inbound value straight back, queueing behind a
// frame that is still draining.
type echoHandler struct {
	queued map[*transport.Conn][]protocol.Value
	opened chan string
	closed chan error
}

func newEchoHandler() *echoHandler {
	return &echoHandler{
		queued: make(map[*transport.Conn][]protocol.Value),
		opened: make(chan string, 16),
		closed: make(chan error, 16),
	}
}

func (h *echoHandler) OnOpen(c *transport.Conn) {
	h.opened <- c.Addr()
}

func (h *echoHandler) OnClose(c *transport.Conn, err error) {
	delete(h.queued, c)
	h.closed <- err
}

func (h *echoHandler) OnMessage(c *transport.Conn, v protocol.Value) {
	if err := c.Send(v); errors.Is(err, transport.ErrWriteInFlight) {
		h.queued[c] = append(h.queued[c], v)
	}
}

func (h *echoHandler) OnDrained(c *transport.Conn) {
	if q := h.queued[c]; len(q) > 0 {
		h.queued[c] = q[1:]
		_ = c.Send(q[0])
	}
}

func readFrame(conn net.Conn) protocol.Value {
	Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())

	var buf []byte
	chunk := make([]byte, 4096)

	for {
		if n, rest, ok, err := protocol.ParseHeaderLength(buf); err == nil && ok {
			if header, rest, ok, err := protocol.ParseHeader(rest, n, protocol.CodecText); err == nil && ok {
				if v, _, ok, err := protocol.ParseBody(rest, header, protocol.CodecText); err == nil && ok {
					return v
				}
			}
		}

		n, err := conn.Read(chunk)
		Expect(err).To(Succeed())
		buf = append(buf, chunk[:n]...)
	}
}

var _ = Describe("TCP", func() {
	var (
		server  *transport.TCP
		handler *echoHandler
		ctx     context.Context
		cancel  context.CancelFunc
	)

	BeforeEach(func() {
		var err error

		handler = newEchoHandler()
		server, err = transport.NewTCP(transport.Options{
			Host:    "127.0.0.1",
			Port:    0,
			Handler: handler,
		})
		Expect(err).To(Succeed())

		ctx, cancel = context.WithCancel(context.Background())
		Expect(server.Start(ctx)).To(Succeed())
	})

	AfterEach(func() {
		cancel()
		Expect(server.Close()).To(Succeed())
	})

	dial := func() net.Conn {
		conn, err := net.Dial("tcp", server.Addr().String())
		Expect(err).To(Succeed())
		Eventually(handler.opened).Should(Receive())
		return conn
	}

	It("requires a handler", func() {
		_, err := transport.NewTCP(transport.Options{})
		Expect(err).To(HaveOccurred())
	})

	It("echoes frames", func() {
		conn := dial()
		defer conn.Close()

		v := protocol.Mapping{"action": protocol.Text("load_chat"), "user1": protocol.Text("a"), "user2": protocol.Text("b")}
		frame, err := protocol.BuildFrame(v, protocol.CodecText, "utf-8")
		Expect(err).To(Succeed())

		_, err = conn.Write(frame)
		Expect(err).To(Succeed())
		Expect(readFrame(conn)).To(Equal(v))
	})

	It("answers pipelined frames in order", func() {
		conn := dial()
		defer conn.Close()

		var burst []byte
		for i := 0; i < 5; i++ {
			frame, _ := protocol.BuildFrame(protocol.Int(i), protocol.CodecText, "utf-8")
			burst = append(burst, frame...)
		}
		_, err := conn.Write(burst)
		Expect(err).To(Succeed())

		// Frames may coalesce on the way back, parse them off one stream.
		Expect(conn.SetReadDeadline(time.Now().Add(5 * time.Second))).To(Succeed())
		var (
			got   []protocol.Value
			buf   []byte
			chunk = make([]byte, 4096)
		)
		for len(got) < 5 {
			n, rest, ok, err := protocol.ParseHeaderLength(buf)
			Expect(err).To(Succeed())
			if ok {
				header, rest, ok, err := protocol.ParseHeader(rest, n, protocol.CodecText)
				Expect(err).To(Succeed())
				if ok {
					v, rest, ok, err := protocol.ParseBody(rest, header, protocol.CodecText)
					Expect(err).To(Succeed())
					if ok {
						got = append(got, v)
						buf = rest
						continue
					}
				}
			}

			n2, err := conn.Read(chunk)
			Expect(err).To(Succeed())
			buf = append(buf, chunk[:n2]...)
		}

		Expect(got).To(Equal([]protocol.Value{
			protocol.Int(0), protocol.Int(1), protocol.Int(2), protocol.Int(3), protocol.Int(4),
		}))
	})

	It("reports a clean hangup", func() {
		conn := dial()
		Expect(conn.Close()).To(Succeed())

		var reason error
		Eventually(handler.closed, 2*time.Second).Should(Receive(&reason))
		Expect(errors.Is(reason, transport.ErrPeerClosed)).To(BeTrue())
	})

	It("drops a connection that sends a bad header", func() {
		conn := dial()
		defer conn.Close()

		_, err := conn.Write([]byte{0, 2, '{', '}'})
		Expect(err).To(Succeed())

		var reason error
		Eventually(handler.closed, 2*time.Second).Should(Receive(&reason))
		Expect(errors.Is(reason, protocol.ErrProtocol)).To(BeTrue())

		Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
		_, err = conn.Read(make([]byte, 1))
		Expect(err).To(Equal(io.EOF))
	})

	It("drops a connection that nests its payload too deep and keeps serving", func() {
		conn := dial()
		defer conn.Close()

		payload := strings.Repeat("[", 1<<16) + strings.Repeat("]", 1<<16)
		header := fmt.Sprintf(`{"byteorder":"little","content-encoding":"utf-8","content-length":%d,"content-type":"text/json"}`, len(payload))
		data := make([]byte, 2)
		binary.BigEndian.PutUint16(data, uint16(len(header)))
		data = append(data, header...)
		_, err := conn.Write(append(data, payload...))
		Expect(err).To(Succeed())

		var reason error
		Eventually(handler.closed, 2*time.Second).Should(Receive(&reason))
		Expect(errors.Is(reason, protocol.ErrTooDeep)).To(BeTrue())

		other := dial()
		defer other.Close()

		frame, err := protocol.BuildFrame(protocol.Null{}, protocol.CodecText, "utf-8")
		Expect(err).To(Succeed())
		_, err = other.Write(frame)
		Expect(err).To(Succeed())
		Expect(readFrame(other)).To(Equal(protocol.Null{}))
	})

	It("runs posted work on the loop", func() {
		conn := dial()
		defer conn.Close()

		counted := make(chan int, 1)
		Expect(server.Loop().Post(func() {
			counted <- server.Loop().Len()
		})).To(Succeed())

		Eventually(counted).Should(Receive(Equal(1)))
	})

	It("closes every connection on shutdown", func() {
		conn := dial()
		defer conn.Close()

		cancel()
		Expect(server.Close()).To(Succeed())

		var reason error
		Eventually(handler.closed, 2*time.Second).Should(Receive(&reason))
		Expect(errors.Is(reason, transport.ErrLoopStopped)).To(BeTrue())

		Expect(server.Loop().Post(func() {})).To(MatchError(transport.ErrLoopStopped))
	})
})
