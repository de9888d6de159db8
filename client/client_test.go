package client_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/hermes/client"
	"github.com/luma/hermes/protocol"
	"github.com/luma/hermes/server"
	"github.com/luma/hermes/storage"
	"github.com/luma/hermes/transport"
)

type running struct {
	*client.Client
	runErr chan error
}

var _ = Describe("Client", func() {
	var (
		store  *storage.InmemoryStore
		tcp    *transport.TCP
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		store = storage.NewInmemoryStore()
		dispatcher, err := server.NewDispatcher(server.Options{Store: store})
		Expect(err).To(Succeed())

		tcp, err = transport.NewTCP(transport.Options{Host: "127.0.0.1", Handler: dispatcher})
		Expect(err).To(Succeed())

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		Expect(tcp.Start(ctx)).To(Succeed())
	})

	AfterEach(func() {
		cancel()
		Expect(tcp.Close()).To(Succeed())
		store.Close()
	})

	dial := func(options client.Options) *running {
		c, err := client.Dial(context.Background(), tcp.Addr().String(), options)
		Expect(err).To(Succeed())

		r := &running{Client: c, runErr: make(chan error, 1)}
		go func() {
			r.runErr <- c.Run(context.Background())
		}()

		return r
	}

	receive := func(c *running) protocol.Response {
		var resp protocol.Response
		Eventually(c.Responses(), 5*time.Second).Should(Receive(&resp))
		return resp
	}

	It("sends requests and surfaces responses in order", func() {
		alice := dial(client.Options{})
		defer alice.Close()

		Expect(alice.Send(&protocol.RegisterRequest{Username: "alice", Passhash: "pw"})).To(Succeed())
		Expect(alice.Send(&protocol.CheckUsernameRequest{Username: "alice"})).To(Succeed())
		Expect(alice.Send(&protocol.CheckUsernameRequest{Username: "bob"})).To(Succeed())

		Expect(receive(alice)).To(Equal(&protocol.RegisterResponse{Result: true, Users: []string{}}))
		Expect(receive(alice)).To(Equal(&protocol.CheckUsernameResponse{Result: true}))
		Expect(receive(alice)).To(Equal(&protocol.CheckUsernameResponse{Result: false}))
	})

	It("confirms pushed pings so they count as delivered", func() {
		alice, bob := dial(client.Options{}), dial(client.Options{})
		defer alice.Close()
		defer bob.Close()

		Expect(bob.Send(&protocol.RegisterRequest{Username: "bob", Passhash: "pw"})).To(Succeed())
		receive(bob)
		Expect(alice.Send(&protocol.RegisterRequest{Username: "alice", Passhash: "pw"})).To(Succeed())
		receive(alice)
		Expect(receive(bob)).To(Equal(&protocol.PingUserPush{Username: "alice"}))

		Expect(alice.Send(&protocol.SendMessageRequest{Sender: "alice", Recipient: "bob", Message: "hi"})).To(Succeed())
		Expect(receive(alice)).To(Equal(&protocol.SendMessageResponse{MessageID: 1}))
		Expect(receive(bob)).To(Equal(&protocol.PingMessage{Sender: "alice", SentMessage: "hi", MessageID: 1}))

		Eventually(func() (int, error) {
			return store.CountUndelivered(context.Background(), "bob")
		}).Should(BeZero())
	})

	It("leaves confirmation to the caller when asked to", func() {
		alice, bob := dial(client.Options{}), dial(client.Options{ManualConfirm: true})
		defer alice.Close()
		defer bob.Close()

		Expect(bob.Send(&protocol.RegisterRequest{Username: "bob", Passhash: "pw"})).To(Succeed())
		receive(bob)

		Expect(alice.Send(&protocol.SendMessageRequest{Sender: "alice", Recipient: "bob", Message: "hi"})).To(Succeed())
		receive(alice)
		ping := receive(bob)

		Consistently(func() (int, error) {
			return store.CountUndelivered(context.Background(), "bob")
		}, 300*time.Millisecond).Should(Equal(1))

		Expect(bob.Send(ping.(*protocol.PingMessage))).To(Succeed())
		Eventually(func() (int, error) {
			return store.CountUndelivered(context.Background(), "bob")
		}).Should(BeZero())
	})

	It("stops cleanly on Close", func() {
		alice := dial(client.Options{})

		Expect(alice.Close()).To(Succeed())
		Eventually(alice.runErr).Should(Receive(BeNil()))
		Eventually(alice.Responses()).Should(BeClosed())

		err := alice.Send(&protocol.CheckUsernameRequest{Username: "alice"})
		Expect(errors.Is(err, transport.ErrLoopStopped)).To(BeTrue())
		Expect(alice.Close()).To(Succeed())
	})

	It("can be closed without ever running", func() {
		c, err := client.Dial(context.Background(), tcp.Addr().String(), client.Options{})
		Expect(err).To(Succeed())

		Expect(c.Close()).To(Succeed())
		Expect(c.Run(context.Background())).To(MatchError(client.ErrAlreadyRunning))
	})

	It("reports a server hangup", func() {
		alice := dial(client.Options{})
		defer alice.Close()

		Expect(alice.Send(&protocol.CheckUsernameRequest{Username: "alice"})).To(Succeed())
		receive(alice)

		cancel()
		Expect(tcp.Close()).To(Succeed())

		var err error
		Eventually(alice.runErr, 5*time.Second).Should(Receive(&err))
		Expect(errors.Is(err, transport.ErrPeerClosed)).To(BeTrue())
		Eventually(alice.Responses()).Should(BeClosed())
	})

	It("fails to dial a closed port", func() {
		ctx, stop := context.WithTimeout(context.Background(), time.Second)
		defer stop()

		_, err := client.Dial(ctx, "127.0.0.1:1", client.Options{})
		Expect(err).To(HaveOccurred())
	})
})
