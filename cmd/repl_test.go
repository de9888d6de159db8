package cmd

import (
	"bytes"
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/hermes/protocol"
)

var _ = Describe("client REPL", func() {
	var s *session

	BeforeEach(func() {
		s = &session{}
	})

	login := func(name string) {
		_, err := s.parse("login " + name + " pw")
		Expect(err).To(Succeed())
		s.render(&bytes.Buffer{}, &protocol.LoginResponse{Result: true, Users: []string{}})
		Expect(s.me).To(Equal(name))
	}

	It("ignores blank lines", func() {
		req, err := s.parse("   ")
		Expect(err).To(Succeed())
		Expect(req).To(BeNil())
	})

	It("builds account requests", func() {
		Expect(s.parse("register alice pw")).To(Equal(&protocol.RegisterRequest{Username: "alice", Passhash: "pw"}))
		Expect(s.parse("check bob")).To(Equal(&protocol.CheckUsernameRequest{Username: "bob"}))
	})

	It("needs a session for user scoped commands", func() {
		for _, line := range []string{"chat bob", "send bob hi", "undelivered", "delete-account pw"} {
			_, err := s.parse(line)
			Expect(errors.Is(err, errNotLogged)).To(BeTrue(), line)
		}
	})

	It("keeps the whole message body", func() {
		login("alice")

		Expect(s.parse("send bob  hello there,  bob ")).To(Equal(&protocol.SendMessageRequest{
			Sender:    "alice",
			Recipient: "bob",
			Message:   "hello there,  bob",
		}))
	})

	It("fills in the current user", func() {
		login("alice")

		Expect(s.parse("chat bob")).To(Equal(&protocol.LoadChatRequest{Username: "alice", User2: "bob"}))
		Expect(s.parse("undelivered")).To(Equal(&protocol.ViewUndeliveredRequest{Username: "alice", NMessages: 10}))
		Expect(s.parse("undelivered 3")).To(Equal(&protocol.ViewUndeliveredRequest{Username: "alice", NMessages: 3}))
		Expect(s.parse("delete-account pw")).To(Equal(&protocol.DeleteAccountRequest{Username: "alice", Passhash: "pw"}))
		Expect(s.parse("delete-message 7")).To(Equal(&protocol.DeleteMessageRequest{MessageID: 7}))
		Expect(s.parse("confirm 7")).To(Equal(&protocol.PingMessage{MessageID: 7}))
	})

	It("rejects bad input", func() {
		login("alice")

		for _, line := range []string{"dance", "send bob", "undelivered zero", "delete-message x", "login alice"} {
			_, err := s.parse(line)
			Expect(err).To(HaveOccurred(), line)
		}

		_, err := s.parse("quit")
		Expect(err).To(MatchError(errQuit))
	})

	It("does not adopt a name whose login failed", func() {
		_, _ = s.parse("login alice nope")

		var out bytes.Buffer
		s.render(&out, &protocol.LoginResponse{Result: false})

		Expect(s.me).To(BeEmpty())
		Expect(out.String()).To(Equal("login failed\n"))
	})

	It("forgets the user once the account is gone", func() {
		login("alice")

		var out bytes.Buffer
		s.render(&out, &protocol.DeleteAccountResponse{Result: true})

		Expect(s.me).To(BeEmpty())
		Expect(out.String()).To(Equal("account alice deleted\n"))
	})

	It("prints messages and pushes", func() {
		var out bytes.Buffer

		s.render(&out, &protocol.LoadChatResponse{Messages: []protocol.ChatMessage{
			{Sender: "alice", Recipient: "bob", Body: "hi", ID: 1},
		}})
		s.render(&out, &protocol.PingMessage{Sender: "bob", SentMessage: "yo", MessageID: 2})
		s.render(&out, &protocol.PingUserPush{Username: "carol"})
		s.render(&out, &protocol.Failure{Command: protocol.LoadChat})

		Expect(out.String()).To(Equal("#1 alice -> bob: hi\n#2 bob: yo\nuser carol joined or left\nload_chat failed\n"))
	})
})
