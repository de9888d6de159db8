package protocol_test

import (
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/hermes/protocol"
)

func viaWire(v protocol.Value, kind protocol.CodecKind) protocol.Value {
	data, err := protocol.Encode(v, kind, "utf-8")
	Expect(err).To(Succeed())

	out, err := protocol.Decode(data, kind, "utf-8")
	Expect(err).To(Succeed())
	return out
}

var _ = Describe("Actions", func() {
	requests := []protocol.Request{
		&protocol.CheckUsernameRequest{Username: "alice"},
		&protocol.LoginRequest{Username: "alice", Passhash: "pw"},
		&protocol.RegisterRequest{Username: "alice", Passhash: "pw"},
		&protocol.LoadChatRequest{Username: "alice", User2: "bob"},
		&protocol.SendMessageRequest{Sender: "alice", Recipient: "bob", Message: "hi"},
		&protocol.PingMessage{Sender: "alice", SentMessage: "hi", MessageID: 7},
		&protocol.ViewUndeliveredRequest{Username: "bob", NMessages: 5},
		&protocol.DeleteMessageRequest{MessageID: 7},
		&protocol.DeleteAccountRequest{Username: "alice", Passhash: "pw"},
	}

	msgs := []protocol.ChatMessage{{Sender: "alice", Recipient: "bob", Body: "hi", ID: 1}}

	responses := []protocol.Response{
		&protocol.CheckUsernameResponse{Result: true},
		&protocol.LoginResponse{Result: true, Users: []string{"bob"}, NUndelivered: 2},
		&protocol.LoginResponse{Result: false},
		&protocol.RegisterResponse{Result: true, Users: []string{}},
		&protocol.RegisterResponse{Result: false},
		&protocol.LoadChatResponse{Messages: msgs},
		&protocol.SendMessageResponse{MessageID: 1},
		&protocol.PingMessage{Sender: "alice", SentMessage: "hi", MessageID: 1},
		&protocol.ViewUndeliveredResponse{Messages: []protocol.ChatMessage{}},
		&protocol.DeleteMessageResponse{Result: true},
		&protocol.DeleteAccountResponse{Result: false},
		&protocol.PingUserPush{Username: "carol"},
		&protocol.Failure{Command: protocol.LoadChat},
	}

	for _, kind := range []protocol.CodecKind{protocol.CodecText, protocol.CodecLegacy} {
		kind := kind

		It("decodes every request it encodes with the "+string(kind)+" codec", func() {
			for _, req := range requests {
				decoded, err := protocol.DecodeRequest(viaWire(req.Value(), kind))
				Expect(err).To(Succeed())
				Expect(decoded).To(Equal(req))
			}
		})

		It("decodes every response it encodes with the "+string(kind)+" codec", func() {
			for _, resp := range responses {
				decoded, err := protocol.DecodeResponse(viaWire(resp.Value(), kind))
				Expect(err).To(Succeed())
				Expect(decoded).To(Equal(resp))
			}
		})
	}

	It("carries message rows as tuples", func() {
		v := (&protocol.LoadChatResponse{Messages: msgs}).Value().(protocol.Mapping)
		Expect(v["messages"]).To(Equal(protocol.Sequence{
			protocol.Tuple{protocol.Text("alice"), protocol.Text("bob"), protocol.Text("hi"), protocol.Int(1)},
		}))
	})

	It("rejects unknown and server only actions", func() {
		_, err := protocol.DecodeRequest(protocol.Mapping{"action": protocol.Text("dance")})
		Expect(errors.Is(err, protocol.ErrUnknownCommand)).To(BeTrue())

		_, err = protocol.DecodeRequest(protocol.Mapping{"action": protocol.Text("ping_user"), "ping_user": protocol.Text("x")})
		Expect(errors.Is(err, protocol.ErrUnknownCommand)).To(BeTrue())
	})

	It("rejects requests with missing fields", func() {
		_, err := protocol.DecodeRequest(protocol.Mapping{"action": protocol.Text("login"), "username": protocol.Text("alice")})
		Expect(errors.Is(err, protocol.ErrMalformedAction)).To(BeTrue())

		_, err = protocol.DecodeRequest(protocol.Text("login"))
		Expect(errors.Is(err, protocol.ErrMalformedAction)).To(BeTrue())

		_, err = protocol.DecodeRequest(protocol.Mapping{"username": protocol.Text("alice")})
		Expect(errors.Is(err, protocol.ErrMalformedAction)).To(BeTrue())
	})

	It("accepts ping_user wrapped in a list", func() {
		resp, err := protocol.DecodeResponse(protocol.Mapping{
			"action":    protocol.Text("ping_user"),
			"ping_user": protocol.Sequence{protocol.Text("carol")},
		})
		Expect(err).To(Succeed())
		Expect(resp).To(Equal(&protocol.PingUserPush{Username: "carol"}))
	})
})
