package cmd

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/luma/hermes/protocol"
)

var (
	errQuit      = errors.New("quit")
	errHelp      = errors.New(replHelp)
	errNotLogged = errors.New("log in or register first")
)

const replHelp = `commands:
  register <username> <password>
  login <username> <password>
  check <username>
  chat <username>                 load the conversation with username
  send <username> <message...>
  undelivered [n]                 fetch up to n undelivered messages (default 10)
  confirm <message id>            mark a pushed message delivered
  delete-message <message id>
  delete-account <password>
  help
  quit`

// session is the REPL state: who we are, and who we are logging in as.
// The printing goroutine and the input goroutine share it.
type session struct {
	mu      sync.Mutex
	me      string
	pending string
}

// parse turns one input line into a request. It returns nil, nil for an
// empty line.
func (s *session) parse(line string) (protocol.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, nil
	}

	cmd, args := fields[0], fields[1:]

	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("%s needs %d argument(s), try help", cmd, n)
		}
		return nil
	}

	switch cmd {
	case "quit", "exit":
		return nil, errQuit

	case "help":
		return nil, errHelp

	case "register", "login":
		if err := need(2); err != nil {
			return nil, err
		}
		s.pending = args[0]
		if cmd == "register" {
			return &protocol.RegisterRequest{Username: args[0], Passhash: args[1]}, nil
		}
		return &protocol.LoginRequest{Username: args[0], Passhash: args[1]}, nil

	case "check":
		if err := need(1); err != nil {
			return nil, err
		}
		return &protocol.CheckUsernameRequest{Username: args[0]}, nil

	case "chat":
		if err := need(1); err != nil {
			return nil, err
		}
		if s.me == "" {
			return nil, errNotLogged
		}
		return &protocol.LoadChatRequest{Username: s.me, User2: args[0]}, nil

	case "send":
		if err := need(2); err != nil {
			return nil, err
		}
		if s.me == "" {
			return nil, errNotLogged
		}
		body := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), cmd))
		body = strings.TrimSpace(strings.TrimPrefix(body, args[0]))
		return &protocol.SendMessageRequest{Sender: s.me, Recipient: args[0], Message: body}, nil

	case "undelivered":
		if s.me == "" {
			return nil, errNotLogged
		}
		n := 10
		if len(args) > 0 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v <= 0 {
				return nil, fmt.Errorf("undelivered: %q is not a positive number", args[0])
			}
			n = v
		}
		return &protocol.ViewUndeliveredRequest{Username: s.me, NMessages: n}, nil

	case "confirm", "delete-message":
		if err := need(1); err != nil {
			return nil, err
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: %q is not a message id", cmd, args[0])
		}
		if cmd == "confirm" {
			return &protocol.PingMessage{MessageID: id}, nil
		}
		return &protocol.DeleteMessageRequest{MessageID: id}, nil

	case "delete-account":
		if err := need(1); err != nil {
			return nil, err
		}
		if s.me == "" {
			return nil, errNotLogged
		}
		return &protocol.DeleteAccountRequest{Username: s.me, Passhash: args[0]}, nil

	default:
		return nil, fmt.Errorf("unknown command %q, try help", cmd)
	}
}

// render prints resp and updates the session from it.
func (s *session) render(w io.Writer, resp protocol.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r := resp.(type) {
	case *protocol.CheckUsernameResponse:
		if r.Result {
			fmt.Fprintln(w, "username is taken")
		} else {
			fmt.Fprintln(w, "username is free")
		}

	case *protocol.LoginResponse:
		if !r.Result {
			fmt.Fprintln(w, "login failed")
			return
		}
		s.me = s.pending
		fmt.Fprintf(w, "logged in as %s, %d undelivered message(s)\n", s.me, r.NUndelivered)
		fmt.Fprintf(w, "users: %s\n", strings.Join(r.Users, ", "))

	case *protocol.RegisterResponse:
		if !r.Result {
			fmt.Fprintln(w, "register failed, the username is taken")
			return
		}
		s.me = s.pending
		fmt.Fprintf(w, "registered as %s\n", s.me)
		fmt.Fprintf(w, "users: %s\n", strings.Join(r.Users, ", "))

	case *protocol.LoadChatResponse:
		renderMessages(w, r.Messages)

	case *protocol.ViewUndeliveredResponse:
		renderMessages(w, r.Messages)

	case *protocol.SendMessageResponse:
		fmt.Fprintf(w, "sent #%d\n", r.MessageID)

	case *protocol.PingMessage:
		fmt.Fprintf(w, "#%d %s: %s\n", r.MessageID, r.Sender, r.SentMessage)

	case *protocol.DeleteMessageResponse:
		fmt.Fprintf(w, "delete message: %t\n", r.Result)

	case *protocol.DeleteAccountResponse:
		if r.Result {
			fmt.Fprintf(w, "account %s deleted\n", s.me)
			s.me = ""
		} else {
			fmt.Fprintln(w, "delete account failed")
		}

	case *protocol.PingUserPush:
		fmt.Fprintf(w, "user %s joined or left\n", r.Username)

	case *protocol.Failure:
		fmt.Fprintf(w, "%s failed\n", r.Command)
	}
}

func renderMessages(w io.Writer, msgs []protocol.ChatMessage) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "no messages")
		return
	}

	for _, m := range msgs {
		fmt.Fprintf(w, "#%d %s -> %s: %s\n", m.ID, m.Sender, m.Recipient, m.Body)
	}
}
