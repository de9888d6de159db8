package protocol

import "errors"

var (
	ErrUnknownCommand  = errors.New("unknown action")
	ErrMalformedAction = errors.New("malformed action")
)

// Command is the `action` tag carried by every request, response and push.
type Command string

const (
	CheckUsername   Command = "check_username"
	Login           Command = "login"
	Register        Command = "register"
	LoadChat        Command = "load_chat"
	SendMessage     Command = "send_message"
	Ping            Command = "ping"
	ViewUndelivered Command = "view_undelivered"
	DeleteMessage   Command = "delete_message"
	DeleteAccount   Command = "delete_account"
	PingUser        Command = "ping_user"
)

// Commands lists every action tag.
var Commands = []Command{
	CheckUsername,
	Login,
	Register,
	LoadChat,
	SendMessage,
	Ping,
	ViewUndelivered,
	DeleteMessage,
	DeleteAccount,
	PingUser,
}

const (
	fieldAction       = "action"
	fieldUsername     = "username"
	fieldPasshash     = "passhash"
	fieldUser2        = "user2"
	fieldSender       = "sender"
	fieldRecipient    = "recipient"
	fieldMessage      = "message"
	fieldSentMessage  = "sent_message"
	fieldMessageID    = "message_id"
	fieldNMessages    = "n_messages"
	fieldResult       = "result"
	fieldUsers        = "users"
	fieldNUndelivered = "n_undelivered"
	fieldMessages     = "messages"
	fieldPingUser     = "ping_user"
)

// ChatMessage is one row of a load_chat or view_undelivered response. It is
// carried on the wire as the tuple (sender, recipient, body, id).
type ChatMessage struct {
	Sender    string
	Recipient string
	Body      string
	ID        int64
}

func (m ChatMessage) value() Value {
	return Tuple{Text(m.Sender), Text(m.Recipient), Text(m.Body), Int(m.ID)}
}

func chatMessagesValue(msgs []ChatMessage) Sequence {
	seq := make(Sequence, 0, len(msgs))
	for _, m := range msgs {
		seq = append(seq, m.value())
	}

	return seq
}

// parseChatMessages accepts rows as tuples or, after a text codec round trip,
// as sequences.
func parseChatMessages(m Mapping) ([]ChatMessage, error) {
	rows, ok := m.Items(fieldMessages)
	if !ok {
		return nil, missing(fieldMessages)
	}

	msgs := make([]ChatMessage, 0, len(rows))
	for _, row := range rows {
		items, ok := Items(row)
		if !ok || len(items) != 4 {
			return nil, malformed("message row %v", row)
		}

		sender, ok1 := items[0].(Text)
		recipient, ok2 := items[1].(Text)
		body, ok3 := items[2].(Text)
		id, ok4 := Mapping{"id": items[3]}.Int("id")
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return nil, malformed("message row %v", row)
		}

		msgs = append(msgs, ChatMessage{
			Sender:    string(sender),
			Recipient: string(recipient),
			Body:      string(body),
			ID:        id,
		})
	}

	return msgs, nil
}

func textList(m Mapping, key string) ([]string, error) {
	items, ok := m.Items(key)
	if !ok {
		return nil, missing(key)
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		t, ok := item.(Text)
		if !ok {
			return nil, malformed("%s entry %v is not text", key, item)
		}
		out = append(out, string(t))
	}

	return out, nil
}

func textListValue(ss []string) Sequence {
	seq := make(Sequence, 0, len(ss))
	for _, s := range ss {
		seq = append(seq, Text(s))
	}

	return seq
}

// commandOf reads the action tag of a decoded payload.
func commandOf(v Value) (Mapping, Command, error) {
	m, ok := v.(Mapping)
	if !ok {
		return nil, "", malformed("payload is a %T, not a mapping", v)
	}

	name, ok := m.Text(fieldAction)
	if !ok {
		return nil, "", missing(fieldAction)
	}

	return m, Command(name), nil
}
