package protocol

import "fmt"

// Request is a client to server action.
type Request interface {
	GetCommand() Command
	Value() Value
	isRequest()
}

type CheckUsernameRequest struct {
	Username string
}

type LoginRequest struct {
	Username string
	Passhash string
}

type RegisterRequest struct {
	Username string
	Passhash string
}

type LoadChatRequest struct {
	Username string
	User2    string
}

type SendMessageRequest struct {
	Sender    string
	Recipient string
	Message   string
}

// PingMessage is pushed by the server to a live recipient and echoed back by
// the recipient to confirm delivery.
type PingMessage struct {
	Sender      string
	SentMessage string
	MessageID   int64
}

type ViewUndeliveredRequest struct {
	Username  string
	NMessages int
}

type DeleteMessageRequest struct {
	MessageID int64
}

type DeleteAccountRequest struct {
	Username string
	Passhash string
}

func (*CheckUsernameRequest) GetCommand() Command   { return CheckUsername }
func (*LoginRequest) GetCommand() Command           { return Login }
func (*RegisterRequest) GetCommand() Command        { return Register }
func (*LoadChatRequest) GetCommand() Command        { return LoadChat }
func (*SendMessageRequest) GetCommand() Command     { return SendMessage }
func (*PingMessage) GetCommand() Command            { return Ping }
func (*ViewUndeliveredRequest) GetCommand() Command { return ViewUndelivered }
func (*DeleteMessageRequest) GetCommand() Command   { return DeleteMessage }
func (*DeleteAccountRequest) GetCommand() Command   { return DeleteAccount }

func (*CheckUsernameRequest) isRequest()   {}
func (*LoginRequest) isRequest()           {}
func (*RegisterRequest) isRequest()        {}
func (*LoadChatRequest) isRequest()        {}
func (*SendMessageRequest) isRequest()     {}
func (*PingMessage) isRequest()            {}
func (*ViewUndeliveredRequest) isRequest() {}
func (*DeleteMessageRequest) isRequest()   {}
func (*DeleteAccountRequest) isRequest()   {}

func (r *CheckUsernameRequest) Value() Value {
	return Mapping{fieldAction: Text(CheckUsername), fieldUsername: Text(r.Username)}
}

func (r *LoginRequest) Value() Value {
	return Mapping{
		fieldAction:   Text(Login),
		fieldUsername: Text(r.Username),
		fieldPasshash: Text(r.Passhash),
	}
}

func (r *RegisterRequest) Value() Value {
	return Mapping{
		fieldAction:   Text(Register),
		fieldUsername: Text(r.Username),
		fieldPasshash: Text(r.Passhash),
	}
}

func (r *LoadChatRequest) Value() Value {
	return Mapping{
		fieldAction:   Text(LoadChat),
		fieldUsername: Text(r.Username),
		fieldUser2:    Text(r.User2),
	}
}

func (r *SendMessageRequest) Value() Value {
	return Mapping{
		fieldAction:    Text(SendMessage),
		fieldSender:    Text(r.Sender),
		fieldRecipient: Text(r.Recipient),
		fieldMessage:   Text(r.Message),
	}
}

func (r *PingMessage) Value() Value {
	return Mapping{
		fieldAction:      Text(Ping),
		fieldSender:      Text(r.Sender),
		fieldSentMessage: Text(r.SentMessage),
		fieldMessageID:   Int(r.MessageID),
	}
}

func (r *ViewUndeliveredRequest) Value() Value {
	return Mapping{
		fieldAction:    Text(ViewUndelivered),
		fieldUsername:  Text(r.Username),
		fieldNMessages: Int(r.NMessages),
	}
}

func (r *DeleteMessageRequest) Value() Value {
	return Mapping{fieldAction: Text(DeleteMessage), fieldMessageID: Int(r.MessageID)}
}

func (r *DeleteAccountRequest) Value() Value {
	return Mapping{
		fieldAction:   Text(DeleteAccount),
		fieldUsername: Text(r.Username),
		fieldPasshash: Text(r.Passhash),
	}
}

// DecodeRequest turns a decoded payload into its typed request. An unknown
// tag is an ErrUnknownCommand, a missing or mistyped field an
// ErrMalformedAction.
func DecodeRequest(v Value) (Request, error) {
	m, cmd, err := commandOf(v)
	if err != nil {
		return nil, err
	}

	f := fields{m: m}

	var req Request

	switch cmd {
	case CheckUsername:
		req = &CheckUsernameRequest{Username: f.text(fieldUsername)}
	case Login:
		req = &LoginRequest{Username: f.text(fieldUsername), Passhash: f.text(fieldPasshash)}
	case Register:
		req = &RegisterRequest{Username: f.text(fieldUsername), Passhash: f.text(fieldPasshash)}
	case LoadChat:
		req = &LoadChatRequest{Username: f.text(fieldUsername), User2: f.text(fieldUser2)}
	case SendMessage:
		req = &SendMessageRequest{
			Sender:    f.text(fieldSender),
			Recipient: f.text(fieldRecipient),
			Message:   f.text(fieldMessage),
		}
	case Ping:
		req = &PingMessage{
			Sender:      f.optionalText(fieldSender),
			SentMessage: f.optionalText(fieldSentMessage),
			MessageID:   f.int(fieldMessageID),
		}
	case ViewUndelivered:
		req = &ViewUndeliveredRequest{Username: f.text(fieldUsername), NMessages: int(f.int(fieldNMessages))}
	case DeleteMessage:
		req = &DeleteMessageRequest{MessageID: f.int(fieldMessageID)}
	case DeleteAccount:
		req = &DeleteAccountRequest{Username: f.text(fieldUsername), Passhash: f.text(fieldPasshash)}
	case PingUser:
		return nil, fmt.Errorf("%w: %q is server to client only", ErrUnknownCommand, cmd)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}

	if f.err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, f.err)
	}

	return req, nil
}

// fields reads typed fields from a mapping, remembering the first failure.
type fields struct {
	m   Mapping
	err error
}

func (f *fields) text(key string) string {
	s, ok := f.m.Text(key)
	if !ok && f.err == nil {
		f.err = missing(key)
	}

	return s
}

func (f *fields) optionalText(key string) string {
	s, _ := f.m.Text(key)
	return s
}

func (f *fields) int(key string) int64 {
	n, ok := f.m.Int(key)
	if !ok && f.err == nil {
		f.err = missing(key)
	}

	return n
}

func (f *fields) bool(key string) bool {
	b, ok := f.m.Bool(key)
	if !ok && f.err == nil {
		f.err = missing(key)
	}

	return b
}

func missing(field string) error {
	return fmt.Errorf("%w: missing or mistyped field %q", ErrMalformedAction, field)
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformedAction, fmt.Sprintf(format, args...))
}

var (
	_ Request = (*CheckUsernameRequest)(nil)
	_ Request = (*LoginRequest)(nil)
	_ Request = (*RegisterRequest)(nil)
	_ Request = (*LoadChatRequest)(nil)
	_ Request = (*SendMessageRequest)(nil)
	_ Request = (*PingMessage)(nil)
	_ Request = (*ViewUndeliveredRequest)(nil)
	_ Request = (*DeleteMessageRequest)(nil)
	_ Request = (*DeleteAccountRequest)(nil)
)
