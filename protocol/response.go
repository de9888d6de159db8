package protocol

import "fmt"

// Response is a server to client action, either the answer to a request or
// an unsolicited push (PingMessage, PingUserPush).
type Response interface {
	GetCommand() Command
	Value() Value
	isResponse()
}

type CheckUsernameResponse struct {
	Result bool
}

// LoginResponse only carries Users and NUndelivered when Result is true.
type LoginResponse struct {
	Result       bool
	Users        []string
	NUndelivered int
}

type RegisterResponse struct {
	Result bool
	Users  []string
}

type LoadChatResponse struct {
	Messages []ChatMessage
}

type SendMessageResponse struct {
	MessageID int64
}

type ViewUndeliveredResponse struct {
	Messages []ChatMessage
}

type DeleteMessageResponse struct {
	Result bool
}

type DeleteAccountResponse struct {
	Result bool
}

// PingUserPush tells a client that Username was added or deleted.
type PingUserPush struct {
	Username string
}

// Failure is the `{action, result:false}` answer for actions whose success
// response has no result field.
type Failure struct {
	Command Command
}

func (*CheckUsernameResponse) GetCommand() Command   { return CheckUsername }
func (*LoginResponse) GetCommand() Command           { return Login }
func (*RegisterResponse) GetCommand() Command        { return Register }
func (*LoadChatResponse) GetCommand() Command        { return LoadChat }
func (*SendMessageResponse) GetCommand() Command     { return SendMessage }
func (*ViewUndeliveredResponse) GetCommand() Command { return ViewUndelivered }
func (*DeleteMessageResponse) GetCommand() Command   { return DeleteMessage }
func (*DeleteAccountResponse) GetCommand() Command   { return DeleteAccount }
func (*PingUserPush) GetCommand() Command            { return PingUser }
func (f *Failure) GetCommand() Command               { return f.Command }

func (*CheckUsernameResponse) isResponse()   {}
func (*LoginResponse) isResponse()           {}
func (*RegisterResponse) isResponse()        {}
func (*LoadChatResponse) isResponse()        {}
func (*SendMessageResponse) isResponse()     {}
func (*PingMessage) isResponse()             {}
func (*ViewUndeliveredResponse) isResponse() {}
func (*DeleteMessageResponse) isResponse()   {}
func (*DeleteAccountResponse) isResponse()   {}
func (*PingUserPush) isResponse()            {}
func (*Failure) isResponse()                 {}

func (r *CheckUsernameResponse) Value() Value {
	return Mapping{fieldAction: Text(CheckUsername), fieldResult: Bool(r.Result)}
}

func (r *LoginResponse) Value() Value {
	if !r.Result {
		return Mapping{fieldAction: Text(Login), fieldResult: Bool(false)}
	}

	return Mapping{
		fieldAction:       Text(Login),
		fieldResult:       Bool(true),
		fieldUsers:        textListValue(r.Users),
		fieldNUndelivered: Int(r.NUndelivered),
	}
}

func (r *RegisterResponse) Value() Value {
	if !r.Result {
		return Mapping{fieldAction: Text(Register), fieldResult: Bool(false)}
	}

	return Mapping{
		fieldAction: Text(Register),
		fieldResult: Bool(true),
		fieldUsers:  textListValue(r.Users),
	}
}

func (r *LoadChatResponse) Value() Value {
	return Mapping{fieldAction: Text(LoadChat), fieldMessages: chatMessagesValue(r.Messages)}
}

func (r *SendMessageResponse) Value() Value {
	return Mapping{fieldAction: Text(SendMessage), fieldMessageID: Int(r.MessageID)}
}

func (r *ViewUndeliveredResponse) Value() Value {
	return Mapping{fieldAction: Text(ViewUndelivered), fieldMessages: chatMessagesValue(r.Messages)}
}

func (r *DeleteMessageResponse) Value() Value {
	return Mapping{fieldAction: Text(DeleteMessage), fieldResult: Bool(r.Result)}
}

func (r *DeleteAccountResponse) Value() Value {
	return Mapping{fieldAction: Text(DeleteAccount), fieldResult: Bool(r.Result)}
}

func (r *PingUserPush) Value() Value {
	return Mapping{fieldAction: Text(PingUser), fieldPingUser: Text(r.Username)}
}

func (f *Failure) Value() Value {
	return Mapping{fieldAction: Text(f.Command), fieldResult: Bool(false)}
}

// DecodeResponse turns a decoded payload from the server into its typed
// response.
func DecodeResponse(v Value) (Response, error) {
	m, cmd, err := commandOf(v)
	if err != nil {
		return nil, err
	}

	f := fields{m: m}

	// A bare result:false on an action whose success shape has no result
	// field is a Failure.
	if result, ok := m.Bool(fieldResult); ok && !result {
		switch cmd {
		case LoadChat, SendMessage, ViewUndelivered:
			return &Failure{Command: cmd}, nil
		}
	}

	var resp Response

	switch cmd {
	case CheckUsername:
		resp = &CheckUsernameResponse{Result: f.bool(fieldResult)}

	case Login:
		r := &LoginResponse{Result: f.bool(fieldResult)}
		if r.Result {
			if r.Users, err = textList(m, fieldUsers); err != nil {
				return nil, fmt.Errorf("%s: %w", cmd, err)
			}
			r.NUndelivered = int(f.int(fieldNUndelivered))
		}
		resp = r

	case Register:
		r := &RegisterResponse{Result: f.bool(fieldResult)}
		if r.Result {
			if r.Users, err = textList(m, fieldUsers); err != nil {
				return nil, fmt.Errorf("%s: %w", cmd, err)
			}
		}
		resp = r

	case LoadChat, ViewUndelivered:
		msgs, err := parseChatMessages(m)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", cmd, err)
		}
		if cmd == LoadChat {
			resp = &LoadChatResponse{Messages: msgs}
		} else {
			resp = &ViewUndeliveredResponse{Messages: msgs}
		}

	case SendMessage:
		resp = &SendMessageResponse{MessageID: f.int(fieldMessageID)}

	case Ping:
		resp = &PingMessage{
			Sender:      f.text(fieldSender),
			SentMessage: f.text(fieldSentMessage),
			MessageID:   f.int(fieldMessageID),
		}

	case DeleteMessage:
		resp = &DeleteMessageResponse{Result: f.bool(fieldResult)}

	case DeleteAccount:
		resp = &DeleteAccountResponse{Result: f.bool(fieldResult)}

	case PingUser:
		resp = &PingUserPush{Username: pingUserName(m, &f)}

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}

	if f.err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, f.err)
	}

	return resp, nil
}

// pingUserName accepts both a bare name and a one element list, older
// servers wrapped the name in a list.
func pingUserName(m Mapping, f *fields) string {
	if items, ok := m.Items(fieldPingUser); ok {
		if len(items) == 1 {
			if t, ok := items[0].(Text); ok {
				return string(t)
			}
		}
		f.err = missing(fieldPingUser)
		return ""
	}

	return f.text(fieldPingUser)
}

var (
	_ Response = (*CheckUsernameResponse)(nil)
	_ Response = (*LoginResponse)(nil)
	_ Response = (*RegisterResponse)(nil)
	_ Response = (*LoadChatResponse)(nil)
	_ Response = (*SendMessageResponse)(nil)
	_ Response = (*PingMessage)(nil)
	_ Response = (*ViewUndeliveredResponse)(nil)
	_ Response = (*DeleteMessageResponse)(nil)
	_ Response = (*DeleteAccountResponse)(nil)
	_ Response = (*PingUserPush)(nil)
	_ Response = (*Failure)(nil)
)
