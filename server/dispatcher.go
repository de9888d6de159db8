package server

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/hermes/internal/observe"
	"github.com/luma/hermes/protocol"
	"github.com/luma/hermes/storage"
	"github.com/luma/hermes/transport"
)

// Dispatcher answers requests against a Store and keeps the session
// registry. It implements transport.Handler, so every method runs on the
// loop goroutine and nothing here is locked.
type Dispatcher struct {
	store        storage.Store
	hash         func(string) string
	storeTimeout time.Duration
	maxQueued    int

	registry *Registry
	outboxes map[*transport.Conn]*Outbox

	log *zap.Logger
}

func NewDispatcher(options Options) (*Dispatcher, error) {
	if options.Store == nil {
		return nil, errors.New("server: a store is required")
	}
	if options.Hash == nil {
		options.Hash = SHA256Hex
	}
	if options.StoreTimeout <= 0 {
		options.StoreTimeout = DefaultStoreTimeout
	}
	if options.MaxQueued <= 0 {
		options.MaxQueued = DefaultMaxQueued
	}
	if options.Log == nil {
		options.Log = zap.NewNop()
	}

	return &Dispatcher{
		store:        options.Store,
		hash:         options.Hash,
		storeTimeout: options.StoreTimeout,
		maxQueued:    options.MaxQueued,
		registry:     NewRegistry(),
		outboxes:     make(map[*transport.Conn]*Outbox),
		log:          options.Log,
	}, nil
}

// Registry exposes the session registry. Only touch it from the loop
// goroutine.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

func (d *Dispatcher) OnOpen(c *transport.Conn) {
	d.outboxes[c] = &Outbox{}
	observe.AddConnections(1)
}

func (d *Dispatcher) OnClose(c *transport.Conn, err error) {
	if u := c.User(); u != "" {
		d.log.Info("Session ended", zap.String("username", u), zap.String("conn", c.ID().String()))
	}

	d.registry.Remove(c)
	delete(d.outboxes, c)

	observe.AddConnections(-1)
	observe.SetSessions(d.registry.Len())

	if errors.Is(err, protocol.ErrProtocol) || errors.Is(err, protocol.ErrDecode) ||
		errors.Is(err, protocol.ErrType) || errors.Is(err, protocol.ErrUnknownEncoding) {
		observe.IncProtocolError()
	}
}

func (d *Dispatcher) OnDrained(c *transport.Conn) {
	if err := d.flush(c); err != nil {
		d.log.Warn("Failed to hand queued value to connection", zap.String("conn", c.ID().String()), zap.Error(err))
	}
}

func (d *Dispatcher) OnMessage(c *transport.Conn, v protocol.Value) {
	req, err := protocol.DecodeRequest(v)
	if err != nil {
		d.reject(c, v, err)
		return
	}

	observe.IncRequest(string(req.GetCommand()))

	ctx, cancel := context.WithTimeout(context.Background(), d.storeTimeout)
	defer cancel()

	switch r := req.(type) {
	case *protocol.CheckUsernameRequest:
		d.checkUsername(ctx, c, r)
	case *protocol.LoginRequest:
		d.login(ctx, c, r)
	case *protocol.RegisterRequest:
		d.register(ctx, c, r)
	case *protocol.LoadChatRequest:
		d.loadChat(ctx, c, r)
	case *protocol.SendMessageRequest:
		d.sendMessage(ctx, c, r)
	case *protocol.PingMessage:
		d.confirmDelivery(ctx, c, r)
	case *protocol.ViewUndeliveredRequest:
		d.viewUndelivered(ctx, c, r)
	case *protocol.DeleteMessageRequest:
		d.deleteMessage(ctx, c, r)
	case *protocol.DeleteAccountRequest:
		d.deleteAccount(ctx, c, r)
	}
}

func (d *Dispatcher) checkUsername(ctx context.Context, c *transport.Conn, r *protocol.CheckUsernameRequest) {
	_, err := d.store.FindUser(ctx, r.Username)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		d.storeFailed(c, r.GetCommand(), err)
	}

	d.reply(c, &protocol.CheckUsernameResponse{Result: err == nil})
}

// authenticate reports whether username exists with the given password.
// Store failures other than an unknown user are logged and count as a
// mismatch.
func (d *Dispatcher) authenticate(ctx context.Context, c *transport.Conn, cmd protocol.Command, username, password string) bool {
	user, err := d.store.FindUser(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	if err != nil {
		d.storeFailed(c, cmd, err)
		return false
	}

	return user.Passhash == d.hash(password)
}

func (d *Dispatcher) login(ctx context.Context, c *transport.Conn, r *protocol.LoginRequest) {
	if !d.authenticate(ctx, c, r.GetCommand(), r.Username, r.Passhash) {
		d.reply(c, &protocol.LoginResponse{Result: false})
		return
	}

	n, err := d.store.CountUndelivered(ctx, r.Username)
	if err != nil {
		d.storeFailed(c, r.GetCommand(), err)
		d.reply(c, &protocol.LoginResponse{Result: false})
		return
	}

	users, err := d.store.OtherUsernames(ctx, r.Username)
	if err != nil {
		d.storeFailed(c, r.GetCommand(), err)
		d.reply(c, &protocol.LoginResponse{Result: false})
		return
	}

	d.bind(c, r.Username)
	d.reply(c, &protocol.LoginResponse{Result: true, Users: users, NUndelivered: n})
}

func (d *Dispatcher) register(ctx context.Context, c *transport.Conn, r *protocol.RegisterRequest) {
	_, err := d.store.FindUser(ctx, r.Username)
	switch {
	case err == nil:
		d.reply(c, &protocol.RegisterResponse{Result: false})
		return
	case !errors.Is(err, storage.ErrNotFound):
		d.storeFailed(c, r.GetCommand(), err)
		d.reply(c, &protocol.RegisterResponse{Result: false})
		return
	}

	// The insert is the authority, the lookup above only saves a write.
	err = d.store.InsertUser(ctx, storage.User{Username: r.Username, Passhash: d.hash(r.Passhash)})
	if errors.Is(err, storage.ErrUserExists) {
		d.reply(c, &protocol.RegisterResponse{Result: false})
		return
	}
	if err != nil {
		d.storeFailed(c, r.GetCommand(), err)
		d.reply(c, &protocol.RegisterResponse{Result: false})
		return
	}

	users, err := d.store.OtherUsernames(ctx, r.Username)
	if err != nil {
		// The account exists now, answer with what we know.
		d.storeFailed(c, r.GetCommand(), err)
		users = []string{}
	}

	d.bind(c, r.Username)
	d.reply(c, &protocol.RegisterResponse{Result: true, Users: users})

	d.log.Info("User registered", zap.String("username", r.Username))
	d.pushAll(d.registry.Others(r.Username), &protocol.PingUserPush{Username: r.Username})
}

func (d *Dispatcher) loadChat(ctx context.Context, c *transport.Conn, r *protocol.LoadChatRequest) {
	records, err := d.store.MessagesBetween(ctx, r.Username, r.User2)
	if err != nil {
		d.storeFailed(c, r.GetCommand(), err)
		d.reply(c, &protocol.Failure{Command: r.GetCommand()})
		return
	}

	d.reply(c, &protocol.LoadChatResponse{Messages: chatMessages(records)})
}

func (d *Dispatcher) sendMessage(ctx context.Context, c *transport.Conn, r *protocol.SendMessageRequest) {
	id, err := d.store.InsertMessage(ctx, r.Sender, r.Recipient, r.Message)
	if err != nil {
		d.storeFailed(c, r.GetCommand(), err)
		d.reply(c, &protocol.Failure{Command: r.GetCommand()})
		return
	}

	d.reply(c, &protocol.SendMessageResponse{MessageID: id})

	if recipient, ok := d.registry.Lookup(r.Recipient); ok {
		d.push(recipient, &protocol.PingMessage{Sender: r.Sender, SentMessage: r.Message, MessageID: id})
	}
}

func (d *Dispatcher) confirmDelivery(ctx context.Context, c *transport.Conn, r *protocol.PingMessage) {
	if err := d.store.MarkDelivered(ctx, r.MessageID); err != nil {
		d.storeFailed(c, r.GetCommand(), err)
	}
}

func (d *Dispatcher) viewUndelivered(ctx context.Context, c *transport.Conn, r *protocol.ViewUndeliveredRequest) {
	records, err := d.store.UndeliveredFor(ctx, r.Username, r.NMessages)
	if err != nil {
		d.storeFailed(c, r.GetCommand(), err)
		d.reply(c, &protocol.Failure{Command: r.GetCommand()})
		return
	}

	ids := make([]int64, 0, len(records))
	for _, m := range records {
		ids = append(ids, m.ID)
	}

	if err := d.store.MarkDelivered(ctx, ids...); err != nil {
		d.storeFailed(c, r.GetCommand(), err)
		d.reply(c, &protocol.Failure{Command: r.GetCommand()})
		return
	}

	d.reply(c, &protocol.ViewUndeliveredResponse{Messages: chatMessages(records)})
}

func (d *Dispatcher) deleteMessage(ctx context.Context, c *transport.Conn, r *protocol.DeleteMessageRequest) {
	err := d.store.DeleteMessage(ctx, r.MessageID)
	if err != nil {
		d.storeFailed(c, r.GetCommand(), err)
	}

	d.reply(c, &protocol.DeleteMessageResponse{Result: err == nil})
}

func (d *Dispatcher) deleteAccount(ctx context.Context, c *transport.Conn, r *protocol.DeleteAccountRequest) {
	if !d.authenticate(ctx, c, r.GetCommand(), r.Username, r.Passhash) {
		d.reply(c, &protocol.DeleteAccountResponse{Result: false})
		return
	}

	if err := d.store.DeleteUser(ctx, r.Username); err != nil {
		d.storeFailed(c, r.GetCommand(), err)
		d.reply(c, &protocol.DeleteAccountResponse{Result: false})
		return
	}

	if err := d.store.DeleteMessagesFor(ctx, r.Username); err != nil {
		// The user is gone, their messages only linger.
		d.storeFailed(c, r.GetCommand(), err)
	}

	d.registry.Drop(r.Username)
	observe.SetSessions(d.registry.Len())

	d.reply(c, &protocol.DeleteAccountResponse{Result: true})

	d.log.Info("Account deleted", zap.String("username", r.Username))
	d.pushAll(d.registry.Others(r.Username), &protocol.PingUserPush{Username: r.Username})
}

func (d *Dispatcher) bind(c *transport.Conn, username string) {
	if !d.registry.Add(username, c) {
		d.log.Info("Session is held by another connection",
			zap.String("username", username), zap.String("conn", c.ID().String()))
		return
	}

	observe.SetSessions(d.registry.Len())
	d.log.Info("Session started", zap.String("username", username), zap.String("conn", c.ID().String()))
}

// reject answers a request that could not be decoded.
func (d *Dispatcher) reject(c *transport.Conn, v protocol.Value, err error) {
	var cmd protocol.Command
	if m, ok := v.(protocol.Mapping); ok {
		action, _ := m.Text("action")
		cmd = protocol.Command(action)
	}

	reason := "malformed"
	if errors.Is(err, protocol.ErrUnknownCommand) {
		reason = "unknown"
	}
	observe.IncRejected(reason)

	d.log.Warn("Rejected request", zap.String("conn", c.ID().String()), zap.String("action", string(cmd)), zap.Error(err))
	d.reply(c, &protocol.Failure{Command: cmd})
}

func (d *Dispatcher) storeFailed(c *transport.Conn, cmd protocol.Command, err error) {
	observe.IncRejected("store")
	d.log.Error("Store operation failed",
		zap.String("conn", c.ID().String()), zap.String("action", string(cmd)), zap.Error(err))
}

func (d *Dispatcher) reply(c *transport.Conn, resp protocol.Response) {
	if err := d.enqueue(c, resp.Value()); err != nil {
		d.log.Warn("Failed to queue response", zap.String("conn", c.ID().String()), zap.Error(err))
	}
}

func (d *Dispatcher) push(c *transport.Conn, resp protocol.Response) {
	observe.IncPush(string(resp.GetCommand()))

	if err := d.enqueue(c, resp.Value()); err != nil {
		d.log.Warn("Failed to push", zap.String("conn", c.ID().String()), zap.Error(err))
	}
}

func (d *Dispatcher) pushAll(conns []*transport.Conn, resp protocol.Response) {
	var err error

	v := resp.Value()
	for _, c := range conns {
		observe.IncPush(string(resp.GetCommand()))
		err = multierr.Append(err, d.enqueue(c, v))
	}

	if err != nil {
		d.log.Warn("Failed to push to some sessions",
			zap.String("action", string(resp.GetCommand())), zap.Int("sessions", len(conns)), zap.Error(err))
	}
}

func (d *Dispatcher) enqueue(c *transport.Conn, v protocol.Value) error {
	if c.Closed() {
		return transport.ErrConnClosed
	}

	box := d.outbox(c)
	if box.Len() >= d.maxQueued {
		d.log.Warn("Dropping connection that stopped reading",
			zap.String("conn", c.ID().String()), zap.String("username", c.User()), zap.Int("queued", box.Len()))
		observe.IncSlowReader()
		c.Abort(ErrOutboxFull)
		return ErrOutboxFull
	}

	box.Push(v)

	return d.flush(c)
}

// flush hands queued values to the engine while it is idle.
func (d *Dispatcher) flush(c *transport.Conn) error {
	box := d.outbox(c)

	for c.WriteState() == transport.Idle && !c.Closed() {
		v, ok := box.Pop()
		if !ok {
			return nil
		}

		err := c.Send(v)
		if errors.Is(err, protocol.ErrType) || errors.Is(err, protocol.ErrUnknownEncoding) {
			d.log.Error("Dropped a value that cannot be encoded", zap.String("conn", c.ID().String()), zap.Error(err))
			continue
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func (d *Dispatcher) outbox(c *transport.Conn) *Outbox {
	box, ok := d.outboxes[c]
	if !ok {
		box = &Outbox{}
		d.outboxes[c] = box
	}

	return box
}

func chatMessages(records []storage.MessageRecord) []protocol.ChatMessage {
	out := make([]protocol.ChatMessage, 0, len(records))
	for _, m := range records {
		out = append(out, protocol.ChatMessage{Sender: m.Sender, Recipient: m.Recipient, Body: m.Body, ID: m.ID})
	}

	return out
}

var _ transport.Handler = (*Dispatcher)(nil)
