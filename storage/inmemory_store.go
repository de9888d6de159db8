package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type InmemoryStore struct {
	mu       sync.RWMutex
	users    map[string]string
	messages map[int64]*MessageRecord
	lastID   int64
	closed   bool

	// now is swapped in tests
	now func() time.Time
}

func NewInmemoryStore() *InmemoryStore {
	return &InmemoryStore{
		users:    make(map[string]string),
		messages: make(map[int64]*MessageRecord),
		now:      time.Now,
	}
}

// lock takes the write lock and checks that the store is usable.
func (i *InmemoryStore) lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return ErrClosed
	}

	return nil
}

func (i *InmemoryStore) rlock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	i.mu.RLock()
	if i.closed {
		i.mu.RUnlock()
		return ErrClosed
	}

	return nil
}

func (i *InmemoryStore) FindUser(ctx context.Context, username string) (*User, error) {
	if err := i.rlock(ctx); err != nil {
		return nil, err
	}
	defer i.mu.RUnlock()

	passhash, ok := i.users[username]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}

	return &User{Username: username, Passhash: passhash}, nil
}

func (i *InmemoryStore) InsertUser(ctx context.Context, user User) error {
	if err := i.lock(ctx); err != nil {
		return err
	}
	defer i.mu.Unlock()

	if _, ok := i.users[user.Username]; ok {
		return fmt.Errorf("user %q: %w", user.Username, ErrUserExists)
	}

	i.users[user.Username] = user.Passhash

	return nil
}

func (i *InmemoryStore) DeleteUser(ctx context.Context, username string) error {
	if err := i.lock(ctx); err != nil {
		return err
	}
	defer i.mu.Unlock()

	delete(i.users, username)

	return nil
}

func (i *InmemoryStore) CountUndelivered(ctx context.Context, recipient string) (int, error) {
	if err := i.rlock(ctx); err != nil {
		return 0, err
	}
	defer i.mu.RUnlock()

	n := 0
	for _, m := range i.messages {
		if m.Recipient == recipient && !m.Delivered {
			n++
		}
	}

	return n, nil
}

func (i *InmemoryStore) InsertMessage(ctx context.Context, sender, recipient, body string) (int64, error) {
	if err := i.lock(ctx); err != nil {
		return 0, err
	}
	defer i.mu.Unlock()

	i.lastID++
	i.messages[i.lastID] = &MessageRecord{
		ID:        i.lastID,
		Sender:    sender,
		Recipient: recipient,
		Body:      body,
		Timestamp: i.now().UTC(),
	}

	return i.lastID, nil
}

func (i *InmemoryStore) MessagesBetween(ctx context.Context, user1, user2 string) ([]MessageRecord, error) {
	if err := i.rlock(ctx); err != nil {
		return nil, err
	}
	defer i.mu.RUnlock()

	out := i.filter(func(m *MessageRecord) bool {
		return (m.Sender == user1 && m.Recipient == user2) ||
			(m.Sender == user2 && m.Recipient == user1)
	})

	sort.Slice(out, func(a, b int) bool { return older(out[a], out[b]) })

	return out, nil
}

func (i *InmemoryStore) UndeliveredFor(ctx context.Context, recipient string, n int) ([]MessageRecord, error) {
	if err := i.rlock(ctx); err != nil {
		return nil, err
	}
	defer i.mu.RUnlock()

	if n <= 0 {
		return []MessageRecord{}, nil
	}

	out := i.filter(func(m *MessageRecord) bool {
		return m.Recipient == recipient && !m.Delivered
	})

	sort.Slice(out, func(a, b int) bool { return older(out[b], out[a]) })

	if len(out) > n {
		out = out[:n]
	}

	return out, nil
}

func (i *InmemoryStore) MarkDelivered(ctx context.Context, ids ...int64) error {
	if err := i.lock(ctx); err != nil {
		return err
	}
	defer i.mu.Unlock()

	for _, id := range ids {
		if m, ok := i.messages[id]; ok {
			m.Delivered = true
		}
	}

	return nil
}

func (i *InmemoryStore) DeleteMessage(ctx context.Context, id int64) error {
	if err := i.lock(ctx); err != nil {
		return err
	}
	defer i.mu.Unlock()

	delete(i.messages, id)

	return nil
}

func (i *InmemoryStore) DeleteMessagesFor(ctx context.Context, username string) error {
	if err := i.lock(ctx); err != nil {
		return err
	}
	defer i.mu.Unlock()

	for id, m := range i.messages {
		if m.Sender == username || m.Recipient == username {
			delete(i.messages, id)
		}
	}

	return nil
}

func (i *InmemoryStore) OtherUsernames(ctx context.Context, username string) ([]string, error) {
	if err := i.rlock(ctx); err != nil {
		return nil, err
	}
	defer i.mu.RUnlock()

	out := make([]string, 0, len(i.users))
	for name := range i.users {
		if name != username {
			out = append(out, name)
		}
	}
	sort.Strings(out)

	return out, nil
}

func (i *InmemoryStore) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.closed = true

	return nil
}

func (i *InmemoryStore) filter(keep func(*MessageRecord) bool) []MessageRecord {
	out := make([]MessageRecord, 0)
	for _, m := range i.messages {
		if keep(m) {
			out = append(out, *m)
		}
	}

	return out
}

func older(a, b MessageRecord) bool {
	if a.Timestamp.Equal(b.Timestamp) {
		return a.ID < b.ID
	}

	return a.Timestamp.Before(b.Timestamp)
}

// Backup renders the store as
//
//	{"last_id":2,"users":{"alice":"..."},"messages":[{"id":1,...}]}
func (i *InmemoryStore) Backup() ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	var err error
	doc := []byte(`{"last_id":0,"users":{},"messages":[]}`)

	if doc, err = sjson.SetBytes(doc, "last_id", i.lastID); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(i.users))
	for name := range i.users {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		// Usernames may contain path syntax, escape it.
		if doc, err = sjson.SetBytes(doc, "users."+escapePath(name), i.users[name]); err != nil {
			return nil, fmt.Errorf("backup user %q: %w", name, err)
		}
	}

	ids := make([]int64, 0, len(i.messages))
	for id := range i.messages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	for _, id := range ids {
		m := i.messages[id]
		doc, err = sjson.SetBytes(doc, "messages.-1", map[string]interface{}{
			"id":        m.ID,
			"sender":    m.Sender,
			"recipient": m.Recipient,
			"body":      m.Body,
			"delivered": m.Delivered,
			"timestamp": m.Timestamp.Format(time.RFC3339Nano),
		})
		if err != nil {
			return nil, fmt.Errorf("backup message %d: %w", id, err)
		}
	}

	return doc, nil
}

// Restore replaces the whole state with a document produced by Backup.
func (i *InmemoryStore) Restore(snapshot []byte) error {
	if !gjson.ValidBytes(snapshot) {
		return fmt.Errorf("restore: snapshot is not valid JSON")
	}

	root := gjson.ParseBytes(snapshot)

	users := make(map[string]string)
	root.Get("users").ForEach(func(key, value gjson.Result) bool {
		users[key.String()] = value.String()
		return true
	})

	var (
		messages = make(map[int64]*MessageRecord)
		lastID   = root.Get("last_id").Int()
		err      error
	)

	root.Get("messages").ForEach(func(_, value gjson.Result) bool {
		var ts time.Time
		ts, err = time.Parse(time.RFC3339Nano, value.Get("timestamp").String())
		if err != nil {
			err = fmt.Errorf("restore message %d: %w", value.Get("id").Int(), err)
			return false
		}

		m := &MessageRecord{
			ID:        value.Get("id").Int(),
			Sender:    value.Get("sender").String(),
			Recipient: value.Get("recipient").String(),
			Body:      value.Get("body").String(),
			Delivered: value.Get("delivered").Bool(),
			Timestamp: ts,
		}
		messages[m.ID] = m

		if m.ID > lastID {
			lastID = m.ID
		}

		return true
	})
	if err != nil {
		return err
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return ErrClosed
	}

	i.users = users
	i.messages = messages
	i.lastID = lastID

	return nil
}

func escapePath(key string) string {
	out := make([]byte, 0, len(key))
	for j := 0; j < len(key); j++ {
		switch key[j] {
		case '.', '*', '?', '|', '#', '@', '\\', ':', '!', '=', '<', '>', '%':
			out = append(out, '\\')
		}
		out = append(out, key[j])
	}

	return string(out)
}

var (
	_ Store       = (*InmemoryStore)(nil)
	_ Snapshotter = (*InmemoryStore)(nil)
)
