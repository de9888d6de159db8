package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrUserExists = errors.New("user already exists")
	ErrClosed     = errors.New("store is closed")
)

type User struct {
	Username string
	Passhash string
}

// MessageRecord is a stored direct message. Delivered only ever goes from
// false to true.
type MessageRecord struct {
	ID        int64
	Sender    string
	Recipient string
	Body      string
	Delivered bool
	Timestamp time.Time
}

// Store persists users and messages. Implementations must be safe for
// concurrent use.
type Store interface {
	// FindUser fails with ErrNotFound for an unknown username.
	FindUser(ctx context.Context, username string) (*User, error)

	// InsertUser fails with ErrUserExists if the username is taken.
	InsertUser(ctx context.Context, user User) error

	DeleteUser(ctx context.Context, username string) error

	CountUndelivered(ctx context.Context, recipient string) (int, error)

	// InsertMessage stores an undelivered message and returns its id.
	InsertMessage(ctx context.Context, sender, recipient, body string) (int64, error)

	// MessagesBetween returns the conversation of two users, oldest first.
	MessagesBetween(ctx context.Context, user1, user2 string) ([]MessageRecord, error)

	// UndeliveredFor returns up to n undelivered messages for recipient,
	// newest first.
	UndeliveredFor(ctx context.Context, recipient string, n int) ([]MessageRecord, error)

	MarkDelivered(ctx context.Context, ids ...int64) error

	// DeleteMessage is a no-op for an unknown id.
	DeleteMessage(ctx context.Context, id int64) error

	// DeleteMessagesFor removes everything username sent or received.
	DeleteMessagesFor(ctx context.Context, username string) error

	// OtherUsernames lists every user except username, sorted.
	OtherUsernames(ctx context.Context, username string) ([]string, error)

	Close() error
}

// Snapshotter is implemented by stores that can dump and load their whole
// state as a JSON document.
type Snapshotter interface {
	Backup() ([]byte, error)
	Restore(snapshot []byte) error
}
