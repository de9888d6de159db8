package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	user_id  BIGSERIAL PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	passhash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	message_id BIGSERIAL PRIMARY KEY,
	sender     TEXT NOT NULL,
	recipient  TEXT NOT NULL,
	message    TEXT NOT NULL,
	delivered  BOOLEAN NOT NULL DEFAULT FALSE,
	time       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS messages_recipient_undelivered
	ON messages (recipient) WHERE NOT delivered;
`

// https://www.postgresql.org/docs/current/errcodes-appendix.html
const uniqueViolation = "23505"

type PostgresStore struct {
	pool *sql.DB
}

// NewPostgresStore opens a pool for dsn and makes sure it is reachable.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	pool.SetMaxOpenConns(10)
	pool.SetMaxIdleConns(5)

	if err := pool.PingContext(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema creates the users and messages tables if they are missing.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: schema: %w", err)
	}

	return nil
}

func (p *PostgresStore) FindUser(ctx context.Context, username string) (*User, error) {
	u := User{Username: username}

	err := p.pool.QueryRowContext(ctx,
		`SELECT passhash FROM users WHERE username = $1`, username).Scan(&u.Passhash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, p.wrap("find user", err)
	}

	return &u, nil
}

func (p *PostgresStore) InsertUser(ctx context.Context, user User) error {
	_, err := p.pool.ExecContext(ctx,
		`INSERT INTO users (username, passhash) VALUES ($1, $2)`, user.Username, user.Passhash)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("user %q: %w", user.Username, ErrUserExists)
	}

	return p.wrap("insert user", err)
}

func (p *PostgresStore) DeleteUser(ctx context.Context, username string) error {
	_, err := p.pool.ExecContext(ctx, `DELETE FROM users WHERE username = $1`, username)
	return p.wrap("delete user", err)
}

func (p *PostgresStore) CountUndelivered(ctx context.Context, recipient string) (int, error) {
	var n int

	err := p.pool.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE recipient = $1 AND NOT delivered`, recipient).Scan(&n)

	return n, p.wrap("count undelivered", err)
}

func (p *PostgresStore) InsertMessage(ctx context.Context, sender, recipient, body string) (int64, error) {
	var id int64

	err := p.pool.QueryRowContext(ctx,
		`INSERT INTO messages (sender, recipient, message) VALUES ($1, $2, $3) RETURNING message_id`,
		sender, recipient, body).Scan(&id)

	return id, p.wrap("insert message", err)
}

func (p *PostgresStore) MessagesBetween(ctx context.Context, user1, user2 string) ([]MessageRecord, error) {
	return p.query(ctx, "messages between", `
		SELECT message_id, sender, recipient, message, delivered, time
		FROM messages
		WHERE (sender = $1 AND recipient = $2) OR (sender = $2 AND recipient = $1)
		ORDER BY time, message_id`, user1, user2)
}

func (p *PostgresStore) UndeliveredFor(ctx context.Context, recipient string, n int) ([]MessageRecord, error) {
	if n <= 0 {
		return []MessageRecord{}, nil
	}

	return p.query(ctx, "undelivered", `
		SELECT message_id, sender, recipient, message, delivered, time
		FROM messages
		WHERE recipient = $1 AND NOT delivered
		ORDER BY time DESC, message_id DESC
		LIMIT $2`, recipient, n)
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := p.pool.ExecContext(ctx,
		`UPDATE messages SET delivered = TRUE WHERE message_id = ANY($1)`, pq.Array(ids))

	return p.wrap("mark delivered", err)
}

func (p *PostgresStore) DeleteMessage(ctx context.Context, id int64) error {
	_, err := p.pool.ExecContext(ctx, `DELETE FROM messages WHERE message_id = $1`, id)
	return p.wrap("delete message", err)
}

func (p *PostgresStore) DeleteMessagesFor(ctx context.Context, username string) error {
	_, err := p.pool.ExecContext(ctx,
		`DELETE FROM messages WHERE sender = $1 OR recipient = $1`, username)
	return p.wrap("delete messages", err)
}

func (p *PostgresStore) OtherUsernames(ctx context.Context, username string) ([]string, error) {
	rows, err := p.pool.QueryContext(ctx,
		`SELECT username FROM users WHERE username <> $1 ORDER BY username`, username)
	if err != nil {
		return nil, p.wrap("other usernames", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, p.wrap("other usernames", err)
		}
		out = append(out, name)
	}

	return out, p.wrap("other usernames", rows.Err())
}

func (p *PostgresStore) Close() error {
	return p.pool.Close()
}

func (p *PostgresStore) query(ctx context.Context, op, query string, args ...interface{}) ([]MessageRecord, error) {
	rows, err := p.pool.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, p.wrap(op, err)
	}
	defer rows.Close()

	out := make([]MessageRecord, 0)
	for rows.Next() {
		var m MessageRecord
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Body, &m.Delivered, &m.Timestamp); err != nil {
			return nil, p.wrap(op, err)
		}
		out = append(out, m)
	}

	return out, p.wrap(op, rows.Err())
}

func (p *PostgresStore) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) || err.Error() == "sql: database is closed" {
		return fmt.Errorf("postgres: %s: %w", op, ErrClosed)
	}

	return fmt.Errorf("postgres: %s: %w", op, err)
}

var _ Store = (*PostgresStore)(nil)
