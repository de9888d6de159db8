package server

import (
	"errors"

	"github.com/luma/hermes/protocol"
)

// DefaultMaxQueued bounds the values waiting behind a connection's frame.
const DefaultMaxQueued = 1024

var ErrOutboxFull = errors.New("outbox is full")

// Outbox holds values waiting for a connection's in-flight frame to drain.
type Outbox struct {
	queue []protocol.Value
}

func (o *Outbox) Push(v protocol.Value) {
	o.queue = append(o.queue, v)
}

func (o *Outbox) Pop() (protocol.Value, bool) {
	if len(o.queue) == 0 {
		return nil, false
	}

	v := o.queue[0]
	o.queue[0] = nil
	o.queue = o.queue[1:]

	return v, true
}

func (o *Outbox) Len() int {
	return len(o.queue)
}
