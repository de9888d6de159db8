package client

import (
	"sync"

	"github.com/luma/hermes/protocol"
)

// mailbox is an unbounded queue between the loop goroutine, which must never
// block, and the consumer of Responses, which may be slow.
type mailbox struct {
	mu     sync.Mutex
	queue  []protocol.Response
	closed bool

	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) put(r protocol.Response) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, r)
	m.mu.Unlock()

	m.notify()
}

// close lets pump return once everything queued so far was handed out.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.notify()
}

func (m *mailbox) notify() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// pump moves queued responses to out until the mailbox is closed and empty,
// or until quit is closed. It closes out when it returns.
func (m *mailbox) pump(out chan<- protocol.Response, quit <-chan struct{}) {
	defer close(out)

	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		closed := m.closed
		m.mu.Unlock()

		for _, r := range batch {
			select {
			case out <- r:
			case <-quit:
				return
			}
		}

		if closed {
			return
		}

		select {
		case <-m.signal:
		case <-quit:
			return
		}
	}
}
