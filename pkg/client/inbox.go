package client

import (
	"context"
	"sync"

	"agentwire/telemetry/pkg/message"
)

// inbox is an unbounded FIFO of decoded messages. The read loop pushes
// without ever blocking; consumers drain it independently, including after
// the connection is gone.
type inbox struct {
	mu     sync.Mutex
	items  []message.Message
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (q *inbox) push(m message.Message) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *inbox) tryPop() (message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}

// pop blocks until a message arrives or ctx fires.
func (q *inbox) pop(ctx context.Context) (message.Message, error) {
	for {
		if m, ok := q.tryPop(); ok {
			return m, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
