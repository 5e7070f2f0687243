package agent

import (
	"sync"

	"github.com/mtzanidakis/phalanx/internal/coord"
)

// Inbox is the priority message queue of one agent. Anyone may push; only
// the agent's loop pops, once per reasoning step.
type Inbox struct {
	pending []coord.Message
	mu      sync.Mutex
}

func NewInbox() *Inbox {
	return &Inbox{}
}

func (q *Inbox) Push(msg coord.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msg)
}

// Pop removes and returns the oldest message.
func (q *Inbox) Pop() (coord.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return coord.Message{}, false
	}

	msg := q.pending[0]
	q.pending = q.pending[1:]
	return msg, true
}

func (q *Inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
