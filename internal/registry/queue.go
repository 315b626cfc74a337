package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/arena/internal/protocol"
)

// QueuedMessage is one buffered outbound message awaiting a writable
// transport.
type QueuedMessage struct {
	Data       []byte
	Priority   protocol.Priority
	EnqueuedAt time.Time
}

// OutboundQueue is a bounded FIFO of outbound messages. On overflow the
// oldest message of the lowest present priority is dropped first; critical
// messages are never dropped, even if that means exceeding capacity.
type OutboundQueue struct {
	mu       sync.Mutex
	items    []QueuedMessage
	capacity int
}

// NewOutboundQueue creates a queue holding up to capacity messages.
func NewOutboundQueue(capacity int) *OutboundQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &OutboundQueue{capacity: capacity}
}

// Push appends a message, evicting per the drop policy when full.
func (q *OutboundQueue) Push(m QueuedMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		if !q.dropLowestLocked() {
			if m.Priority != protocol.PriorityCritical {
				log.Debug().Str("priority", string(m.Priority)).Msg("outbound queue full of critical messages, dropping new message")
				return
			}
			log.Warn().Int("len", len(q.items)).Msg("outbound queue exceeding capacity to preserve critical message")
		}
	}
	q.items = append(q.items, m)
}

// dropLowestLocked removes the oldest message of the lowest priority below
// critical. Returns false when every queued message is critical.
func (q *OutboundQueue) dropLowestLocked() bool {
	victim := -1
	victimRank := protocol.PriorityCritical.Rank()
	for i, it := range q.items {
		r := it.Priority.Rank()
		if r < victimRank {
			victim = i
			victimRank = r
		}
	}
	if victim < 0 {
		return false
	}
	q.items = append(q.items[:victim], q.items[victim+1:]...)
	return true
}

// Peek returns the oldest queued message without removing it.
func (q *OutboundQueue) Peek() (QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return QueuedMessage{}, false
	}
	return q.items[0], true
}

// Pop removes and returns the oldest queued message.
func (q *OutboundQueue) Pop() (QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return QueuedMessage{}, false
	}
	m := q.items[0]
	q.items = q.items[1:]
	return m, true
}

// Len reports the number of queued messages.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
