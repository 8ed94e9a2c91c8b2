package stream

import (
	"github.com/jech/peerwire/protocol"
)

// Queue is a FIFO of messages.  The zero value is an empty queue.
type Queue struct {
	msgs []protocol.Message
	head int
}

func (q *Queue) Len() int {
	return len(q.msgs) - q.head
}

func (q *Queue) Push(m protocol.Message) {
	if q.head > 0 && q.head == len(q.msgs) {
		q.msgs = q.msgs[:0]
		q.head = 0
	}
	q.msgs = append(q.msgs, m)
}

// Pop removes and returns the oldest message.
func (q *Queue) Pop() (protocol.Message, bool) {
	if q.head >= len(q.msgs) {
		return nil, false
	}
	m := q.msgs[q.head]
	q.msgs[q.head] = nil
	q.head++
	if q.head == len(q.msgs) {
		q.msgs = q.msgs[:0]
		q.head = 0
	} else if q.head > 32 && q.head > len(q.msgs)/2 {
		n := copy(q.msgs, q.msgs[q.head:])
		for i := n; i < len(q.msgs); i++ {
			q.msgs[i] = nil
		}
		q.msgs = q.msgs[:n]
		q.head = 0
	}
	return m, true
}

// Remove deletes every queued message for which f returns true, and
// returns the number of messages deleted.  Order is preserved.
func (q *Queue) Remove(f func(protocol.Message) bool) int {
	j := q.head
	for i := q.head; i < len(q.msgs); i++ {
		if f(q.msgs[i]) {
			continue
		}
		q.msgs[j] = q.msgs[i]
		j++
	}
	n := len(q.msgs) - j
	for i := j; i < len(q.msgs); i++ {
		q.msgs[i] = nil
	}
	q.msgs = q.msgs[:j]
	return n
}

// Range calls f on every queued message in order until f returns false.
func (q *Queue) Range(f func(protocol.Message) bool) {
	for i := q.head; i < len(q.msgs); i++ {
		if !f(q.msgs[i]) {
			return
		}
	}
}

// Clear empties the queue, releasing the data of any queued Piece
// messages.
func (q *Queue) Clear() {
	for i := q.head; i < len(q.msgs); i++ {
		if p, ok := q.msgs[i].(protocol.Piece); ok {
			protocol.PutBuffer(p.Data)
		}
		q.msgs[i] = nil
	}
	q.msgs = q.msgs[:0]
	q.head = 0
}
