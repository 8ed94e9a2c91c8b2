package swarm

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/jech/peerwire/hash"
)

// Event is something a swarm reports to the application.
type Event interface{}

type PeerAdded struct {
	Hash     hash.Hash
	Addr     netip.AddrPort
	Id       hash.Hash
	Outgoing bool
}

// PeerClosed reports a connection closed without a failure, for
// example because it was idle or the swarm was stopped.
type PeerClosed struct {
	Hash hash.Hash
	Addr netip.AddrPort
}

// PeerFailed reports a connection closed because of a failure.  Err is
// a *peer.Failure.
type PeerFailed struct {
	Hash hash.Hash
	Addr netip.AddrPort
	Err  error
}

type PieceVerified struct {
	Hash  hash.Hash
	Index uint32
}

type Completed struct {
	Hash hash.Hash
}

type EndgameEntered struct {
	Hash    hash.Hash
	Missing int
}

// ListenFailed is reported at most once per listener; swarms keep
// running outbound-only.
type ListenFailed struct {
	Addr string
	Err  error
}

type Stopped struct {
	Hash hash.Hash
	Err  error
}

// Events is a bounded queue of events shared by any number of swarms.
// Terminal events (Completed, Stopped and ListenFailed) are never
// dropped: when the queue is full they wait in an overflow list, which
// is bounded by the number of swarms and listeners.
type Events struct {
	ch      chan Event
	more    chan struct{}
	dropped uint64

	mu       sync.Mutex
	overflow []Event
}

func NewEvents(size int) *Events {
	return &Events{
		ch:   make(chan Event, size),
		more: make(chan struct{}, 1),
	}
}

func terminal(ev Event) bool {
	switch ev.(type) {
	case Completed, Stopped, ListenFailed:
		return true
	}
	return false
}

// post queues an event without blocking.  When the queue is full a
// non-terminal event is dropped and counted.
func (e *Events) post(ev Event) {
	select {
	case e.ch <- ev:
		return
	default:
	}
	if terminal(ev) {
		e.mu.Lock()
		e.overflow = append(e.overflow, ev)
		e.mu.Unlock()
		select {
		case e.more <- struct{}{}:
		default:
		}
		return
	}
	n := atomic.AddUint64(&e.dropped, 1)
	log.Warn().Uint64("dropped", n).Type("event", ev).
		Msg("event queue full")
}

func (e *Events) popOverflow() (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.overflow) == 0 {
		return nil, false
	}
	ev := e.overflow[0]
	e.overflow = e.overflow[1:]
	return ev, true
}

// Next returns the next event if one is available.
func (e *Events) Next() (Event, bool) {
	select {
	case ev := <-e.ch:
		return ev, true
	default:
		return e.popOverflow()
	}
}

// Wait blocks until an event is available or ctx is done.
func (e *Events) Wait(ctx context.Context) (Event, error) {
	for {
		ev, ok := e.Next()
		if ok {
			return ev, nil
		}
		select {
		case ev := <-e.ch:
			return ev, nil
		case <-e.more:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Dropped returns the number of events lost because the queue was full.
func (e *Events) Dropped() uint64 {
	return atomic.LoadUint64(&e.dropped)
}
