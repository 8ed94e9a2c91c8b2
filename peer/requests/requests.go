// Package requests implements a set of outstanding block requests.  It
// is optimised for frequent membership checks and preserves the order
// in which requests were made.
package requests

import (
	"fmt"
	"strings"
	"time"
)

// Block identifies a range of bytes within a piece.
type Block struct {
	Index, Begin, Length uint32
}

func (b Block) String() string {
	return fmt.Sprintf("%v:%v+%v", b.Index, b.Begin, b.Length)
}

// Request represents an outstanding request.
type Request struct {
	Block
	rtime time.Time // request time
	ctime time.Time // cancel time, zero if not cancelled
}

// Time returns the time at which the request was made.
func (r Request) Time() time.Time {
	return r.rtime
}

// Cancelled returns true if the request was cancelled.
func (r Request) Cancelled() bool {
	return !r.ctime.IsZero()
}

func (r Request) String() string {
	c := ""
	if r.Cancelled() {
		c = ", cancelled"
	}
	return fmt.Sprintf("[%v at %v%v]", r.Block, r.rtime, c)
}

// Requests is an ordered set of requests.  The zero value is an empty
// set.
type Requests struct {
	requested []Request
	members   map[Block]struct{}
}

func (rs *Requests) String() string {
	var b = new(strings.Builder)
	fmt.Fprintf(b, "[")
	for _, r := range rs.requested {
		fmt.Fprintf(b, "%v,", r.Block)
	}
	fmt.Fprintf(b, "]")
	return b.String()
}

// Len returns the number of outstanding requests.
func (rs *Requests) Len() int {
	return len(rs.requested)
}

// Has returns true if b has been requested.
func (rs *Requests) Has(b Block) bool {
	_, ok := rs.members[b]
	return ok
}

// Add records a new request.  It returns false if the request is
// a duplicate.
func (rs *Requests) Add(b Block, now time.Time) bool {
	if rs.Has(b) {
		return false
	}
	if rs.members == nil {
		rs.members = make(map[Block]struct{})
	}
	rs.members[b] = struct{}{}
	rs.requested = append(rs.requested, Request{Block: b, rtime: now})
	return true
}

// Del deletes a request.  It returns true if the request was present,
// together with the time at which it was made.
func (rs *Requests) Del(b Block) (bool, time.Time) {
	if !rs.Has(b) {
		return false, time.Time{}
	}
	for i, r := range rs.requested {
		if r.Block == b {
			rs.requested = append(rs.requested[:i],
				rs.requested[i+1:]...)
			if len(rs.requested) == 0 {
				rs.requested = nil
			}
			delete(rs.members, b)
			return true, r.rtime
		}
	}
	panic("Requests is broken!")
}

// Cancel marks a request as cancelled.  It returns true if the request
// was found and not cancelled already.
func (rs *Requests) Cancel(b Block, now time.Time) bool {
	if !rs.Has(b) {
		return false
	}
	for i, r := range rs.requested {
		if r.Block == b {
			if r.Cancelled() {
				return false
			}
			rs.requested[i].ctime = now
			return true
		}
	}
	return false
}

// First returns the oldest request.
func (rs *Requests) First() (Request, bool) {
	if len(rs.requested) == 0 {
		return Request{}, false
	}
	return rs.requested[0], true
}

// Range calls f for every request in order until f returns false.
func (rs *Requests) Range(f func(r Request) bool) {
	for _, r := range rs.requested {
		if !f(r) {
			return
		}
	}
}

// Blocks returns the requested blocks in order.
func (rs *Requests) Blocks() []Block {
	if len(rs.requested) == 0 {
		return nil
	}
	l := make([]Block, len(rs.requested))
	for i, r := range rs.requested {
		l[i] = r.Block
	}
	return l
}

// Clear deletes all requests.  It calls f for every request that was
// present.
func (rs *Requests) Clear(f func(b Block)) {
	old := rs.requested
	rs.requested = nil
	rs.members = nil
	if f != nil {
		for _, r := range old {
			f(r.Block)
		}
	}
}

// Expire deletes requests that were cancelled before t1, calling drop
// for each of them, and cancels requests made before t0, calling cancel
// for each of them.  It returns true if any requests were dropped.
func (rs *Requests) Expire(t0, t1 time.Time, now time.Time,
	drop func(b Block), cancel func(b Block)) bool {

	dropped := false

	i := 0
	for i < len(rs.requested) {
		r := rs.requested[i]
		if r.Cancelled() && r.ctime.Before(t1) {
			found, _ := rs.Del(r.Block)
			if !found {
				panic("Couldn't delete request")
			}
			drop(r.Block)
			dropped = true
			// don't increment i
			continue
		} else if !r.Cancelled() && r.rtime.Before(t0) {
			rs.requested[i].ctime = now
			cancel(r.Block)
		}
		i++
	}
	return dropped
}
