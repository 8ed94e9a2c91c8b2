// Package extension implements the extensions to the peer-wire protocol
// that a swarm registers on its connections: peer exchange, piece
// removal and upload-only announcements.
package extension

import (
	"net/netip"
	"time"

	"github.com/jech/peerwire/peer"
	"github.com/jech/peerwire/pex"
	"github.com/jech/peerwire/protocol"
)

// PexInterval is the minimum time between two ut_pex messages to the
// same peer.
const PexInterval = time.Minute

type pexState struct {
	pex.State
	next  time.Time
	heard []pex.Peer
}

// PEX implements ut_pex.  It is shared by all the connections of a
// swarm, and must only be used from the swarm's goroutine.
type PEX struct {
	interval time.Duration
	peers    []pex.Peer
	states   map[*peer.Conn]*pexState
}

func NewPEX(interval time.Duration) *PEX {
	return &PEX{
		interval: interval,
		states:   make(map[*peer.Conn]*pexState),
	}
}

func (x *PEX) Name() string {
	return "ut_pex"
}

func (x *PEX) Describe() string {
	return "peer exchange"
}

func (x *PEX) HandshakeKeys(c *peer.Conn, h *protocol.ExtendedHandshake) error {
	return nil
}

func (x *PEX) state(c *peer.Conn) *pexState {
	st := x.states[c]
	if st == nil {
		st = &pexState{}
		x.states[c] = st
	}
	return st
}

func self(c *peer.Conn, p pex.Peer) bool {
	return p.Equal(pex.Peer{Addr: c.Addr})
}

// Init queues every peer we currently announce.
func (x *PEX) Init(c *peer.Conn) error {
	st := x.state(c)
	for _, p := range x.peers {
		if !self(c, p) {
			st.Add(p)
		}
	}
	return nil
}

// Handle processes a ut_pex message, and reports the peers we didn't
// hear about before from this connection.
func (x *PEX) Handle(c *peer.Conn, payload []byte) error {
	added, dropped, err := pex.Parse(payload)
	if err != nil {
		return err
	}
	st := x.state(c)
	var fresh []pex.Peer
	for _, p := range added {
		i := pex.Find(p, st.heard)
		if i >= 0 {
			st.heard[i] = p
			continue
		}
		st.heard = append(st.heard, p)
		fresh = append(fresh, p)
	}
	for _, p := range dropped {
		i := pex.Find(p, st.heard)
		if i < 0 {
			c.Log().Debug().Str("dropped", p.Addr.String()).
				Msg("unknown PEX peer")
			continue
		}
		st.heard = append(st.heard[:i], st.heard[i+1:]...)
	}
	if len(fresh) > 0 {
		c.Emit(peer.EventCandidates{Peers: fresh})
	}
	return nil
}

func (x *PEX) Pending(c *peer.Conn, now time.Time) bool {
	st := x.states[c]
	return st != nil && st.Pending() && !now.Before(st.next) &&
		c.RemoteExtension(x.Name()) != 0
}

func (x *PEX) Tick(c *peer.Conn, now time.Time) error {
	st := x.states[c]
	if st == nil {
		return nil
	}
	added, dropped := st.Compute()
	st.next = now.Add(x.interval)
	if len(added) == 0 && len(dropped) == 0 {
		return nil
	}
	payload, err := pex.Format(added, dropped)
	if err != nil {
		return err
	}
	return c.SendExtended(x.Name(), payload)
}

func (x *PEX) Forget(c *peer.Conn) {
	delete(x.states, c)
}

// Announce adds p to the set of peers we tell others about.  If p is
// already announced, its flags are updated.
func (x *PEX) Announce(p pex.Peer) {
	i := pex.Find(p, x.peers)
	if i >= 0 {
		x.peers[i] = p
		return
	}
	x.peers = append(x.peers, p)
	for c, st := range x.states {
		if !self(c, p) {
			st.Add(p)
		}
	}
}

// Withdraw removes a peer from the set of peers we announce.
func (x *PEX) Withdraw(addr netip.AddrPort) {
	p := pex.Peer{Addr: addr}
	i := pex.Find(p, x.peers)
	if i < 0 {
		return
	}
	x.peers = append(x.peers[:i], x.peers[i+1:]...)
	for _, st := range x.states {
		st.Del(p)
	}
}

// Announced returns the peers we currently announce.
func (x *PEX) Announced() []pex.Peer {
	return append([]pex.Peer(nil), x.peers...)
}

// Heard returns the number of peers c told us about that it still
// considers live.
func (x *PEX) Heard(c *peer.Conn) int {
	st := x.states[c]
	if st == nil {
		return 0
	}
	return len(st.heard)
}
