// Package pex implements the data structures used by BitTorrent peer
// exchange.
package pex

import (
	"net/netip"

	"github.com/zeebo/bencode"
)

// Peer represents a peer known or announced over PEX.
type Peer struct {
	Addr  netip.AddrPort
	Flags byte
}

// PEX flags
const (
	Encrypt    = 0x01
	UploadOnly = 0x02
	Outgoing   = 0x10
)

// MaxPeers is the maximum number of additions or deletions in a single
// message.
const MaxPeers = 50

// Equal returns true if two peers have the same socket address.
func (p Peer) Equal(q Peer) bool {
	return p.Addr.Addr().Unmap() == q.Addr.Addr().Unmap() &&
		p.Addr.Port() == q.Addr.Port()
}

// Find finds a peer in a list of peers.
func Find(p Peer, l []Peer) int {
	for i, q := range l {
		if p.Equal(q) {
			return i
		}
	}
	return -1
}

// ParseCompact parses a list of PEX peers in compact format.
func ParseCompact(data []byte, flags []byte, ipv6 bool) []Peer {
	l := 4
	if ipv6 {
		l = 16
	}

	if len(data)%(l+2) != 0 {
		return nil
	}
	n := len(data) / (l + 2)

	var peers = make([]Peer, 0, n)
	for i := 0; i < n; i++ {
		j := i * (l + 2)
		var ip netip.Addr
		if ipv6 {
			ip = netip.AddrFrom16([16]byte(data[j : j+16]))
		} else {
			ip = netip.AddrFrom4([4]byte(data[j : j+4]))
		}
		var flag byte
		if i < len(flags) {
			flag = flags[i]
		}
		port := 256*uint16(data[j+l]) + uint16(data[j+l+1])
		peers = append(peers,
			Peer{Addr: netip.AddrPortFrom(ip, port), Flags: flag})
	}
	return peers
}

// FormatCompact formats a list of PEX peers in compact format.
func FormatCompact(peers []Peer) (ipv4 []byte, flags4 []byte, ipv6 []byte, flags6 []byte) {
	for _, peer := range peers {
		ip := peer.Addr.Addr().Unmap()
		port := peer.Addr.Port()
		if ip.Is4() {
			a := ip.As4()
			ipv4 = append(ipv4, a[:]...)
			ipv4 = append(ipv4, byte(port>>8), byte(port&0xFF))
			flags4 = append(flags4, peer.Flags)
		} else if ip.Is6() {
			a := ip.As16()
			ipv6 = append(ipv6, a[:]...)
			ipv6 = append(ipv6, byte(port>>8), byte(port&0xFF))
			flags6 = append(flags6, peer.Flags)
		}
	}
	return
}

type pexInfo struct {
	Added    []byte `bencode:"added,omitempty"`
	AddedF   []byte `bencode:"added.f,omitempty"`
	Added6   []byte `bencode:"added6,omitempty"`
	Added6F  []byte `bencode:"added6.f,omitempty"`
	Dropped  []byte `bencode:"dropped,omitempty"`
	Dropped6 []byte `bencode:"dropped6,omitempty"`
}

// Parse parses the payload of a ut_pex message.  Malformed address
// lists are ignored.
func Parse(payload []byte) (added []Peer, dropped []Peer, err error) {
	var info pexInfo
	err = bencode.DecodeBytes(payload, &info)
	if err != nil {
		return nil, nil, err
	}
	added = append(added, ParseCompact(info.Added, info.AddedF, false)...)
	added = append(added, ParseCompact(info.Added6, info.Added6F, true)...)
	dropped = append(dropped, ParseCompact(info.Dropped, nil, false)...)
	dropped = append(dropped, ParseCompact(info.Dropped6, nil, true)...)
	return added, dropped, nil
}

// Format returns the payload of a ut_pex message.
func Format(added []Peer, dropped []Peer) ([]byte, error) {
	a4, f4, a6, f6 := FormatCompact(added)
	d4, _, d6, _ := FormatCompact(dropped)
	return bencode.EncodeBytes(pexInfo{
		Added:    a4,
		AddedF:   f4,
		Added6:   a6,
		Added6F:  f6,
		Dropped:  d4,
		Dropped6: d6,
	})
}

// State tracks what we have told one peer, so that we only send
// differences.
type State struct {
	pending    []Peer
	pendingDel []Peer
	sent       []Peer
}

// Add notes that p should be announced.
func (state *State) Add(p Peer) {
	i := Find(p, state.pendingDel)
	if i >= 0 {
		state.pendingDel =
			append(state.pendingDel[:i], state.pendingDel[i+1:]...)
		if len(state.pendingDel) == 0 {
			state.pendingDel = nil
		}
		return
	}

	if Find(p, state.sent) >= 0 || Find(p, state.pending) >= 0 {
		return
	}

	state.pending = append(state.pending, p)
}

// Del notes that p is gone.
func (state *State) Del(p Peer) {
	i := Find(p, state.pending)
	if i >= 0 {
		state.pending =
			append(state.pending[:i], state.pending[i+1:]...)
		if len(state.pending) == 0 {
			state.pending = nil
		}
		return
	}

	i = Find(p, state.sent)
	if i < 0 {
		return
	}
	state.sent = append(state.sent[:i], state.sent[i+1:]...)
	if len(state.sent) == 0 {
		state.sent = nil
	}

	if Find(p, state.pendingDel) >= 0 {
		return
	}

	state.pendingDel = append(state.pendingDel, p)
}

// Pending returns true if there is something to send.
func (state *State) Pending() bool {
	return len(state.pending) > 0 || len(state.pendingDel) > 0
}

// Compute returns the next batch of additions and deletions, and
// records the additions as sent.
func (state *State) Compute() ([]Peer, []Peer) {
	if !state.Pending() {
		return nil, nil
	}

	var tosend, todel []Peer
	if len(state.pending) > MaxPeers {
		tosend = state.pending[:MaxPeers]
		state.pending = state.pending[MaxPeers:]
	} else {
		tosend = state.pending
		state.pending = nil
	}
	if len(state.pendingDel) > MaxPeers {
		todel = state.pendingDel[:MaxPeers]
		state.pendingDel = state.pendingDel[MaxPeers:]
	} else {
		todel = state.pendingDel
		state.pendingDel = nil
	}

	state.sent = append(state.sent, tosend...)
	return tosend, todel
}
