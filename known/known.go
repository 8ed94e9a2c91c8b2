// Package known maintains the short, bounded list of candidate peers of
// a swarm.
package known

import (
	"cmp"
	"math/rand"
	"net/netip"
	"slices"
	"time"

	"github.com/jech/peerwire/hash"
)

type Peer struct {
	Addr               netip.AddrPort
	Id                 hash.Hash
	DiscoveryTime      time.Time
	PEXTime            time.Time
	HeardTime          time.Time
	ActiveTime         time.Time
	ConnectAttemptTime time.Time
	BadTime            time.Time
	Attempts           uint
	Badness            int
	Version            string
}

type Kind int

const (
	None Kind = iota
	Discovery
	PEX
	Heard
	Active
	ConnectAttempt
	Good
	Bad
)

// MaxAttempts is the number of failed connection attempts after which
// a peer is no longer dialled until it is heard of again.
const MaxAttempts = 3

func (kp *Peer) Update(version string, kind Kind, now time.Time) {
	switch kind {
	case None:
	case Discovery:
		kp.DiscoveryTime = now
	case PEX:
		kp.PEXTime = now
	case Heard:
		kp.HeardTime = now
	case Active:
		kp.ActiveTime = now
		kp.Attempts = 0
	case ConnectAttempt:
		kp.ConnectAttemptTime = now
		kp.Attempts++
	case Good:
		if kp.Badness > 0 {
			kp.Badness--
		}
	case Bad:
		kp.BadTime = now
		kp.Badness += 5
	default:
		panic("Unknown known type")
	}
	if version != "" {
		kp.Version = version
	}
}

func (kp *Peer) Bad() bool {
	return kp.Badness > 20
}

func (kp *Peer) last() time.Time {
	when := kp.ActiveTime
	for _, t := range []time.Time{
		kp.HeardTime, kp.DiscoveryTime, kp.PEXTime,
	} {
		if t.After(when) {
			when = t
		}
	}
	return when
}

// Dialable returns true if we may attempt to connect to kp now.  Failed
// attempts back off exponentially.
func (kp *Peer) Dialable(now time.Time) bool {
	if kp.Bad() {
		return false
	}
	if now.Sub(kp.ConnectAttemptTime) > time.Hour {
		kp.Attempts = 0
	}
	if kp.Attempts >= MaxAttempts {
		return false
	}
	if kp.Attempts == 0 {
		return true
	}
	return now.Sub(kp.ConnectAttemptTime) >=
		time.Duration(1<<kp.Attempts)*time.Minute
}

// Peers is a bounded set of candidate peers, indexed by address.
type Peers struct {
	max   int
	peers map[netip.AddrPort]*Peer
}

// New returns an empty set that holds at most max peers.
func New(max int) *Peers {
	return &Peers{max: max, peers: make(map[netip.AddrPort]*Peer)}
}

func (ps *Peers) Count() int {
	return len(ps.peers)
}

func key(addr netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

// Get returns the entry for addr, or nil.
func (ps *Peers) Get(addr netip.AddrPort) *Peer {
	return ps.peers[key(addr)]
}

// Find looks up addr and updates it.  If the peer is unknown and kind
// is not None, it is added, evicting the stalest entry if the set is
// full.  Addresses that are not global or private unicast are ignored.
func (ps *Peers) Find(addr netip.AddrPort, id hash.Hash, version string,
	kind Kind, now time.Time) *Peer {
	if !addr.IsValid() || addr.Port() == 0 {
		return nil
	}
	k := key(addr)
	kp := ps.peers[k]

	if kp != nil {
		// conflicting ids make the id unknown until the next report
		if !id.IsZero() && !kp.Id.IsZero() && id != kp.Id {
			kp.Id = hash.Hash{}
		} else if kp.Id.IsZero() {
			kp.Id = id
		}
		kp.Update(version, kind, now)
		return kp
	}

	if kind == None {
		return nil
	}

	ip := k.Addr()
	if !ip.IsGlobalUnicast() && !ip.IsPrivate() && !ip.IsLoopback() {
		return nil
	}

	if len(ps.peers) >= ps.max {
		if !ps.evict() {
			return nil
		}
	}

	kp = &Peer{Addr: k, Id: id}
	kp.Update(version, kind, now)
	ps.peers[k] = kp
	return kp
}

// evict removes the peer we heard about least recently, preferring bad
// peers.
func (ps *Peers) evict() bool {
	var victim *Peer
	for _, kp := range ps.peers {
		if victim == nil {
			victim = kp
			continue
		}
		if kp.Bad() != victim.Bad() {
			if kp.Bad() {
				victim = kp
			}
			continue
		}
		if kp.last().Before(victim.last()) {
			victim = kp
		}
	}
	if victim == nil {
		return false
	}
	delete(ps.peers, victim.Addr)
	return true
}

// Remove forgets about addr.
func (ps *Peers) Remove(addr netip.AddrPort) {
	delete(ps.peers, key(addr))
}

// Expire drops peers that haven't been heard of in an hour, and forgives
// old misbehaviour.
func (ps *Peers) Expire(now time.Time) {
	for k, p := range ps.peers {
		if now.Sub(p.last()) > time.Hour {
			delete(ps.peers, k)
			continue
		}
		if p.Badness > 0 && now.Sub(p.BadTime) > 15*time.Minute {
			p.Badness = 0
		}
	}
}

// Candidates returns up to n peers that may be dialled now, fewest
// failed attempts first, and records a connection attempt for each.
// Skip reports peers that must not be dialled, typically because we are
// already connected to them.
func (ps *Peers) Candidates(n int, now time.Time, skip func(*Peer) bool) []netip.AddrPort {
	if n <= 0 {
		return nil
	}
	peers := make([]*Peer, 0, len(ps.peers))
	for _, kp := range ps.peers {
		peers = append(peers, kp)
	}
	rand.Shuffle(len(peers), func(i, j int) {
		peers[i], peers[j] = peers[j], peers[i]
	})
	slices.SortStableFunc(peers, func(a, b *Peer) int {
		return cmp.Compare(a.Attempts, b.Attempts)
	})

	var result []netip.AddrPort
	for _, kp := range peers {
		if !kp.Dialable(now) {
			continue
		}
		if skip != nil && skip(kp) {
			continue
		}
		kp.Update("", ConnectAttempt, now)
		result = append(result, kp.Addr)
		if len(result) >= n {
			break
		}
	}
	return result
}

// All returns a copy of every known peer.
func (ps *Peers) All() []Peer {
	l := make([]Peer, 0, len(ps.peers))
	for _, kp := range ps.peers {
		l = append(l, *kp)
	}
	slices.SortFunc(l, func(a, b Peer) int {
		return a.Addr.Compare(b.Addr)
	})
	return l
}
