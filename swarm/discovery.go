package swarm

import (
	"context"
	"net/netip"
	"sync"

	"github.com/jech/peerwire/hash"
)

// Discovery is the source of candidate peers for a swarm.
type Discovery interface {
	// Candidates returns up to want candidate addresses.  It is
	// called from its own goroutine and may block.
	Candidates(ctx context.Context, h hash.Hash, want int) []netip.AddrPort
	// Port is called when a peer announces its DHT port.
	Port(addr netip.Addr, port uint16)
}

// StaticDiscovery returns a fixed set of addresses.
type StaticDiscovery struct {
	mu    sync.Mutex
	peers []netip.AddrPort
	ports map[netip.Addr]uint16
}

// Add adds addresses to the set returned by Candidates.
func (d *StaticDiscovery) Add(addrs ...netip.AddrPort) {
	d.mu.Lock()
	defer d.mu.Unlock()
outer:
	for _, a := range addrs {
		for _, p := range d.peers {
			if p == a {
				continue outer
			}
		}
		d.peers = append(d.peers, a)
	}
}

func (d *StaticDiscovery) Candidates(ctx context.Context, h hash.Hash, want int) []netip.AddrPort {
	d.mu.Lock()
	defer d.mu.Unlock()
	if want > len(d.peers) {
		want = len(d.peers)
	}
	if want <= 0 {
		return nil
	}
	addrs := make([]netip.AddrPort, want)
	copy(addrs, d.peers)
	return addrs
}

func (d *StaticDiscovery) Port(addr netip.Addr, port uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ports == nil {
		d.ports = make(map[netip.Addr]uint16)
	}
	d.ports[addr] = port
}

// DHTPort returns the DHT port last announced by a peer.
func (d *StaticDiscovery) DHTPort(addr netip.Addr) (uint16, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	port, ok := d.ports[addr]
	return port, ok
}
