package swarm

import (
	"bytes"
	"slices"
	"sync"

	"github.com/jech/peerwire/hash"
)

// swarms is the set of swarms that are currently running.
var swarms sync.Map

// Get finds a running swarm by info-hash.
func Get(h hash.Hash) *Swarm {
	v, ok := swarms.Load(h)
	if !ok {
		return nil
	}
	return v.(*Swarm)
}

func add(s *Swarm) bool {
	_, exists := swarms.LoadOrStore(s.Hash, s)
	return !exists
}

func del(s *Swarm) {
	swarms.CompareAndDelete(s.Hash, s)
}

// Range calls f for every running swarm until f returns false.
func Range(f func(hash.Hash, *Swarm) bool) {
	swarms.Range(func(k, v interface{}) bool {
		return f(k.(hash.Hash), v.(*Swarm))
	})
}

// All returns the running swarms ordered by info-hash.
func All() []*Swarm {
	var l []*Swarm
	Range(func(h hash.Hash, s *Swarm) bool {
		l = append(l, s)
		return true
	})
	slices.SortFunc(l, func(a, b *Swarm) int {
		return bytes.Compare(a.Hash[:], b.Hash[:])
	})
	return l
}

// lookup maps an info-hash to the peer id we use in that swarm.
func lookup(h hash.Hash) (hash.Hash, bool) {
	s := Get(h)
	if s == nil {
		return hash.Hash{}, false
	}
	return s.MyId, true
}
