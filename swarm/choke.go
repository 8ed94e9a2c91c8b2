package swarm

import (
	"cmp"
	"slices"
	"time"

	xrate "golang.org/x/time/rate"

	"github.com/jech/peerwire/config"
	"github.com/jech/peerwire/peer"
)

// uploadBurst must be larger than the largest block we serve.
const uploadBurst = 256 * 1024

// uploadLimiter bounds the upload rate of all swarms together.
var uploadLimiter = xrate.NewLimiter(limit(config.UploadRate()), uploadBurst)

func limit(rate float64) xrate.Limit {
	if rate <= 0 {
		return xrate.Inf
	}
	return xrate.Limit(rate)
}

// SetUploadRate sets the process-wide upload rate in bytes per second.
// Zero means unlimited.
func SetUploadRate(rate float64) {
	config.SetUploadRate(rate)
	uploadLimiter.SetLimit(limit(config.UploadRate()))
}

// maybeUnchoke runs the choking algorithm.  Interested peers are ranked
// by the rate at which they send us data, and the best UnchokeSlots of
// them are unchoked, plus one optimistic slot that rotates every
// OptimisticPeriod.  If periodic is false, no unchoked peer is choked
// unless it lost interest, and free slots are filled.
func (s *Swarm) maybeUnchoke(now time.Time, periodic bool) {
	var unchoking, interested []*peer.Conn
	for _, pn := range s.rand.Perm(len(s.conns)) {
		c := s.conns[pn]
		if c.State() != peer.Established {
			continue
		}
		if !c.Client.Choking {
			if !c.Peer.Interested {
				c.SetChoking(true, now)
				continue
			}
			unchoking = append(unchoking, c)
		}
		if c.Peer.Interested {
			interested = append(interested, c)
		}
	}

	slices.SortStableFunc(interested, func(a, b *peer.Conn) int {
		r1 := a.AvgDownloadRate(now)
		r2 := b.AvgDownloadRate(now)
		if r1 != r2 {
			return cmp.Compare(r2, r1)
		}
		return a.UnchokeTime().Compare(b.UnchokeTime())
	})

	if !periodic {
		free := s.cfg.UnchokeSlots + 1 - len(unchoking)
		for _, c := range interested {
			if free <= 0 {
				break
			}
			if c.Client.Choking {
				c.SetChoking(false, now)
				free--
			}
		}
		return
	}
	s.lastChoke = now

	slots := s.cfg.UnchokeSlots
	if slots > len(interested) {
		slots = len(interested)
	}
	keep := make(map[*peer.Conn]bool, slots+1)
	for _, c := range interested[:slots] {
		keep[c] = true
	}

	rest := interested[slots:]
	opt := s.optimistic
	if opt != nil && (opt.State() != peer.Established ||
		!opt.Peer.Interested || keep[opt] ||
		now.Sub(s.lastOptimistic) >= s.cfg.OptimisticPeriod) {
		opt = nil
	}
	if opt == nil && len(rest) > 0 {
		// prefer peers that have been choked the longest
		slices.SortStableFunc(rest, func(a, b *peer.Conn) int {
			return a.UnchokeTime().Compare(b.UnchokeTime())
		})
		n := len(rest)
		if n > 3 {
			n = 3
		}
		opt = rest[s.rand.Intn(n)]
		s.lastOptimistic = now
	}
	s.optimistic = opt
	if opt != nil {
		keep[opt] = true
	}

	for _, c := range unchoking {
		if !keep[c] {
			c.SetChoking(true, now)
		}
	}
	for c := range keep {
		c.SetChoking(false, now)
	}
}

// serve queues blocks requested by unchoked peers, within the bounds of
// the outbound queues and the process-wide upload limiter.
func (s *Swarm) serve(now time.Time) {
	for _, pn := range s.rand.Perm(len(s.conns)) {
		c := s.conns[pn]
		for c.Queued() < s.cfg.MaxQueued {
			b, ok := c.PendingUpload()
			if !ok {
				break
			}
			if !uploadLimiter.AllowN(now, int(b.Length)) {
				return
			}
			_, err := c.ServeRequest(now)
			if err != nil {
				c.Log().Warn().Err(err).Stringer("block", b).
					Msg("serve")
			}
		}
	}
}
