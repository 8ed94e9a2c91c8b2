package swarm

import (
	"cmp"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/jech/peerwire/config"
	"github.com/jech/peerwire/peer"
	"github.com/jech/peerwire/peer/requests"
)

// Policy is a piece-selection policy.
type Policy int

const (
	// RarestFirst picks the piece held by the fewest peers.
	RarestFirst Policy = iota
	// Streaming picks the lowest-index piece.
	Streaming
	// Random picks uniformly.
	Random
)

func (p Policy) String() string {
	switch p {
	case RarestFirst:
		return "rarest"
	case Streaming:
		return "streaming"
	case Random:
		return "random"
	default:
		return fmt.Sprintf("policy %d", int(p))
	}
}

// Set implements flag.Value.
func (p *Policy) Set(s string) error {
	for _, q := range []Policy{RarestFirst, Streaming, Random} {
		if q.String() == s {
			*p = q
			return nil
		}
	}
	return fmt.Errorf("unknown policy %q", s)
}

// Mode is the control state of a swarm.
type Mode int

const (
	Normal Mode = iota
	// Endgame requests every missing block from every peer.
	Endgame
	// Off means there is nothing to request, either because all
	// pieces are held or because metadata is not known.
	Off
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "normal"
	case Endgame:
		return "endgame"
	case Off:
		return "off"
	default:
		return fmt.Sprintf("mode %d", int(m))
	}
}

// Pick orders the pieces according to policy, most desirable first.
// Available holds the number of peers that have each piece.  Pieces is
// reordered in place.
func Pick(policy Policy, pieces []uint32, available []uint16, rnd *rand.Rand) []uint32 {
	count := func(i uint32) uint16 {
		if int64(i) < int64(len(available)) {
			return available[i]
		}
		return 0
	}
	switch policy {
	case Streaming:
		slices.Sort(pieces)
	case Random:
		rnd.Shuffle(len(pieces), func(i, j int) {
			pieces[i], pieces[j] = pieces[j], pieces[i]
		})
	default:
		slices.SortFunc(pieces, func(a, b uint32) int {
			if c := cmp.Compare(count(a), count(b)); c != 0 {
				return c
			}
			return cmp.Compare(a, b)
		})
	}
	return pieces
}

// blocks returns the blocks of a piece.
func (s *Swarm) blocks(index uint32) []requests.Block {
	pl := s.meta.PieceLength(index)
	bs := make([]requests.Block, 0, (pl+config.ChunkSize-1)/config.ChunkSize)
	for begin := uint32(0); begin < pl; begin += config.ChunkSize {
		length := config.ChunkSize
		if pl-begin < length {
			length = pl - begin
		}
		bs = append(bs, requests.Block{
			Index: index, Begin: begin, Length: length,
		})
	}
	return bs
}

// updateMode recomputes the control state from the number of missing
// pieces.
func (s *Swarm) updateMode() {
	missing := -1
	if s.meta.Known() {
		missing = s.storage.Missing()
	}
	old := s.mode
	switch {
	case missing <= 0:
		s.mode = Off
	case missing < s.cfg.EndgameThreshold:
		s.mode = Endgame
	default:
		s.mode = Normal
	}
	if s.mode == old {
		return
	}
	s.log.Info().Stringer("mode", s.mode).Int("missing", missing).
		Msg("mode")
	switch {
	case s.mode == Endgame:
		s.events.post(EndgameEntered{Hash: s.Hash, Missing: missing})
	case s.mode == Off && missing == 0:
		s.events.post(Completed{Hash: s.Hash})
		for _, c := range s.conns {
			err := s.uploadOnly.Send(c, true)
			if err != nil {
				c.Log().Debug().Err(err).Msg("UploadOnly")
			}
		}
	}
}

// request fills the request pipeline of a connection.  Outside endgame,
// a block is requested from at most one peer at a time.
func (s *Swarm) request(c *peer.Conn, now time.Time) {
	if s.mode == Off || c.State() != peer.Established ||
		c.Peer.Choking || !c.Client.Interested {
		return
	}
	want := s.cfg.PipelineDepth - c.Client.Requests.Len()
	if want <= 0 {
		return
	}
	n := s.meta.NumPieces()
	var pieces []uint32
	c.Peer.Available.Range(func(i int) bool {
		if i >= n {
			return false
		}
		if !s.storage.Complete(uint32(i)) {
			pieces = append(pieces, uint32(i))
		}
		return true
	})
	for _, index := range Pick(s.policy, pieces, s.available, s.rand) {
		for _, b := range s.blocks(index) {
			if c.Client.Requests.Has(b) ||
				s.storage.SizeOfBlockNotYetHeld(
					b.Index, b.Begin, b.Length) == 0 {
				continue
			}
			if s.mode != Endgame && s.inFlight[b] > 0 {
				continue
			}
			if !c.Request(b, now) {
				return
			}
			s.noteInFlight(b, true)
			want--
			if want <= 0 {
				return
			}
		}
	}
}
