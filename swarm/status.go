package swarm

import (
	"time"

	"github.com/jech/peerwire/peer"
)

// statusInterval is the minimum interval between two status snapshots.
const statusInterval = time.Second

// Status is a snapshot of a swarm.
type Status struct {
	Hash     string        `json:"hash"`
	Name     string        `json:"name,omitempty"`
	Policy   string        `json:"policy"`
	Mode     string        `json:"mode"`
	Paused   bool          `json:"paused"`
	Pieces   int           `json:"pieces"`
	Missing  int           `json:"missing"`
	Known    int           `json:"known"`
	Dialing  int           `json:"dialing"`
	InFlight int           `json:"inFlight"`
	Peers    []peer.Status `json:"peers"`
	Time     time.Time     `json:"time"`
}

func (s *Swarm) publish(now time.Time, force bool) {
	if !force && now.Sub(s.lastStatus) < statusInterval {
		return
	}
	s.lastStatus = now
	st := &Status{
		Hash:     s.Hash.String(),
		Name:     s.Name,
		Policy:   s.policy.String(),
		Mode:     s.mode.String(),
		Paused:   s.paused,
		Pieces:   -1,
		Missing:  -1,
		Known:    s.known.Count(),
		Dialing:  len(s.dialing),
		InFlight: len(s.inFlight),
		Peers:    make([]peer.Status, 0, len(s.conns)),
		Time:     now,
	}
	if s.meta.Known() {
		st.Pieces = s.meta.NumPieces()
		st.Missing = s.storage.Missing()
	}
	for _, c := range s.conns {
		st.Peers = append(st.Peers, c.Status(now))
	}
	s.status.Store(st)
}

// Status returns the latest snapshot of the swarm.  It may be called
// from any goroutine.  The result must not be modified.
func (s *Swarm) Status() *Status {
	return s.status.Load()
}
