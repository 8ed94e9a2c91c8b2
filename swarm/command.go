package swarm

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"github.com/jech/peerwire/hash"
	"github.com/jech/peerwire/known"
	"github.com/jech/peerwire/protocol"
)

var ErrStopped = errors.New("swarm is stopped")

// Command is a request submitted to a running swarm.
type Command interface{}

type Stop struct{}
type Pause struct{}
type Resume struct{}

// AddPeer adds a candidate peer, which will be dialled when the swarm
// needs more connections.
type AddPeer struct {
	Addr netip.AddrPort
	Kind known.Kind
}

// RemovePeer closes any connection to a peer and forgets about it.
type RemovePeer struct {
	Addr netip.AddrPort
}

// AddConn hands a connection whose wire handshake has completed to the
// swarm.
type AddConn struct {
	Conn     net.Conn
	Result   protocol.HandshakeResult
	Init     []byte
	Addr     netip.AddrPort
	Outgoing bool
}

type SetPolicy struct {
	Policy Policy
}

// SetRate changes the bandwidth windows of every connection of the
// swarm.  Rates are in bytes per millisecond, 0 means unlimited.
type SetRate struct {
	Read, Write float64
}

// MetadataKnown is submitted once the swarm's metadata has been filled
// in.
type MetadataKnown struct{}

// DropPiece discards a complete piece and retracts it from peers.
type DropPiece struct {
	Index uint32
}

// candidates carries the result of a discovery request.
type candidates struct {
	addrs []netip.AddrPort
}

// dialFailed reports a connection attempt that did not produce a
// connection.
type dialFailed struct {
	addr netip.AddrPort
	err  error
}

// Submit queues a command for the swarm.  It blocks until the command
// is accepted, the swarm terminates or ctx is done.
func (s *Swarm) Submit(ctx context.Context, cmd Command) error {
	select {
	case <-s.done:
		return s.rejected(cmd)
	default:
	}
	select {
	case s.commands <- cmd:
		s.poller.Wake()
		return nil
	case <-s.done:
		return s.rejected(cmd)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Swarm) rejected(cmd Command) error {
	if c, ok := cmd.(AddConn); ok {
		c.Conn.Close()
	}
	return ErrStopped
}

// Done returns a channel that is closed when the swarm terminates.
func (s *Swarm) Done() <-chan struct{} {
	return s.done
}

func (s *Swarm) handleCommand(ctx context.Context, cmd Command) error {
	now := s.now()
	switch cmd := cmd.(type) {
	case Stop:
		return ErrStopped
	case Pause:
		if !s.paused {
			s.log.Info().Msg("paused")
		}
		s.paused = true
	case Resume:
		if s.paused {
			s.log.Info().Msg("resumed")
		}
		s.paused = false
	case AddPeer:
		kind := cmd.Kind
		if kind == known.None {
			kind = known.Heard
		}
		s.known.Find(cmd.Addr, hash.Hash{}, "", kind, now)
		s.maybeConnect(ctx, now)
	case RemovePeer:
		for _, c := range s.conns {
			if c.Addr == cmd.Addr {
				c.Close(nil)
			}
		}
		s.known.Remove(cmd.Addr)
	case AddConn:
		s.addConn(cmd, now)
	case SetPolicy:
		s.log.Info().Stringer("policy", cmd.Policy).Msg("policy")
		s.policy = cmd.Policy
	case SetRate:
		s.cfg.ReadRate = cmd.Read
		s.cfg.WriteRate = cmd.Write
		for _, c := range s.conns {
			c.Stream().SetRates(cmd.Read, cmd.Write)
		}
	case MetadataKnown:
		s.metadataKnown(now)
	case DropPiece:
		s.dropPiece(cmd.Index, now)
	case candidates:
		s.discovering = false
		for _, a := range cmd.addrs {
			s.known.Find(a, hash.Hash{}, "", known.Discovery, now)
		}
		s.maybeConnect(ctx, now)
	case dialFailed:
		delete(s.dialing, cmd.addr)
		s.log.Debug().Err(cmd.err).Stringer("addr", cmd.addr).
			Msg("dial")
	default:
		s.log.Error().Type("command", cmd).Msg("unknown command")
	}
	return nil
}
