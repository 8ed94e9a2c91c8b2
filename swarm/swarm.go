// Package swarm implements the coordinator of a swarm: the single
// goroutine that owns every connection to the peers sharing one
// info-hash, drives their I/O, and decides whom to serve and what to
// request.
package swarm

import (
	"context"
	"errors"
	"math/rand"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jech/peerwire/config"
	"github.com/jech/peerwire/extension"
	"github.com/jech/peerwire/hash"
	"github.com/jech/peerwire/known"
	"github.com/jech/peerwire/peer"
	"github.com/jech/peerwire/peer/requests"
	"github.com/jech/peerwire/poll"
	"github.com/jech/peerwire/pex"
	"github.com/jech/peerwire/protocol"
	"github.com/jech/peerwire/storage"
)

var ErrIdle = errors.New("connection is idle")
var ErrDuplicateConnection = errors.New("duplicate connection")
var ErrTooManyPeers = errors.New("too many peers")
var ErrConnectionSelf = errors.New("connection to self")

// maintenanceInterval is the period of connectivity maintenance.
const maintenanceInterval = 5 * time.Second

// Storage is the storage of a swarm.
type Storage interface {
	peer.Storage
	// Drop discards a piece.
	Drop(index uint32)
}

// Options are the parameters of a new swarm.
type Options struct {
	Hash      hash.Hash
	Name      string
	Config    config.Swarm
	Metadata  peer.Metadata
	Storage   Storage
	Discovery Discovery
	Dialer    *Dialer
	Events    *Events
	Policy    Policy
	// Port is the listening port announced to peers, 0 if we don't
	// accept connections.
	Port   uint16
	DHT    bool
	Logger zerolog.Logger
}

// Swarm is the coordinator of one swarm.  All fields except those
// accessed through Submit, Status and Done belong to the goroutine
// running Run.
type Swarm struct {
	Hash hash.Hash
	MyId hash.Hash
	Name string

	cfg       config.Swarm
	meta      peer.Metadata
	storage   Storage
	discovery Discovery
	dialer    *Dialer
	events    *Events
	port      uint16
	dht       bool
	log       zerolog.Logger

	pex        *extension.PEX
	uploadOnly *extension.UploadOnly
	dontHave   extension.DontHave
	exts       []peer.Extension

	poller    *poll.Poller
	pollItems []poll.Item
	commands  chan Command
	done      chan struct{}

	conns       []*peer.Conn
	fds         map[*peer.Conn]int
	known       *known.Peers
	dialing     map[netip.AddrPort]bool
	discovering bool

	available []uint16
	inFlight  map[requests.Block]int
	policy    Policy
	mode      Mode
	paused    bool
	rand      *rand.Rand

	lastChoke       time.Time
	lastOptimistic  time.Time
	optimistic      *peer.Conn
	chokeDirty      bool
	lastMaintenance time.Time
	lastStatus      time.Time

	status atomic.Pointer[Status]
	now    func() time.Time
}

// New creates a swarm.  The swarm does nothing until Run is called.
func New(opts Options) (*Swarm, error) {
	if opts.Metadata == nil || opts.Storage == nil || opts.Events == nil {
		return nil, errors.New("incomplete swarm options")
	}
	myid, err := hash.NewPeerID(config.PeerIDPrefix)
	if err != nil {
		return nil, err
	}
	poller, err := poll.New()
	if err != nil {
		return nil, err
	}
	discovery := opts.Discovery
	if discovery == nil {
		discovery = &StaticDiscovery{}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &Dialer{}
	}
	burst := opts.Config.CommandBurst
	if burst <= 0 {
		burst = 1
	}
	s := &Swarm{
		Hash:       opts.Hash,
		MyId:       myid,
		Name:       opts.Name,
		cfg:        opts.Config,
		meta:       opts.Metadata,
		storage:    opts.Storage,
		discovery:  discovery,
		dialer:     dialer,
		events:     opts.Events,
		port:       opts.Port,
		dht:        opts.DHT,
		log:        opts.Logger.With().Str("swarm", opts.Hash.String()).Logger(),
		pex:        extension.NewPEX(extension.PexInterval),
		uploadOnly: extension.NewUploadOnly(),
		poller:     poller,
		commands:   make(chan Command, 4*burst),
		done:       make(chan struct{}),
		fds:        make(map[*peer.Conn]int),
		known:      known.New(4 * opts.Config.MaxPeers),
		dialing:    make(map[netip.AddrPort]bool),
		inFlight:   make(map[requests.Block]int),
		policy:     opts.Policy,
		mode:       Off,
		rand:       rand.New(rand.NewSource(rand.Int63())),
		now:        time.Now,
	}
	s.exts = []peer.Extension{s.pex, s.dontHave, s.uploadOnly}
	return s, nil
}

// Run registers the swarm and runs its loop until it is stopped or ctx
// is done.  The Stopped event is always posted.
func (s *Swarm) Run(ctx context.Context) error {
	if !add(s) {
		close(s.done)
		s.poller.Close()
		return os.ErrExist
	}
	err := s.run(ctx)
	del(s)
	s.shutdown()
	close(s.done)
	s.discardCommands()
	s.poller.Close()
	if errors.Is(err, ErrStopped) {
		err = nil
	}
	s.events.post(Stopped{Hash: s.Hash, Err: err})
	return err
}

func (s *Swarm) run(ctx context.Context) error {
	if s.meta.Known() {
		s.metadataKnown(s.now())
	}
	s.publish(s.now(), true)
	for {
		// 1. paused
		for s.paused {
			select {
			case cmd := <-s.commands:
				err := s.handleCommand(ctx, cmd)
				if err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		// 2. readiness
		items, timeout := s.items(s.now())
		_, err := s.poller.Wait(items, timeout)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		now := s.now()

		// 3. I/O
		for i, c := range s.conns {
			ready := items[i].Ready
			if ready&poll.Write != 0 {
				c.Flush(now)
			}
			if ready&poll.Read != 0 && c.State() == peer.Established {
				c.Fill(now)
			}
			s.drain(c, now)
		}
		s.reap(now)

		// 4. choking and upload service
		if s.chokeDirty || now.Sub(s.lastChoke) >= s.cfg.ChokePeriod {
			s.maybeUnchoke(now, now.Sub(s.lastChoke) >= s.cfg.ChokePeriod)
			s.chokeDirty = false
		}
		s.serve(now)

		// 5. requests
		s.updateMode()
		for _, c := range s.conns {
			s.request(c, now)
		}

		// 6. extensions
		for _, c := range s.conns {
			c.TickExtensions(now)
			s.drain(c, now)
		}

		// 7. maintenance
		s.maintain(ctx, now)
		s.reap(now)
		s.publish(now, false)

		// commands, at most one burst per iteration
	commands:
		for i := 0; i < s.cfg.CommandBurst; i++ {
			select {
			case cmd := <-s.commands:
				err := s.handleCommand(ctx, cmd)
				if err != nil {
					return err
				}
			default:
				break commands
			}
		}
	}
}

// items builds the readiness set.  A direction whose bandwidth window is
// exhausted is left out, and the timeout is shortened so that the loop
// wakes up when the window rolls.
func (s *Swarm) items(now time.Time) ([]poll.Item, time.Duration) {
	timeout := s.cfg.MaxPollDelay
	s.pollItems = s.pollItems[:0]
	for _, c := range s.conns {
		var want poll.Interest
		st := c.Stream()
		if d := st.ReadWait(now); d == 0 {
			want |= poll.Read
		} else {
			timeout = min(timeout, d)
		}
		if c.WantsWrite() {
			if d := st.WriteWait(now); d == 0 {
				want |= poll.Write
			} else {
				timeout = min(timeout, d)
			}
		}
		s.pollItems = append(s.pollItems,
			poll.Item{FD: s.fds[c], Want: want})
	}
	return s.pollItems, timeout
}

// shutdown closes every connection.
func (s *Swarm) shutdown() {
	now := s.now()
	for _, c := range s.conns {
		c.Close(nil)
	}
	s.reap(now)
	s.discardCommands()
	s.publish(now, true)
}

// discardCommands drops the commands still queued, closing the
// connections they carry.
func (s *Swarm) discardCommands() {
	for {
		select {
		case cmd := <-s.commands:
			if c, ok := cmd.(AddConn); ok {
				c.Conn.Close()
			}
		default:
			return
		}
	}
}

func (s *Swarm) addConn(cmd AddConn, now time.Time) {
	reject := func(err error) {
		cmd.Conn.Close()
		s.log.Debug().Err(err).Stringer("addr", cmd.Addr).
			Msg("connection rejected")
	}
	if cmd.Outgoing {
		delete(s.dialing, cmd.Addr)
	}
	if cmd.Result.Hash != s.Hash {
		reject(protocol.ErrHashMismatch)
		return
	}
	if cmd.Result.Id == s.MyId {
		reject(ErrConnectionSelf)
		return
	}
	if len(s.conns) >= s.cfg.MaxPeers {
		reject(ErrTooManyPeers)
		return
	}
	for _, c := range s.conns {
		if c.Peer.Handshake.Id == cmd.Result.Id {
			reject(ErrDuplicateConnection)
			return
		}
	}

	c := peer.New(cmd.Conn, cmd.Init, cmd.Result, peer.Options{
		Config:     &s.cfg,
		Metadata:   s.meta,
		Storage:    s.storage,
		Extensions: s.exts,
		Id:         s.MyId,
		Addr:       cmd.Addr,
		Outgoing:   cmd.Outgoing,
		DHT:        s.dht,
		Port:       s.port,
		Logger:     s.log,
	}, now)
	s.conns = append(s.conns, c)
	s.fds[c] = poll.FD(cmd.Conn)
	c.Log().Debug().Bool("outgoing", cmd.Outgoing).Msg("connection added")

	if cmd.Outgoing {
		s.known.Find(cmd.Addr, cmd.Result.Id, "", known.Active, now)
		s.pex.Announce(pex.Peer{Addr: cmd.Addr, Flags: pex.Outgoing})
	}
	s.events.post(PeerAdded{
		Hash:     s.Hash,
		Addr:     cmd.Addr,
		Id:       cmd.Result.Id,
		Outgoing: cmd.Outgoing,
	})
	c.Start(now)
	s.drain(c, now)
	s.chokeDirty = true
}

// reap removes closed connections.
func (s *Swarm) reap(now time.Time) {
	j := 0
	for _, c := range s.conns {
		if c.State() != peer.Closed {
			s.conns[j] = c
			j++
			continue
		}
		s.drain(c, now)
		s.forget(c)
		err := c.Failure()
		if err != nil {
			c.Log().Info().Err(err).Msg("connection failed")
			s.events.post(PeerFailed{Hash: s.Hash, Addr: c.Addr, Err: err})
		} else {
			s.events.post(PeerClosed{Hash: s.Hash, Addr: c.Addr})
		}
	}
	for i := j; i < len(s.conns); i++ {
		s.conns[i] = nil
	}
	s.conns = s.conns[:j]
}

// forget removes every trace of a closed connection from the swarm's
// bookkeeping.
func (s *Swarm) forget(c *peer.Conn) {
	delete(s.fds, c)
	if s.optimistic == c {
		s.optimistic = nil
	}
	if s.available != nil {
		c.Peer.Available.Range(func(i int) bool {
			if i < len(s.available) && s.available[i] > 0 {
				s.available[i]--
			}
			return true
		})
	}
	s.pex.Withdraw(c.Addr)
	if !c.Outgoing && c.Peer.ExtendedHandshake != nil &&
		c.Peer.ExtendedHandshake.Port != 0 {
		s.pex.Withdraw(netip.AddrPortFrom(c.Addr.Addr(),
			c.Peer.ExtendedHandshake.Port))
	}
	if !c.Client.Choking {
		s.chokeDirty = true
	}
}

// drain processes the events of a connection.
func (s *Swarm) drain(c *peer.Conn, now time.Time) {
	for _, e := range c.Events() {
		s.handleEvent(c, e, now)
	}
}

func (s *Swarm) handleEvent(c *peer.Conn, e peer.Event, now time.Time) {
	switch e := e.(type) {
	case peer.EventHave:
		s.noteAvailable(int(e.Index), e.Have)
	case peer.EventBitfield:
		e.Bitmap.Range(func(i int) bool {
			s.noteAvailable(i, true)
			return true
		})
	case peer.EventRequest:
	case peer.EventBlock:
		s.gotBlock(c, e, now)
	case peer.EventDropped:
		for _, b := range e.Blocks {
			s.noteInFlight(b, false)
		}
	case peer.EventUnchoked:
	case peer.EventInterest:
		if e.Interested == c.Client.Choking {
			s.chokeDirty = true
		}
	case peer.EventPort:
		if e.Port != 0 {
			s.discovery.Port(c.Addr.Addr(), e.Port)
		}
	case peer.EventExtended:
		addr := c.Addr
		if !c.Outgoing && e.Port != 0 {
			addr = netip.AddrPortFrom(c.Addr.Addr(), e.Port)
			s.known.Find(addr, c.Peer.Handshake.Id, e.Version,
				known.Heard, now)
			if e.First {
				s.pex.Announce(pex.Peer{Addr: addr})
			}
		} else if c.Outgoing {
			s.known.Find(addr, c.Peer.Handshake.Id, e.Version,
				known.None, now)
		}
	case peer.EventCandidates:
		for _, p := range e.Peers {
			s.known.Find(p.Addr, hash.Hash{}, "", known.PEX, now)
		}
	case peer.EventUploadOnly:
		c.Log().Debug().Bool("uploadOnly", e.UploadOnly).Msg("upload only")
	default:
		c.Log().Error().Type("event", e).Msg("unknown event")
	}
}

func (s *Swarm) noteAvailable(index int, have bool) {
	if index < 0 || index >= len(s.available) {
		return
	}
	if have {
		s.available[index]++
	} else if s.available[index] > 0 {
		s.available[index]--
	}
}

func (s *Swarm) noteInFlight(b requests.Block, add bool) {
	if add {
		s.inFlight[b]++
		return
	}
	n := s.inFlight[b]
	if n <= 1 {
		delete(s.inFlight, b)
	} else {
		s.inFlight[b] = n - 1
	}
}

// gotBlock accounts for a block arrival, and cancels the duplicate
// requests for it on all other connections once it is held.
func (s *Swarm) gotBlock(c *peer.Conn, e peer.EventBlock, now time.Time) {
	if e.Requested {
		s.noteInFlight(e.Block, false)
	}
	if e.Err != nil {
		c.Log().Warn().Err(e.Err).Uint32("index", e.Block.Index).
			Msg("store")
		if errors.Is(e.Err, storage.ErrHashMismatch) {
			s.known.Find(c.Addr, c.Peer.Handshake.Id, "",
				known.Bad, now)
		}
		return
	}
	b := e.Block
	if s.storage.SizeOfBlockNotYetHeld(b.Index, b.Begin, b.Length) == 0 {
		for _, d := range s.conns {
			if d != c && d.CancelRequest(b) {
				s.noteInFlight(b, false)
			}
		}
	}
	if e.Verified {
		s.pieceVerified(e.Block.Index, now)
	}
}

func (s *Swarm) pieceVerified(index uint32, now time.Time) {
	s.events.post(PieceVerified{Hash: s.Hash, Index: index})
	for _, c := range s.conns {
		c.NoteLocalHave(index)
	}
	if s.storage.Missing() == 0 {
		s.updateMode()
	}
}

func (s *Swarm) metadataKnown(now time.Time) {
	if !s.meta.Known() {
		s.log.Warn().Msg("metadata not known")
		return
	}
	if s.available == nil {
		s.available = make([]uint16, s.meta.NumPieces())
	}
	for _, c := range s.conns {
		c.MetadataKnown()
		s.drain(c, now)
	}
	s.updateMode()
	s.log.Info().Int("pieces", s.meta.NumPieces()).
		Int("missing", s.storage.Missing()).Msg("metadata known")
}

func (s *Swarm) dropPiece(index uint32, now time.Time) {
	if !s.meta.Known() || int64(index) >= int64(s.meta.NumPieces()) {
		return
	}
	complete := s.storage.Complete(index)
	s.storage.Drop(index)
	if !complete {
		return
	}
	wasOff := s.mode == Off
	for _, c := range s.conns {
		err := s.dontHave.Send(c, index)
		if err != nil {
			c.Log().Debug().Err(err).Msg("DontHave")
		}
		if wasOff {
			err = s.uploadOnly.Send(c, false)
			if err != nil {
				c.Log().Debug().Err(err).Msg("UploadOnly")
			}
		}
	}
	s.updateMode()
}

// maintain performs connectivity maintenance.
func (s *Swarm) maintain(ctx context.Context, now time.Time) {
	for _, c := range s.conns {
		if c.State() != peer.Established {
			continue
		}
		if now.Sub(c.LastRead()) > s.cfg.IdleTimeout {
			c.Log().Debug().Msg("idle")
			c.Close(&peer.Failure{Kind: peer.Transport, Err: ErrIdle})
			continue
		}
		if now.Sub(c.LastWrite()) > s.cfg.KeepaliveInterval &&
			c.Queued() == 0 && !c.Stream().Writing() {
			c.Send(protocol.KeepAlive{})
		}
		c.ExpireRequests(now)
		s.drain(c, now)
	}

	if now.Sub(s.lastMaintenance) < maintenanceInterval {
		return
	}
	s.lastMaintenance = now
	s.known.Expire(now)
	s.maybeConnect(ctx, now)
}

// maybeConnect dials candidates when we have too few connections, and
// asks discovery for more when we run out of candidates.
func (s *Swarm) maybeConnect(ctx context.Context, now time.Time) {
	count := len(s.conns) + len(s.dialing)
	if count >= s.cfg.MinPeers || s.paused {
		return
	}
	addrs := s.known.Candidates(s.cfg.MinPeers-count, now,
		func(kp *known.Peer) bool {
			if s.dialing[kp.Addr] {
				return true
			}
			for _, c := range s.conns {
				if c.Addr == kp.Addr ||
					!kp.Id.IsZero() && c.Peer.Handshake.Id == kp.Id {
					return true
				}
			}
			return false
		})
	for _, a := range addrs {
		s.dialing[a] = true
		go s.dial(ctx, a)
	}
	if len(s.conns)+len(s.dialing) < s.cfg.MinPeers && !s.discovering {
		s.discovering = true
		want := s.cfg.MinPeers - len(s.conns) - len(s.dialing)
		go func() {
			addrs := s.discovery.Candidates(ctx, s.Hash, want)
			s.Submit(ctx, candidates{addrs: addrs})
		}()
	}
}

// dial connects to a candidate and hands the connection to the swarm.
// It runs in its own goroutine.
func (s *Swarm) dial(ctx context.Context, addr netip.AddrPort) {
	conn, err := s.dialer.Dial(ctx, addr)
	if err != nil {
		s.Submit(ctx, dialFailed{addr: addr, err: err})
		return
	}
	result, init, err :=
		protocol.ClientHandshake(conn, s.Hash, s.MyId, s.dht)
	if err != nil {
		conn.Close()
		s.Submit(ctx, dialFailed{addr: addr, err: err})
		return
	}
	err = s.Submit(ctx, AddConn{
		Conn:     conn,
		Result:   result,
		Init:     init,
		Addr:     addr,
		Outgoing: true,
	})
	if err != nil {
		conn.Close()
	}
}
