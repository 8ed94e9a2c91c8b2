// Package peer implements the state machine of a single peer-wire
// connection.  A Conn is owned by the event loop of one swarm, which
// feeds it readiness and drains its events; it is not thread-safe.
package peer

import (
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jech/peerwire/bitmap"
	"github.com/jech/peerwire/config"
	"github.com/jech/peerwire/hash"
	"github.com/jech/peerwire/peer/requests"
	"github.com/jech/peerwire/protocol"
	"github.com/jech/peerwire/rate"
	"github.com/jech/peerwire/stream"
)

var peerCounter uint32

// State is the state of a connection.
type State int

const (
	Handshaking State = iota
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state %d", int(s))
	}
}

// Kind classifies connection failures.
type Kind int

const (
	Transport Kind = iota
	Framing
	Protocol
	Validation
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Framing:
		return "framing"
	case Protocol:
		return "protocol"
	case Validation:
		return "validation"
	default:
		return fmt.Sprintf("kind %d", int(k))
	}
}

// Failure is the reason a connection was closed.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	return f.Kind.String() + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func fail(kind Kind, err error) *Failure {
	return &Failure{Kind: kind, Err: err}
}

// classify turns an arbitrary error into a Failure.
func classify(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	var pe *protocol.ParseError
	if errors.Is(err, protocol.ErrFrameTooLarge) || errors.As(err, &pe) {
		return fail(Framing, err)
	}
	var ve *protocol.ValidationError
	if errors.As(err, &ve) {
		return fail(Validation, err)
	}
	return fail(Transport, err)
}

var (
	ErrClosed            = errors.New("connection is closed")
	ErrNotHandshaking    = errors.New("connection already started")
	ErrDuplicateBitfield = errors.New("duplicate bitfield")
	ErrExtensionDisabled = errors.New("extended message without extension protocol")
	ErrUnknownExtension  = errors.New("unknown extension subtype")
	ErrUnsupported       = errors.New("extension not supported by peer")
	ErrRequestTooLarge   = errors.New("request too large")
	ErrTooManyPending    = errors.New("too many Haves before metadata")
)

// maxRequestLength is the largest block a peer may request.
const maxRequestLength = 128 * 1024

// Metadata describes the pieces of a torrent.  Nothing but Known may be
// called until Known returns true, after which the values never change.
type Metadata interface {
	Known() bool
	NumPieces() int
	PieceSize() uint32
	PieceLength(index uint32) uint32
	Hash(index uint32) hash.Hash
}

// Storage holds the data of a torrent.
type Storage interface {
	// StorePieceBlock stores a block.  It returns true if this
	// completed the piece and the piece was verified.
	StorePieceBlock(index, begin uint32, data []byte) (bool, error)
	// SizeOfBlockNotYetHeld returns how many bytes of the block
	// are not held yet.
	SizeOfBlockNotYetHeld(index, begin, length uint32) uint32
	Complete(index uint32) bool
	// ReadBlock copies a block of a complete piece into buf.
	ReadBlock(index, begin uint32, buf []byte) error
	// Bitmap returns a copy of the set of complete pieces.
	Bitmap() *bitmap.Bitmap
	// Missing returns the number of pieces not complete yet.
	Missing() int
}

// PeerState is the state of one side of a connection.  For the client
// side, Choking means that we are choking the peer; for the peer side,
// it means that the peer is choking us.
type PeerState struct {
	Choking           bool
	Interested        bool
	Available         *bitmap.Bitmap
	Handshake         protocol.HandshakeResult
	ExtendedHandshake *protocol.ExtendedHandshake
	Requests          requests.Requests
	// Haves received before metadata was known.
	Pending []uint32
}

// Options are the parameters of a new connection.
type Options struct {
	Config     *config.Swarm
	Metadata   Metadata
	Storage    Storage
	Extensions []Extension
	// Id is our peer id.
	Id       hash.Hash
	Addr     netip.AddrPort
	Outgoing bool
	// DHT is true if we advertised DHT in our handshake.
	DHT bool
	// Port is announced in the Port message and the extension
	// handshake.
	Port   uint16
	Logger zerolog.Logger
}

// Conn is one peer-wire connection.
type Conn struct {
	Counter  uint32
	Addr     netip.AddrPort
	Outgoing bool

	Client PeerState
	Peer   PeerState

	state   State
	failure *Failure
	stream  *stream.Stream
	in, out stream.Queue

	cfg     *config.Swarm
	meta    Metadata
	storage Storage
	exts    []Extension
	dht     bool
	port    uint16

	gotBitfield bool
	// indexes in Peer.Pending
	pending map[uint32]struct{}

	download    rate.Estimator
	avgDownload rate.Estimator
	upload      rate.Estimator
	rtt, rttvar time.Duration

	created     time.Time
	lastRead    time.Time
	lastWrite   time.Time
	unchokeTime time.Time

	events []Event
	log    zerolog.Logger
}

// New creates a connection over conn, whose wire handshake has
// completed with result hs.  Init holds any bytes read past the
// handshake.
func New(conn stream.Conn, init []byte, hs protocol.HandshakeResult,
	opts Options, now time.Time) *Conn {
	counter := atomic.AddUint32(&peerCounter, 1)
	c := &Conn{
		Counter:  counter,
		Addr:     opts.Addr,
		Outgoing: opts.Outgoing,
		stream:   stream.New(conn, init, opts.Config, now),
		cfg:      opts.Config,
		meta:     opts.Metadata,
		storage:  opts.Storage,
		exts:     opts.Extensions,
		dht:      opts.DHT,
		port:     opts.Port,
		created:  now,
		log: opts.Logger.With().
			Uint32("peer", counter).
			Str("addr", opts.Addr.String()).
			Logger(),
	}
	c.Client.Choking = true
	c.Client.Handshake = protocol.HandshakeResult{
		Hash:     hs.Hash,
		Id:       opts.Id,
		Dht:      opts.DHT,
		Extended: true,
	}
	c.Peer.Choking = true
	c.Peer.Handshake = hs

	c.download.Init(3*time.Second, now)
	c.avgDownload.Init(10*time.Second, now)
	c.avgDownload.Start(now)
	c.upload.Init(5*time.Second, now)
	return c
}

func (c *Conn) State() State {
	return c.state
}

// Failure returns the reason the connection was closed, or nil.
func (c *Conn) Failure() error {
	if c.failure == nil {
		return nil
	}
	return c.failure
}

func (c *Conn) Log() *zerolog.Logger {
	return &c.log
}

func (c *Conn) Stream() *stream.Stream {
	return c.stream
}

func (c *Conn) Created() time.Time {
	return c.created
}

func (c *Conn) LastRead() time.Time {
	return c.lastRead
}

func (c *Conn) LastWrite() time.Time {
	return c.lastWrite
}

func (c *Conn) UnchokeTime() time.Time {
	return c.unchokeTime
}

// Queued returns the number of messages waiting to be written.
func (c *Conn) Queued() int {
	return c.out.Len()
}

// WantsWrite returns true if there is something to write.
func (c *Conn) WantsWrite() bool {
	return c.out.Len() > 0 || c.stream.Writing()
}

func (c *Conn) DownloadRate(now time.Time) float64 {
	return c.download.Estimate(now)
}

func (c *Conn) AvgDownloadRate(now time.Time) float64 {
	return c.avgDownload.Estimate(now)
}

func (c *Conn) UploadRate(now time.Time) float64 {
	return c.upload.Estimate(now)
}

// Events returns and clears the events accumulated since the last call.
func (c *Conn) Events() []Event {
	ev := c.events
	c.events = nil
	return ev
}

// Emit queues an event for the owning swarm.
func (c *Conn) Emit(e Event) {
	c.events = append(c.events, e)
}

func (c *Conn) numPieces() int {
	if c.meta == nil || !c.meta.Known() {
		return -1
	}
	return c.meta.NumPieces()
}

// Seeding returns true if we hold every piece.
func (c *Conn) Seeding() bool {
	return c.storage.Missing() == 0
}

// Start sends the initial messages and enters the Established state.
// Any frames received together with the handshake are dispatched.
func (c *Conn) Start(now time.Time) error {
	if c.state != Handshaking {
		return ErrNotHandshaking
	}
	c.state = Established
	c.lastRead = now
	c.lastWrite = now

	if c.Peer.Handshake.Extended {
		err := c.SendExtendedHandshake()
		if err != nil {
			return c.Close(fail(Transport, err))
		}
	}
	if c.dht && c.Peer.Handshake.Dht && c.port != 0 {
		c.Send(protocol.Port{Port: c.port})
	}
	if c.numPieces() >= 0 {
		c.Client.Available = c.storage.Bitmap()
		if !c.Client.Available.Empty() {
			c.Send(protocol.Bitfield{
				Bitfield: c.Client.Available.Copy().Bytes(),
			})
		}
	}

	err := c.stream.Decode(&c.in)
	if err != nil {
		return c.Close(classify(err))
	}
	return c.Dispatch(now)
}

// Send queues a message.  The data of a Piece message belongs to the
// connection once Send is called.
func (c *Conn) Send(m protocol.Message) error {
	if c.state == Closed {
		if p, ok := m.(protocol.Piece); ok {
			protocol.PutBuffer(p.Data)
		}
		return ErrClosed
	}
	if config.Debug {
		c.log.Debug().Str("msg", protocol.Format(m)).Msg("->")
	}
	c.out.Push(m)
	return nil
}

// Fill reads from the network and dispatches the frames received.
func (c *Conn) Fill(now time.Time) error {
	if c.state == Closed {
		return ErrClosed
	}
	n, err := c.stream.Fill(now, &c.in)
	if n > 0 {
		c.lastRead = now
	}
	derr := c.Dispatch(now)
	if derr != nil {
		return derr
	}
	if err != nil {
		return c.Close(classify(err))
	}
	return nil
}

// Flush writes queued messages to the network.
func (c *Conn) Flush(now time.Time) error {
	if c.state == Closed {
		return ErrClosed
	}
	n, err := c.stream.Flush(now, &c.out)
	if n > 0 {
		c.lastWrite = now
	}
	if err != nil {
		return c.Close(fail(Transport, err))
	}
	return nil
}

// Dispatch processes every frame in the inbound queue.  Any failure
// closes the connection and is returned.
func (c *Conn) Dispatch(now time.Time) error {
	for c.state == Established {
		m, ok := c.in.Pop()
		if !ok {
			break
		}
		if config.Debug {
			c.log.Debug().Str("msg", protocol.Format(m)).Msg("<-")
		}
		err := c.handle(m, now)
		if err != nil {
			return c.Close(classify(err))
		}
	}
	return nil
}

// Close closes the connection, recording failure as the reason if it is
// not nil.  The client's outstanding requests are reported in an
// EventDropped.  It returns the failure.
func (c *Conn) Close(failure *Failure) error {
	if c.state == Closed {
		return c.Failure()
	}
	c.state = Closed
	c.failure = failure
	if failure != nil {
		c.log.Debug().Err(failure).Msg("connection failed")
	}
	c.stream.Close()
	c.in.Clear()
	c.out.Clear()
	c.dropRequests()
	c.Peer.Requests.Clear(nil)
	for _, ext := range c.exts {
		if f, ok := ext.(Forgetter); ok {
			f.Forget(c)
		}
	}
	return c.Failure()
}

func (c *Conn) dropRequests() {
	var dropped []requests.Block
	c.Client.Requests.Clear(func(b requests.Block) {
		dropped = append(dropped, b)
	})
	if len(dropped) > 0 {
		c.Emit(EventDropped{Blocks: dropped})
	}
}

// wants returns true if the peer has a piece that we lack.
func (c *Conn) wants() bool {
	n := c.numPieces()
	if n < 0 || c.Peer.Available == nil {
		return false
	}
	want := false
	c.Peer.Available.Range(func(i int) bool {
		if i >= n {
			return false
		}
		if !c.Client.Available.Get(i) {
			want = true
			return false
		}
		return true
	})
	return want
}

func (c *Conn) evaluateInterest() {
	c.SetInterested(c.wants())
}

// SetInterested tells the peer whether we are interested.
func (c *Conn) SetInterested(interested bool) {
	if c.state != Established || c.Client.Interested == interested {
		return
	}
	c.Client.Interested = interested
	if interested {
		c.Send(protocol.Interested{})
	} else {
		c.Send(protocol.NotInterested{})
	}
}

// SetChoking chokes or unchokes the peer.  Choking discards the peer's
// outstanding requests, including any blocks queued but not sent yet.
func (c *Conn) SetChoking(choke bool, now time.Time) {
	if c.state != Established || c.Client.Choking == choke {
		return
	}
	c.Client.Choking = choke
	if choke {
		c.Peer.Requests.Clear(nil)
		c.out.Remove(func(m protocol.Message) bool {
			p, ok := m.(protocol.Piece)
			if ok {
				protocol.PutBuffer(p.Data)
			}
			return ok
		})
		c.upload.Stop()
		c.Send(protocol.Choke{})
	} else {
		c.unchokeTime = now
		c.upload.Start(now)
		c.Send(protocol.Unchoke{})
	}
}

// Request asks the peer for a block.  It returns false if the peer is
// choking us or the block is already requested on this connection.
func (c *Conn) Request(b requests.Block, now time.Time) bool {
	if c.state != Established || c.Peer.Choking {
		return false
	}
	if !c.Client.Requests.Add(b, now) {
		return false
	}
	c.download.Start(now)
	c.Send(protocol.Request{
		Index: b.Index, Begin: b.Begin, Length: b.Length,
	})
	return true
}

// CancelRequest withdraws a request.  If the request is still queued it
// is simply removed, otherwise a Cancel is sent.
func (c *Conn) CancelRequest(b requests.Block) bool {
	found, _ := c.Client.Requests.Del(b)
	if !found {
		return false
	}
	r := protocol.Request{Index: b.Index, Begin: b.Begin, Length: b.Length}
	n := c.out.Remove(func(m protocol.Message) bool {
		q, ok := m.(protocol.Request)
		return ok && q == r
	})
	if n == 0 {
		c.Send(protocol.Cancel{
			Index: b.Index, Begin: b.Begin, Length: b.Length,
		})
	}
	return true
}

// ExpireRequests cancels requests that have been outstanding for longer
// than the request timeout, and drops them a little later.
func (c *Conn) ExpireRequests(now time.Time) {
	timeout := c.cfg.RequestTimeout
	var dropped []requests.Block
	c.Client.Requests.Expire(now.Add(-timeout), now.Add(-timeout/4), now,
		func(b requests.Block) {
			dropped = append(dropped, b)
		},
		func(b requests.Block) {
			c.Send(protocol.Cancel{
				Index: b.Index, Begin: b.Begin, Length: b.Length,
			})
		},
	)
	if len(dropped) > 0 {
		c.Emit(EventDropped{Blocks: dropped})
	}
}

// validateBlock checks a block against metadata, which must be known.
func (c *Conn) validateBlock(b requests.Block) error {
	n := c.meta.NumPieces()
	var size uint32
	if uint64(b.Index) < uint64(n) {
		size = c.meta.PieceLength(b.Index)
	}
	return protocol.ValidateBlock(b.Index, b.Begin, b.Length, n, size)
}

// MetadataKnown must be called when metadata becomes known.  It
// validates and installs the availability received earlier, and checks
// the requests the peer made in the meantime.
func (c *Conn) MetadataKnown() error {
	n := c.numPieces()
	if n < 0 || c.state == Closed {
		return nil
	}
	c.Client.Available = c.storage.Bitmap()

	if c.Peer.Available != nil {
		err := c.Peer.Available.Fits(n)
		if err != nil {
			return c.Close(fail(Validation,
				fmt.Errorf("bitfield: %w", err)))
		}
		a := bitmap.New(n)
		c.Peer.Available.Range(func(i int) bool {
			a.Set(i)
			return true
		})
		c.Peer.Available = a
	}
	for _, index := range c.Peer.Pending {
		err := protocol.ValidateIndex(index, n)
		if err != nil {
			return c.Close(classify(err))
		}
		if c.Peer.Available == nil {
			c.Peer.Available = bitmap.New(n)
		}
		c.Peer.Available.Set(int(index))
	}
	c.Peer.Pending = nil
	c.pending = nil

	var err error
	c.Peer.Requests.Range(func(r requests.Request) bool {
		err = c.validateBlock(r.Block)
		return err == nil
	})
	if err != nil {
		return c.Close(classify(err))
	}

	if c.Peer.Available != nil {
		c.Emit(EventBitfield{Bitmap: c.Peer.Available.Copy()})
	}
	c.evaluateInterest()
	return nil
}

// NoteLocalHave must be called when we complete a piece.
func (c *Conn) NoteLocalHave(index uint32) {
	if c.state == Closed {
		return
	}
	if c.Client.Available == nil {
		c.Client.Available = bitmap.New(c.meta.NumPieces())
	}
	c.Client.Available.Set(int(index))
	c.Send(protocol.Have{Index: index})
	if c.Client.Interested && !c.wants() {
		c.SetInterested(false)
	}
}

// NoteLocalDontHave must be called when we discard a piece that we had
// announced.
func (c *Conn) NoteLocalDontHave(index uint32) {
	if c.state == Closed || c.Client.Available == nil {
		return
	}
	c.Client.Available.Reset(int(index))
	c.evaluateInterest()
}

// NoteDontHave records that the peer no longer has a piece.
func (c *Conn) NoteDontHave(index uint32) error {
	n := c.numPieces()
	if n < 0 {
		for i, p := range c.Peer.Pending {
			if p == index {
				c.Peer.Pending = append(c.Peer.Pending[:i],
					c.Peer.Pending[i+1:]...)
				delete(c.pending, index)
				break
			}
		}
		return nil
	}
	err := protocol.ValidateIndex(index, n)
	if err != nil {
		return err
	}
	if c.Peer.Available.Get(int(index)) {
		c.Peer.Available.Reset(int(index))
		c.Emit(EventHave{Index: index, Have: false})
		c.evaluateInterest()
	} else {
		c.log.Debug().Uint32("index", index).Msg("redundant DontHave")
	}
	return nil
}

// PendingUpload returns the oldest block requested by the peer if it
// can be served now.
func (c *Conn) PendingUpload() (requests.Block, bool) {
	if c.state != Established || c.Client.Choking || c.numPieces() < 0 {
		return requests.Block{}, false
	}
	r, ok := c.Peer.Requests.First()
	if !ok {
		return requests.Block{}, false
	}
	return r.Block, true
}

// ServeRequest serves the oldest block requested by the peer.  Requests
// for pieces we don't have are discarded.  It returns the number of
// bytes queued.
func (c *Conn) ServeRequest(now time.Time) (int, error) {
	b, ok := c.PendingUpload()
	if !ok {
		return 0, nil
	}
	c.Peer.Requests.Del(b)
	if !c.storage.Complete(b.Index) {
		c.log.Debug().Stringer("block", b).
			Msg("request for missing piece")
		return 0, nil
	}
	buf := protocol.GetBuffer(int(b.Length))
	err := c.storage.ReadBlock(b.Index, b.Begin, buf)
	if err != nil {
		protocol.PutBuffer(buf)
		return 0, err
	}
	c.Send(protocol.Piece{Index: b.Index, Begin: b.Begin, Data: buf})
	c.upload.Accumulate(len(buf), now)
	return len(buf), nil
}

// Rtt returns the smoothed round-trip time of requests and its
// variance.
func (c *Conn) Rtt() (time.Duration, time.Duration) {
	return c.rtt, c.rttvar
}

func (c *Conn) noteRtt(delay time.Duration) {
	if c.rtt == 0 {
		c.rtt = delay
		c.rttvar = delay / 2
		return
	}
	diff := delay - c.rtt
	if diff < 0 {
		diff = -diff
	}
	c.rtt = (7*c.rtt + delay) / 8
	c.rttvar = (3*c.rttvar + diff) / 4
}

// Status is a snapshot of a connection for display.
type Status struct {
	Counter        uint32        `json:"counter"`
	Addr           string        `json:"addr"`
	Id             string        `json:"id"`
	Version        string        `json:"version,omitempty"`
	State          string        `json:"state"`
	Outgoing       bool          `json:"outgoing"`
	Choking        bool          `json:"choking"`
	Interested     bool          `json:"interested"`
	PeerChoking    bool          `json:"peerChoking"`
	PeerInterested bool          `json:"peerInterested"`
	Pieces         int           `json:"pieces"`
	Requests       int           `json:"requests"`
	PeerRequests   int           `json:"peerRequests"`
	Queued         int           `json:"queued"`
	Download       float64       `json:"download"`
	Upload         float64       `json:"upload"`
	Rtt            time.Duration `json:"rtt"`
	Stats          stream.Stats  `json:"stats"`
}

func (c *Conn) Status(now time.Time) Status {
	s := Status{
		Counter:        c.Counter,
		Addr:           c.Addr.String(),
		Id:             c.Peer.Handshake.Id.String(),
		State:          c.state.String(),
		Outgoing:       c.Outgoing,
		Choking:        c.Client.Choking,
		Interested:     c.Client.Interested,
		PeerChoking:    c.Peer.Choking,
		PeerInterested: c.Peer.Interested,
		Pieces:         c.Peer.Available.Count(),
		Requests:       c.Client.Requests.Len(),
		PeerRequests:   c.Peer.Requests.Len(),
		Queued:         c.out.Len(),
		Download:       c.avgDownload.Estimate(now),
		Rtt:            c.rtt,
		Stats:          c.stream.Stats(),
	}
	if c.upload.Running() {
		s.Upload = c.upload.Estimate(now)
	}
	if c.Peer.ExtendedHandshake != nil {
		s.Version = c.Peer.ExtendedHandshake.Version
	}
	return s
}
