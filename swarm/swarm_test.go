package swarm

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jech/peerwire/config"
	"github.com/jech/peerwire/hash"
	"github.com/jech/peerwire/peer"
	"github.com/jech/peerwire/peer/requests"
	"github.com/jech/peerwire/protocol"
	"github.com/jech/peerwire/storage"
)

// memConn is a net.Conn whose reads come from in and whose writes go to
// out.
type memConn struct {
	in, out bytes.Buffer
	addr    netip.AddrPort
	eof     bool
	closed  bool
}

func (c *memConn) Read(b []byte) (int, error) {
	if c.in.Len() == 0 {
		if c.eof || c.closed {
			return 0, io.EOF
		}
		return 0, os.ErrDeadlineExceeded
	}
	return c.in.Read(b)
}

func (c *memConn) Write(b []byte) (int, error) {
	if c.closed {
		return 0, net.ErrClosed
	}
	return c.out.Write(b)
}

func (c *memConn) Close() error {
	c.closed = true
	return nil
}

func (c *memConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(192, 0, 2, 100), Port: 6881}
}

func (c *memConn) RemoteAddr() net.Addr {
	return net.TCPAddrFromAddrPort(c.addr)
}

func (c *memConn) SetDeadline(t time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *memConn) send(ms ...protocol.Message) {
	for _, m := range ms {
		c.in.Write(protocol.AppendFrame(nil, m))
	}
}

func (c *memConn) received(t *testing.T) []protocol.Message {
	t.Helper()
	var ms []protocol.Message
	buf := c.out.Bytes()
	for len(buf) > 0 {
		m, n, err := protocol.Decode(buf, config.MaxFrameSize)
		require.NoError(t, err)
		ms = append(ms, m)
		buf = buf[n:]
	}
	c.out.Reset()
	return ms
}

// testPieceSize makes pieces two blocks long.
const testPieceSize = 2 * config.ChunkSize

type testSwarm struct {
	*Swarm
	data   []byte
	info   *storage.Info
	store  *storage.Memory
	events *Events
	now    time.Time
}

func newTestSwarm(t *testing.T, pieces int, held ...int) *testSwarm {
	ts := &testSwarm{now: time.Now(), events: NewEvents(64)}
	// the last piece is one block long
	ts.data = make([]byte, pieces*int(testPieceSize)-int(config.ChunkSize))
	rand.New(rand.NewSource(7)).Read(ts.data)
	info, ih, err := storage.Describe("test", ts.data, testPieceSize)
	require.NoError(t, err)
	ts.info = info
	ts.store = storage.NewMemory(info)
	t.Cleanup(ts.store.Close)
	for _, i := range held {
		for _, b := range ts.blocksOf(uint32(i)) {
			_, err := ts.store.StorePieceBlock(b.Index, b.Begin,
				ts.blockData(b))
			require.NoError(t, err)
		}
	}

	s, err := New(Options{
		Hash:     ih,
		Name:     "test",
		Config:   config.Default(),
		Metadata: info,
		Storage:  ts.store,
		Events:   ts.events,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.poller.Close() })
	s.now = func() time.Time { return ts.now }
	ts.Swarm = s
	s.metadataKnown(ts.now)
	return ts
}

func (ts *testSwarm) blocksOf(index uint32) []requests.Block {
	var bs []requests.Block
	pl := ts.info.PieceLength(index)
	for begin := uint32(0); begin < pl; begin += config.ChunkSize {
		bs = append(bs, requests.Block{
			Index: index, Begin: begin, Length: config.ChunkSize,
		})
	}
	return bs
}

func (ts *testSwarm) blockData(b requests.Block) []byte {
	off := int64(b.Index)*int64(testPieceSize) + int64(b.Begin)
	return ts.data[off : off+int64(b.Length)]
}

// connect adds an outgoing connection to the swarm, and discards the
// initial messages.
func (ts *testSwarm) connect(t *testing.T, id byte) (*memConn, *peer.Conn) {
	t.Helper()
	mc := &memConn{
		addr: netip.AddrPortFrom(
			netip.AddrFrom4([4]byte{192, 0, 2, id}), 6881),
	}
	n := len(ts.conns)
	ts.addConn(AddConn{
		Conn: mc,
		Result: protocol.HandshakeResult{
			Hash: ts.Hash, Id: hash.Hash{id},
		},
		Addr:     mc.addr,
		Outgoing: true,
	}, ts.now)
	require.Len(t, ts.conns, n+1)
	c := ts.conns[n]
	require.NoError(t, c.Flush(ts.now))
	mc.received(t)
	return mc, c
}

// feed delivers messages to a connection and processes its events.
func (ts *testSwarm) feed(t *testing.T, mc *memConn, c *peer.Conn, ms ...protocol.Message) {
	t.Helper()
	mc.send(ms...)
	require.NoError(t, c.Fill(ts.now))
	ts.drain(c, ts.now)
}

func (ts *testSwarm) nextEvent() Event {
	for {
		ev, ok := ts.events.Next()
		if !ok {
			return nil
		}
		if _, ok := ev.(PeerAdded); !ok {
			return ev
		}
	}
}

func requested(ms []protocol.Message) []requests.Block {
	var bs []requests.Block
	for _, m := range ms {
		if r, ok := m.(protocol.Request); ok {
			bs = append(bs, requests.Block{
				Index: r.Index, Begin: r.Begin, Length: r.Length,
			})
		}
	}
	return bs
}

func TestBlocks(t *testing.T) {
	ts := newTestSwarm(t, 3)
	assert.Equal(t, []requests.Block{
		{Index: 1, Begin: 0, Length: config.ChunkSize},
		{Index: 1, Begin: config.ChunkSize, Length: config.ChunkSize},
	}, ts.blocks(1))
	assert.Equal(t, []requests.Block{
		{Index: 2, Begin: 0, Length: config.ChunkSize},
	}, ts.blocks(2))
}

func TestMode(t *testing.T) {
	ts := newTestSwarm(t, 8)
	assert.Equal(t, Normal, ts.mode)

	ts = newTestSwarm(t, 4, 0, 1, 2)
	assert.Equal(t, Endgame, ts.mode)
	ev, ok := ts.nextEvent().(EndgameEntered)
	require.True(t, ok)
	assert.Equal(t, 1, ev.Missing)

	ts = newTestSwarm(t, 2, 0, 1)
	assert.Equal(t, Off, ts.mode)
}

func TestAddConnRejects(t *testing.T) {
	ts := newTestSwarm(t, 4)
	ts.connect(t, 1)

	add := func(result protocol.HandshakeResult) *memConn {
		mc := &memConn{addr: netip.MustParseAddrPort("192.0.2.50:6881")}
		ts.addConn(AddConn{Conn: mc, Result: result, Addr: mc.addr},
			ts.now)
		return mc
	}
	mc := add(protocol.HandshakeResult{Hash: hash.Hash{1}, Id: hash.Hash{2}})
	assert.True(t, mc.closed)
	mc = add(protocol.HandshakeResult{Hash: ts.Hash, Id: ts.MyId})
	assert.True(t, mc.closed)
	mc = add(protocol.HandshakeResult{Hash: ts.Hash, Id: hash.Hash{1}})
	assert.True(t, mc.closed)
	assert.Len(t, ts.conns, 1)

	ts.cfg.MaxPeers = 1
	mc = add(protocol.HandshakeResult{Hash: ts.Hash, Id: hash.Hash{3}})
	assert.True(t, mc.closed)
	assert.Len(t, ts.conns, 1)
}

func TestRequestDisjoint(t *testing.T) {
	ts := newTestSwarm(t, 9)
	ts.cfg.PipelineDepth = 4
	require.Equal(t, Normal, ts.mode)

	mca, a := ts.connect(t, 1)
	mcb, b := ts.connect(t, 2)
	all := []byte{0xFF, 0x80}
	ts.feed(t, mca, a, protocol.Bitfield{Bitfield: all}, protocol.Unchoke{})
	ts.feed(t, mcb, b, protocol.Bitfield{Bitfield: all}, protocol.Unchoke{})
	require.True(t, a.Client.Interested)
	require.True(t, b.Client.Interested)

	ts.request(a, ts.now)
	ts.request(b, ts.now)
	require.NoError(t, a.Flush(ts.now))
	require.NoError(t, b.Flush(ts.now))
	ra := requested(mca.received(t))
	rb := requested(mcb.received(t))
	require.Len(t, ra, 4)
	require.Len(t, rb, 4)
	for _, blk := range ra {
		assert.NotContains(t, rb, blk)
		assert.Equal(t, 1, ts.inFlight[blk])
	}
	// equal availability, so pieces are taken in index order
	assert.Equal(t, uint32(0), ra[0].Index)
	assert.Equal(t, uint32(2), rb[0].Index)
}

func TestRequestRarest(t *testing.T) {
	ts := newTestSwarm(t, 3)
	mca, a := ts.connect(t, 1)
	mcb, b := ts.connect(t, 2)
	// a has pieces 1 and 2, b has piece 2
	ts.feed(t, mca, a, protocol.Bitfield{Bitfield: []byte{0x60}})
	ts.feed(t, mcb, b, protocol.Bitfield{Bitfield: []byte{0x20}})
	assert.Equal(t, []uint16{0, 1, 2}, ts.available)

	ts.feed(t, mca, a, protocol.Unchoke{})
	ts.request(a, ts.now)
	require.NoError(t, a.Flush(ts.now))
	ra := requested(mca.received(t))
	require.NotEmpty(t, ra)
	assert.Equal(t, uint32(1), ra[0].Index)
}

func TestEndgameCancel(t *testing.T) {
	ts := newTestSwarm(t, 4, 0, 1, 2)
	require.Equal(t, Endgame, ts.mode)

	mca, a := ts.connect(t, 1)
	mcb, b := ts.connect(t, 2)
	ts.feed(t, mca, a, protocol.Bitfield{Bitfield: []byte{0xF0}}, protocol.Unchoke{})
	ts.feed(t, mcb, b, protocol.Bitfield{Bitfield: []byte{0xF0}}, protocol.Unchoke{})

	ts.request(a, ts.now)
	ts.request(b, ts.now)
	blk := requests.Block{Index: 3, Begin: 0, Length: config.ChunkSize}
	assert.True(t, a.Client.Requests.Has(blk))
	assert.True(t, b.Client.Requests.Has(blk))
	assert.Equal(t, 2, ts.inFlight[blk])
	require.NoError(t, a.Flush(ts.now))
	require.NoError(t, b.Flush(ts.now))
	mca.received(t)
	mcb.received(t)

	ts.feed(t, mca, a, protocol.Piece{
		Index: 3, Begin: 0, Data: ts.blockData(blk),
	})
	assert.False(t, b.Client.Requests.Has(blk))
	_, ok := ts.inFlight[blk]
	assert.False(t, ok)

	require.NoError(t, b.Flush(ts.now))
	ms := mcb.received(t)
	require.Contains(t, ms, protocol.Message(protocol.Cancel{
		Index: 3, Begin: 0, Length: config.ChunkSize,
	}))

	// the piece was complete, so everyone learns about it
	assert.Equal(t, Off, ts.mode)
	var verified, completed bool
	for ev := ts.nextEvent(); ev != nil; ev = ts.nextEvent() {
		switch ev := ev.(type) {
		case PieceVerified:
			verified = ev.Index == 3
		case Completed:
			completed = true
		}
	}
	assert.True(t, verified)
	assert.True(t, completed)
}

func TestDropPiece(t *testing.T) {
	ts := newTestSwarm(t, 2, 0, 1)
	require.Equal(t, Off, ts.mode)
	ts.dropPiece(1, ts.now)
	assert.False(t, ts.store.Complete(1))
	assert.Equal(t, Endgame, ts.mode)
}

func TestChoke(t *testing.T) {
	ts := newTestSwarm(t, 4, 0, 1, 2, 3)
	var conns []*peer.Conn
	for i := 1; i <= 7; i++ {
		mc, c := ts.connect(t, byte(i))
		ts.feed(t, mc, c, protocol.Interested{})
		conns = append(conns, c)
	}
	ts.maybeUnchoke(ts.now, true)
	unchoked := func() int {
		n := 0
		for _, c := range conns {
			if !c.Client.Choking {
				n++
			}
		}
		return n
	}
	assert.Equal(t, ts.cfg.UnchokeSlots+1, unchoked())
	require.NotNil(t, ts.optimistic)
	assert.False(t, ts.optimistic.Client.Choking)

	// a peer that loses interest is choked and its slot refilled
	var victim *peer.Conn
	for _, c := range conns {
		if !c.Client.Choking {
			victim = c
			break
		}
	}
	victim.Peer.Interested = false
	ts.maybeUnchoke(ts.now, false)
	assert.True(t, victim.Client.Choking)
	assert.Equal(t, ts.cfg.UnchokeSlots+1, unchoked())
}

func TestServe(t *testing.T) {
	ts := newTestSwarm(t, 2, 0, 1)
	mc, c := ts.connect(t, 1)
	ts.feed(t, mc, c, protocol.Interested{})
	ts.maybeUnchoke(ts.now, true)
	require.False(t, c.Client.Choking)

	blk := requests.Block{Index: 1, Begin: 0, Length: config.ChunkSize}
	ts.feed(t, mc, c, protocol.Request{
		Index: blk.Index, Begin: blk.Begin, Length: blk.Length,
	})
	ts.serve(ts.now)
	require.NoError(t, c.Flush(ts.now))
	var found bool
	for _, m := range mc.received(t) {
		if p, ok := m.(protocol.Piece); ok {
			assert.Equal(t, ts.blockData(blk), p.Data)
			found = true
		}
	}
	assert.True(t, found)
}

func TestReap(t *testing.T) {
	ts := newTestSwarm(t, 5)
	mc, c := ts.connect(t, 1)
	ts.feed(t, mc, c, protocol.Bitfield{Bitfield: []byte{0xF8}})
	assert.Equal(t, []uint16{1, 1, 1, 1, 1}, ts.available)

	mc.eof = true
	c.Fill(ts.now)
	ts.reap(ts.now)
	assert.Empty(t, ts.conns)
	assert.Equal(t, []uint16{0, 0, 0, 0, 0}, ts.available)
	_, ok := ts.nextEvent().(PeerFailed)
	assert.True(t, ok)
}

func TestStatus(t *testing.T) {
	ts := newTestSwarm(t, 8, 0)
	ts.connect(t, 1)
	ts.publish(ts.now, true)
	st := ts.Status()
	require.NotNil(t, st)
	assert.Equal(t, ts.Hash.String(), st.Hash)
	assert.Equal(t, 8, st.Pieces)
	assert.Equal(t, 7, st.Missing)
	assert.Equal(t, "normal", st.Mode)
	assert.Len(t, st.Peers, 1)
}

func TestRun(t *testing.T) {
	ts := newTestSwarm(t, 4)
	ts.cfg.MinPeers = 0
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- ts.Run(ctx)
	}()
	require.NoError(t, ts.Submit(ctx, Pause{}))
	require.NoError(t, ts.Submit(ctx, SetPolicy{Policy: Streaming}))
	require.NoError(t, ts.Submit(ctx, Resume{}))
	require.NoError(t, ts.Submit(ctx, Stop{}))
	require.NoError(t, <-errc)

	<-ts.Done()
	assert.Nil(t, Get(ts.Hash))
	assert.ErrorIs(t, ts.Submit(ctx, Pause{}), ErrStopped)
	st := ts.Status()
	require.NotNil(t, st)
	assert.Equal(t, "streaming", st.Policy)

	for {
		ev, err := ts.events.Wait(ctx)
		require.NoError(t, err)
		if ev, ok := ev.(Stopped); ok {
			assert.NoError(t, ev.Err)
			break
		}
	}
}

func TestRunTwice(t *testing.T) {
	ts := newTestSwarm(t, 4)
	ts.cfg.MinPeers = 0
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- ts.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return Get(ts.Hash) != nil
	}, 5*time.Second, 10*time.Millisecond)

	other, err := New(Options{
		Hash:     ts.Hash,
		Config:   config.Default(),
		Metadata: ts.info,
		Storage:  ts.store,
		Events:   NewEvents(4),
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.ErrorIs(t, other.Run(ctx), os.ErrExist)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
}
