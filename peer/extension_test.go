package peer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jech/peerwire/protocol"
)

type testExtension struct {
	name     string
	inits    int
	payloads [][]byte
	forgot   int
	pending  bool
	ticks    int
	fail     error
}

func (e *testExtension) Name() string     { return e.name }
func (e *testExtension) Describe() string { return "test extension" }

func (e *testExtension) HandshakeKeys(c *Conn, h *protocol.ExtendedHandshake) error {
	return h.SetBool("x_"+e.name, true)
}

func (e *testExtension) Init(c *Conn) error {
	e.inits++
	return nil
}

func (e *testExtension) Handle(c *Conn, payload []byte) error {
	e.payloads = append(e.payloads, payload)
	return e.fail
}

func (e *testExtension) Forget(c *Conn) {
	e.forgot++
}

func (e *testExtension) Pending(c *Conn, now time.Time) bool {
	return e.pending
}

func (e *testExtension) Tick(c *Conn, now time.Time) error {
	e.ticks++
	e.pending = false
	return nil
}

func handshakePayload(t *testing.T, m map[string]uint8) []byte {
	h := &protocol.ExtendedHandshake{Messages: m, Version: "remote 1.0"}
	b, err := h.Encode()
	require.NoError(t, err)
	return b
}

func TestExtendedHandshake(t *testing.T) {
	a := &testExtension{name: "a"}
	b := &testExtension{name: "b"}
	f := newFixture(t, true, a, b)
	require.NoError(t, f.c.Start(f.now))
	require.NoError(t, f.c.Flush(f.now))
	ms := f.conn.received(t)
	h, err := protocol.ParseExtendedHandshake(ms[0].(protocol.Extended).Payload)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint8{"a": 1, "b": 2}, h.Messages)
	assert.True(t, h.Bool("x_a"))
	assert.True(t, h.Bool("x_b"))

	require.NoError(t, f.feed(protocol.Extended{Subtype: 0,
		Payload: handshakePayload(t, map[string]uint8{"b": 7, "c": 3})}))
	assert.Equal(t, 0, a.inits)
	assert.Equal(t, 1, b.inits)
	assert.Equal(t, uint8(7), f.c.RemoteExtension("b"))
	assert.Equal(t, uint8(0), f.c.RemoteExtension("a"))
	assert.Equal(t, []Event{EventExtended{Version: "remote 1.0", First: true}},
		f.c.Events())

	// a new handshake refreshes the ids, but doesn't initialise again
	require.NoError(t, f.feed(protocol.Extended{Subtype: 0,
		Payload: handshakePayload(t, map[string]uint8{"a": 4, "b": 9})}))
	assert.Equal(t, 0, a.inits)
	assert.Equal(t, 1, b.inits)
	assert.Equal(t, uint8(9), f.c.RemoteExtension("b"))
	assert.Equal(t, uint8(4), f.c.RemoteExtension("a"))

	require.NoError(t, f.c.SendExtended("b", []byte("hello")))
	assert.ErrorIs(t, f.c.SendExtended("c", nil), ErrUnsupported)
	require.NoError(t, f.c.Flush(f.now))
	assert.Equal(t, []protocol.Message{
		protocol.Extended{Subtype: 9, Payload: []byte("hello")},
	}, f.conn.received(t))

	require.NoError(t, f.feed(protocol.Extended{Subtype: 2,
		Payload: []byte("d1:xi1ee")}))
	assert.Equal(t, [][]byte{[]byte("d1:xi1ee")}, b.payloads)
	assert.Empty(t, a.payloads)

	b.pending = true
	f.c.TickExtensions(f.now)
	f.c.TickExtensions(f.now)
	assert.Equal(t, 1, b.ticks)

	err = f.feed(protocol.Extended{Subtype: 3})
	assert.ErrorIs(t, err, ErrUnknownExtension)
	assert.Equal(t, Protocol, failureKind(t, err))
	assert.Equal(t, 1, a.forgot)
	assert.Equal(t, 1, b.forgot)
}

func TestExtendedDisabled(t *testing.T) {
	a := &testExtension{name: "a"}
	f := newFixture(t, true, a)
	f.c.Peer.Handshake.Extended = false
	f.start(t)
	err := f.feed(protocol.Extended{Subtype: 1, Payload: []byte("de")})
	assert.ErrorIs(t, err, ErrExtensionDisabled)
	assert.Equal(t, Protocol, failureKind(t, err))
	assert.Empty(t, a.payloads)
}

func TestExtendedErrors(t *testing.T) {
	f := newFixture(t, true)
	f.start(t)
	err := f.feed(protocol.Extended{Subtype: 0, Payload: []byte("garbage")})
	assert.Equal(t, Protocol, failureKind(t, err))

	a := &testExtension{name: "a", fail: errors.New("bad payload")}
	f = newFixture(t, true, a)
	f.start(t)
	err = f.feed(protocol.Extended{Subtype: 1, Payload: []byte("x")})
	assert.Equal(t, Protocol, failureKind(t, err))
	assert.ErrorContains(t, err, "bad payload")

	a = &testExtension{name: "a",
		fail: &protocol.ValidationError{Err: protocol.ErrIndexRange}}
	f = newFixture(t, true, a)
	f.start(t)
	err = f.feed(protocol.Extended{Subtype: 1, Payload: []byte("x")})
	assert.Equal(t, Validation, failureKind(t, err))
}
