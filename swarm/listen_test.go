package swarm

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jech/peerwire/hash"
	"github.com/jech/peerwire/protocol"
)

func TestDialerRejects(t *testing.T) {
	ctx := context.Background()
	d := &Dialer{}
	_, err := d.Dial(ctx, netip.MustParseAddrPort("127.0.0.1:6881"))
	assert.ErrorIs(t, err, ErrMartianAddress)
	_, err = d.Dial(ctx, netip.MustParseAddrPort("[fe80::1]:6881"))
	assert.ErrorIs(t, err, ErrMartianAddress)

	d.AllowLocal = true
	_, err = d.Dial(ctx, netip.MustParseAddrPort("127.0.0.1:25"))
	assert.ErrorIs(t, err, ErrBadPort)
}

func TestListenFailed(t *testing.T) {
	events := NewEvents(4)
	_, err := Listen("127.0.0.1:99999", false, events, zerolog.Nop())
	require.Error(t, err)
	ev, ok := events.Next()
	require.True(t, ok)
	lf, ok := ev.(ListenFailed)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:99999", lf.Addr)
	assert.Error(t, lf.Err)
}

func TestListener(t *testing.T) {
	ts := newTestSwarm(t, 4, 0, 1, 2, 3)
	ts.cfg.MinPeers = 0
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- ts.Run(ctx)
	}()
	require.Eventually(t, func() bool {
		return Get(ts.Hash) != nil
	}, 5*time.Second, 10*time.Millisecond)

	l, err := Listen("127.0.0.1:0", false, ts.events, zerolog.Nop())
	require.NoError(t, err)
	l.AllowLocal = true
	go l.Serve(ctx)
	defer l.Close()

	d := &Dialer{AllowLocal: true, Timeout: 5 * time.Second}
	addr := netip.MustParseAddrPort(l.Addr().String())

	// an unknown torrent is refused
	conn, err := d.Dial(ctx, addr)
	require.NoError(t, err)
	_, _, err = protocol.ClientHandshake(conn, hash.Hash{1, 2, 3},
		hash.Hash{9}, false)
	assert.Error(t, err)
	conn.Close()

	conn, err = d.Dial(ctx, addr)
	require.NoError(t, err)
	defer conn.Close()
	result, _, err := protocol.ClientHandshake(conn, ts.Hash,
		hash.Hash{9}, false)
	require.NoError(t, err)
	assert.Equal(t, ts.Hash, result.Hash)
	assert.Equal(t, ts.MyId, result.Id)

	for {
		ev, err := ts.events.Wait(ctx)
		require.NoError(t, err)
		if pa, ok := ev.(PeerAdded); ok {
			assert.False(t, pa.Outgoing)
			assert.Equal(t, hash.Hash{9}, pa.Id)
			break
		}
	}

	require.NoError(t, ts.Submit(ctx, Stop{}))
	require.NoError(t, <-errc)
}
