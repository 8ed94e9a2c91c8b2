package known

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jech/peerwire/hash"
)

func addr(i int) netip.AddrPort {
	return netip.MustParseAddrPort(fmt.Sprintf("10.0.0.%v:6881", i))
}

func TestFind(t *testing.T) {
	now := time.Now()
	ps := New(10)
	assert.Nil(t, ps.Find(addr(1), hash.Hash{}, "", None, now))
	kp := ps.Find(addr(1), hash.Hash{}, "", Discovery, now)
	require.NotNil(t, kp)
	assert.Equal(t, now, kp.DiscoveryTime)
	assert.Equal(t, 1, ps.Count())

	mapped := netip.AddrPortFrom(
		netip.AddrFrom16(addr(1).Addr().As16()), 6881)
	assert.Same(t, kp, ps.Find(mapped, hash.Hash{}, "v1", PEX, now))
	assert.Equal(t, "v1", kp.Version)
	assert.Equal(t, 1, ps.Count())

	assert.Nil(t, ps.Find(netip.MustParseAddrPort("224.0.0.1:1"),
		hash.Hash{}, "", Discovery, now))
	assert.Nil(t, ps.Find(netip.MustParseAddrPort("10.0.0.1:0"),
		hash.Hash{}, "", Discovery, now))
}

func TestId(t *testing.T) {
	now := time.Now()
	ps := New(10)
	id1 := hash.Hash{1}
	id2 := hash.Hash{2}
	kp := ps.Find(addr(1), id1, "", Heard, now)
	assert.Equal(t, id1, kp.Id)
	ps.Find(addr(1), hash.Hash{}, "", Heard, now)
	assert.Equal(t, id1, kp.Id)
	ps.Find(addr(1), id2, "", Heard, now)
	assert.True(t, kp.Id.IsZero())
	ps.Find(addr(1), id2, "", Active, now)
	assert.Equal(t, id2, kp.Id)
}

func TestBounded(t *testing.T) {
	now := time.Now()
	ps := New(5)
	for i := 1; i <= 5; i++ {
		ps.Find(addr(i), hash.Hash{}, "", Discovery,
			now.Add(time.Duration(i)*time.Second))
	}
	ps.Find(addr(6), hash.Hash{}, "", Discovery, now.Add(time.Minute))
	assert.Equal(t, 5, ps.Count())
	assert.Nil(t, ps.Get(addr(1)))
	assert.NotNil(t, ps.Get(addr(6)))
}

func TestBackoff(t *testing.T) {
	now := time.Now()
	ps := New(10)
	ps.Find(addr(1), hash.Hash{}, "", Discovery, now)

	c := ps.Candidates(5, now, nil)
	assert.Equal(t, []netip.AddrPort{addr(1)}, c)
	assert.Empty(t, ps.Candidates(5, now.Add(time.Minute), nil))
	assert.Len(t, ps.Candidates(5, now.Add(2*time.Minute), nil), 1)
	assert.Empty(t, ps.Candidates(5, now.Add(5*time.Minute), nil))
	assert.Len(t, ps.Candidates(5, now.Add(7*time.Minute), nil), 1)
	// three attempts
	assert.Empty(t, ps.Candidates(5, now.Add(30*time.Minute), nil))

	ps.Find(addr(1), hash.Hash{}, "", Active, now.Add(31*time.Minute))
	assert.Len(t, ps.Candidates(5, now.Add(31*time.Minute), nil), 1)
}

func TestCandidates(t *testing.T) {
	now := time.Now()
	ps := New(10)
	for i := 1; i <= 6; i++ {
		ps.Find(addr(i), hash.Hash{}, "", Discovery, now)
	}
	ps.Get(addr(2)).Update("", Bad, now)
	ps.Get(addr(2)).Update("", Bad, now)
	ps.Get(addr(2)).Update("", Bad, now)
	ps.Get(addr(2)).Update("", Bad, now)
	ps.Get(addr(2)).Update("", Bad, now)
	c := ps.Candidates(10, now, func(kp *Peer) bool {
		return kp.Addr == addr(3)
	})
	assert.Len(t, c, 4)
	assert.NotContains(t, c, addr(2))
	assert.NotContains(t, c, addr(3))

	c = ps.Candidates(1, now, nil)
	assert.Equal(t, []netip.AddrPort{addr(3)}, c)
}

func TestExpire(t *testing.T) {
	now := time.Now()
	ps := New(10)
	ps.Find(addr(1), hash.Hash{}, "", Discovery, now)
	ps.Find(addr(2), hash.Hash{}, "", Discovery, now.Add(50*time.Minute))
	ps.Get(addr(2)).Update("", Bad, now.Add(50*time.Minute))
	ps.Expire(now.Add(90 * time.Minute))
	assert.Nil(t, ps.Get(addr(1)))
	require.NotNil(t, ps.Get(addr(2)))
	assert.Equal(t, 0, ps.Get(addr(2)).Badness)
	assert.Len(t, ps.All(), 1)
	ps.Remove(addr(2))
	assert.Equal(t, 0, ps.Count())
}
