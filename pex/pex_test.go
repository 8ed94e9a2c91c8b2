package pex

import (
	"bytes"
	"fmt"
	"net/netip"
	"testing"
)

func TestParseV4(t *testing.T) {
	a := []byte("123456abcdef")
	f := []byte{1, 0x12}
	peers := ParseCompact(a, f, false)
	if len(peers) != 2 {
		t.Errorf("bad length %v", len(peers))
	}
	a4, f4, a6, f6 := FormatCompact(peers)
	if !bytes.Equal(a4, a) {
		t.Errorf("bad value")
	}
	if !bytes.Equal(f4, f) {
		t.Errorf("bad flags")
	}
	if len(a6) != 0 || len(f6) != 0 {
		t.Errorf("creation ex nihilo")
	}
}

func TestParseV6(t *testing.T) {
	a := []byte("123456789012345678abcdefghijklmnopqr")
	f := []byte{1, 2}
	peers := ParseCompact(a, f, true)
	if len(peers) != 2 {
		t.Errorf("bad length %v", len(peers))
	}
	a4, f4, a6, f6 := FormatCompact(peers)
	if !bytes.Equal(a6, a) {
		t.Errorf("bad value")
	}
	if !bytes.Equal(f6, f) {
		t.Errorf("bad flags")
	}
	if len(a4) != 0 || len(f4) != 0 {
		t.Errorf("creation ex nihilo")
	}
}

func TestParseBad(t *testing.T) {
	if p := ParseCompact([]byte("12345"), nil, false); p != nil {
		t.Errorf("Got %v", p)
	}
}

func TestMessage(t *testing.T) {
	added := []Peer{
		{netip.MustParseAddrPort("1.2.3.4:1234"), Encrypt | Outgoing},
		{netip.MustParseAddrPort("[2001::1]:5678"), UploadOnly},
	}
	b, err := Format(added, nil)
	if err != nil {
		t.Fatal(err)
	}
	expected := "d5:added6:\x01\x02\x03\x04\x04\xd2" +
		"7:added.f1:\x11" +
		"6:added618:\x20\x01\x00\x00\x00\x00\x00\x00" +
		"\x00\x00\x00\x00\x00\x00\x00\x01\x16." +
		"8:added6.f1:\x02e"
	if string(b) != expected {
		t.Errorf("Got %#v, expected %#v", string(b), expected)
	}

	a, d, err := Parse(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 2 || len(d) != 0 {
		t.Fatalf("Got %v %v", a, d)
	}
	for i := range a {
		if !a[i].Equal(added[i]) || a[i].Flags != added[i].Flags {
			t.Errorf("Got %v, expected %v", a[i], added[i])
		}
	}
}

func peer(i int) Peer {
	return Peer{Addr: netip.MustParseAddrPort(
		fmt.Sprintf("10.0.%v.%v:6881", i/256, i%256))}
}

func TestState(t *testing.T) {
	var s State
	if s.Pending() {
		t.Errorf("Empty state is pending")
	}
	s.Add(peer(1))
	s.Add(peer(1))
	s.Add(peer(2))
	a, d := s.Compute()
	if len(a) != 2 || len(d) != 0 {
		t.Errorf("Got %v %v", a, d)
	}
	if s.Pending() {
		t.Errorf("Pending after compute")
	}

	// already sent
	s.Add(peer(1))
	if s.Pending() {
		t.Errorf("Pending after duplicate add")
	}

	// add then del before sending cancels out
	s.Add(peer(3))
	s.Del(peer(3))
	if s.Pending() {
		t.Errorf("Pending after add/del")
	}

	s.Del(peer(1))
	a, d = s.Compute()
	if len(a) != 0 || len(d) != 1 || !d[0].Equal(peer(1)) {
		t.Errorf("Got %v %v", a, d)
	}

	// never sent
	s.Del(peer(4))
	if s.Pending() {
		t.Errorf("Pending after deleting unknown peer")
	}
}

func TestStateBatch(t *testing.T) {
	var s State
	for i := 0; i < 120; i++ {
		s.Add(peer(i))
	}
	total := 0
	for s.Pending() {
		a, _ := s.Compute()
		if len(a) > MaxPeers {
			t.Errorf("Batch too large: %v", len(a))
		}
		total += len(a)
	}
	if total != 120 {
		t.Errorf("Got %v, expected 120", total)
	}
}
