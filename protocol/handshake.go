package protocol

import (
	"bytes"
	"errors"
	"io"
	"net"
	"time"

	"github.com/jech/peerwire/hash"
)

// HandshakeResult is what we learnt from the remote side's handshake.
type HandshakeResult struct {
	Hash, Id      hash.Hash
	Dht, Extended bool
}

// HandshakeSize is the length of the wire handshake.
const HandshakeSize = 20 + 8 + 20 + 20

var header = []byte{19,
	0x42, 0x69, 0x74, 0x54, 0x6f, 0x72, 0x72, 0x65, 0x6e, 0x74,
	0x20, 0x70, 0x72, 0x6f, 0x74, 0x6f, 0x63, 0x6f, 0x6c}

func handshake(infoHash hash.Hash, myid hash.Hash, dht bool) []byte {
	reserved := []byte{0, 0, 0, 0, 0, 0x10, 0, 0}
	if dht {
		reserved[7] |= 0x01
	}
	hs := make([]byte, 0, HandshakeSize)
	hs = append(hs, header...)
	hs = append(hs, reserved...)
	hs = append(hs, infoHash[:]...)
	hs = append(hs, myid[:]...)
	return hs
}

var ErrBadHandshake = errors.New("bad handshake")
var ErrUnknownTorrent = errors.New("unknown torrent")
var ErrHashMismatch = errors.New("unexpected infoHash")

// HandshakeTimeout bounds the whole wire handshake.
var HandshakeTimeout = 30 * time.Second

func readMore(conn net.Conn, buf []byte, n int, m int) ([]byte, error) {
	if m < n {
		m = n
	}
	l := len(buf)
	if l >= n {
		return buf, nil
	}

	buf = append(buf, make([]byte, m-l)...)
	k, err := io.ReadAtLeast(conn, buf[l:], n-l)
	buf = buf[:l+k]
	return buf, err
}

func parseReserved(buf []byte, result *HandshakeResult) {
	if buf[7]&0x01 != 0 {
		result.Dht = true
	}
	if buf[5]&0x10 != 0 {
		result.Extended = true
	}
}

// ClientHandshake performs the handshake on an outgoing connection.  Any
// bytes received past the handshake are returned in init, and must be
// processed before anything else read from c.
func ClientHandshake(c net.Conn, infoHash hash.Hash, myid hash.Hash,
	dht bool) (result HandshakeResult, init []byte, err error) {
	err = c.SetDeadline(time.Now().Add(HandshakeTimeout))
	if err != nil {
		return
	}

	_, err = c.Write(handshake(infoHash, myid, dht))
	if err != nil {
		return
	}

	var buf []byte
	buf, err = readMore(c, buf, HandshakeSize, HandshakeSize+512)
	if err != nil {
		return
	}

	if !bytes.Equal(buf[:20], header) {
		err = ErrBadHandshake
		return
	}
	buf = buf[20:]

	parseReserved(buf, &result)
	buf = buf[8:]

	if !bytes.Equal(buf[:20], infoHash[:]) {
		err = ErrHashMismatch
		return
	}
	copy(result.Hash[:], buf)
	buf = buf[20:]

	copy(result.Id[:], buf)
	buf = buf[20:]

	if len(buf) > 0 {
		init = make([]byte, len(buf))
		copy(init, buf)
	}

	err = c.SetDeadline(time.Time{})
	return
}

func checkHeader(buf []byte) bool {
	if len(buf) < len(header) {
		return false
	}
	return bytes.Equal(buf[:len(header)], header)
}

// ServerHandshake performs the handshake on an incoming connection.
// Lookup maps the info-hash requested by the remote side to the peer id
// we use for that torrent; it returns false for torrents we don't serve.
func ServerHandshake(c net.Conn, dht bool,
	lookup func(hash.Hash) (hash.Hash, bool)) (result HandshakeResult, init []byte, err error) {
	err = c.SetDeadline(time.Now().Add(HandshakeTimeout))
	if err != nil {
		return
	}
	buf := make([]byte, HandshakeSize)
	var n int
	n, err = io.ReadAtLeast(c, buf, len(header))
	if err != nil {
		return
	}
	buf = buf[:n]

	if !checkHeader(buf) {
		err = ErrBadHandshake
		return
	}

	buf = buf[20:]
	buf, err = readMore(c, buf, 8+20, 8+20+20)
	if err != nil {
		return
	}

	parseReserved(buf, &result)
	buf = buf[8:]

	copy(result.Hash[:], buf)
	buf = buf[20:]

	myid, ok := lookup(result.Hash)
	if !ok {
		err = ErrUnknownTorrent
		return
	}

	_, err = c.Write(handshake(result.Hash, myid, dht))
	if err != nil {
		return
	}

	buf, err = readMore(c, buf, 20, 512)
	if err != nil {
		return
	}
	copy(result.Id[:], buf)
	buf = buf[20:]

	if len(buf) > 0 {
		init = make([]byte, len(buf))
		copy(init, buf)
	}

	err = c.SetDeadline(time.Time{})
	return
}
