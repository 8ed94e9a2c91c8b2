// Package hash implements the 20-byte values exchanged in the wire
// handshake: info-hashes and peer ids.
package hash

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"errors"
)

// Size is the length of a hash on the wire.
const Size = 20

// Hash is an info-hash or a peer id.
type Hash [Size]byte

var ErrBadHash = errors.New("malformed hash")

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero returns true if h has not been set.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// FromBytes copies a 20-byte slice into a Hash.
func FromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != Size {
		return h, ErrBadHash
	}
	copy(h[:], b)
	return h, nil
}

// Parse handles both hex and base-32 strings.
func Parse(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err == nil && len(b) == Size {
		return FromBytes(b)
	}
	b, err = base32.StdEncoding.DecodeString(s)
	if err == nil && len(b) == Size {
		return FromBytes(b)
	}
	return Hash{}, ErrBadHash
}

// NewPeerID returns a random peer id starting with the given client
// prefix, truncated if necessary.
func NewPeerID(prefix string) (Hash, error) {
	var h Hash
	_, err := rand.Read(h[:])
	if err != nil {
		return h, err
	}
	copy(h[:], prefix)
	return h, nil
}
