// Package bitmap implements fixed-length bit-vectors laid out as
// BitTorrent bitfields: bit 0 is the high bit of the first byte.
package bitmap

import (
	"errors"
	"math/bits"
	"strings"
)

var ErrLength = errors.New("bitfield has wrong length")
var ErrSpareBits = errors.New("bitfield has spare bits set")

// Bitmap is a bit-vector whose length is fixed at creation.
type Bitmap struct {
	b []uint8
	n int
}

// New returns an empty bitmap of length n.
func New(n int) *Bitmap {
	return &Bitmap{b: make([]uint8, (n+7)/8), n: n}
}

// FromBytes copies a bitfield received from the wire.  The resulting
// length is 8*len(b), since the exact piece count is not carried by
// the bitfield itself.
func FromBytes(b []byte) *Bitmap {
	c := make([]uint8, len(b))
	copy(c, b)
	return &Bitmap{b: c, n: len(b) * 8}
}

// Len returns the number of bits in the bitmap.
func (b *Bitmap) Len() int {
	if b == nil {
		return 0
	}
	return b.n
}

// Get returns true if the ith bit is set.  Out of range bits are unset.
func (b *Bitmap) Get(i int) bool {
	if b == nil || i < 0 || i >= b.n {
		return false
	}
	return (b.b[i>>3] & (1 << (7 - uint8(i&7)))) != 0
}

// Set sets the ith bit.  It returns false if i is out of range.
func (b *Bitmap) Set(i int) bool {
	if i < 0 || i >= b.n {
		return false
	}
	b.b[i>>3] |= 1 << (7 - uint8(i&7))
	return true
}

// Reset clears the ith bit.
func (b *Bitmap) Reset(i int) {
	if i < 0 || i >= b.n {
		return
	}
	b.b[i>>3] &= ^(1 << (7 - uint8(i&7)))
}

// Fits checks that the bitmap can describe exactly n pieces: its byte
// length must be (n+7)/8 and no bit at or beyond n may be set.
func (b *Bitmap) Fits(n int) error {
	if len(b.b) != (n+7)/8 {
		return ErrLength
	}
	for i := n; i < len(b.b)*8; i++ {
		if (b.b[i>>3] & (1 << (7 - uint8(i&7)))) != 0 {
			return ErrSpareBits
		}
	}
	return nil
}

// Bytes returns the wire representation.  The result aliases b.
func (b *Bitmap) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.b
}

func (b *Bitmap) Copy() *Bitmap {
	if b == nil {
		return nil
	}
	c := make([]uint8, len(b.b))
	copy(c, b.b)
	return &Bitmap{b: c, n: b.n}
}

// Count returns the number of bits set.
func (b *Bitmap) Count() int {
	if b == nil {
		return 0
	}
	count := 0
	for _, v := range b.b {
		count += bits.OnesCount8(v)
	}
	return count
}

// Empty returns true if no bits are set.
func (b *Bitmap) Empty() bool {
	if b == nil {
		return true
	}
	for _, v := range b.b {
		if v != 0 {
			return false
		}
	}
	return true
}

// All returns true if the first n bits are set.
func (b *Bitmap) All(n int) bool {
	if b == nil {
		return n == 0
	}
	if n > b.n {
		return false
	}
	for i := 0; i < n>>3; i++ {
		if b.b[i] != 0xFF {
			return false
		}
	}
	for i := n &^ 7; i < n; i++ {
		if !b.Get(i) {
			return false
		}
	}
	return true
}

// Range calls f for every set bit in increasing order until f returns
// false.
func (b *Bitmap) Range(f func(index int) bool) {
	if b == nil {
		return
	}
	for i, v := range b.b {
		for v != 0 {
			j := bits.LeadingZeros8(v)
			k := i<<3 + j
			if k >= b.n {
				return
			}
			if !f(k) {
				return
			}
			v &= ^(1 << (7 - uint8(j)))
		}
	}
}

func (b *Bitmap) String() string {
	var buf strings.Builder
	buf.Grow(b.Len() + 2)
	buf.WriteByte('[')
	for i := 0; i < b.Len(); i++ {
		if b.Get(i) {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
	}
	buf.WriteByte(']')
	return buf.String()
}
