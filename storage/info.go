// Package storage implements the metadata and storage collaborators of
// a swarm: a static description of the pieces of a torrent, and an
// in-memory store that verifies pieces as they complete.
package storage

import (
	"crypto/sha1"
	"errors"
	"sync"

	"github.com/zeebo/bencode"

	"github.com/jech/peerwire/hash"
)

var ErrBadInfo = errors.New("inconsistent metadata")
var ErrInfoKnown = errors.New("metadata already known")

// Info is a static metadata record.  It may be created empty and filled
// in later with Set, which models metadata that becomes known after the
// swarm has started.
type Info struct {
	mu        sync.RWMutex
	known     bool
	pieceSize uint32
	length    int64
	hashes    []hash.Hash
}

// NewInfo returns a metadata record for length bytes split into pieces
// of pieceSize bytes with the given hashes.
func NewInfo(pieceSize uint32, length int64, hashes []hash.Hash) (*Info, error) {
	info := &Info{}
	err := info.Set(pieceSize, length, hashes)
	if err != nil {
		return nil, err
	}
	return info, nil
}

func numPieces(pieceSize uint32, length int64) int {
	return int((length + int64(pieceSize) - 1) / int64(pieceSize))
}

// Set fills in an empty record.
func (info *Info) Set(pieceSize uint32, length int64, hashes []hash.Hash) error {
	if pieceSize == 0 || length <= 0 ||
		numPieces(pieceSize, length) != len(hashes) {
		return ErrBadInfo
	}
	info.mu.Lock()
	defer info.mu.Unlock()
	if info.known {
		return ErrInfoKnown
	}
	info.pieceSize = pieceSize
	info.length = length
	info.hashes = append([]hash.Hash(nil), hashes...)
	info.known = true
	return nil
}

func (info *Info) Known() bool {
	info.mu.RLock()
	defer info.mu.RUnlock()
	return info.known
}

func (info *Info) NumPieces() int {
	info.mu.RLock()
	defer info.mu.RUnlock()
	return len(info.hashes)
}

func (info *Info) PieceSize() uint32 {
	info.mu.RLock()
	defer info.mu.RUnlock()
	return info.pieceSize
}

func (info *Info) Length() int64 {
	info.mu.RLock()
	defer info.mu.RUnlock()
	return info.length
}

// PieceLength returns the length of a given piece, which is shorter
// than the piece size for the last piece.
func (info *Info) PieceLength(index uint32) uint32 {
	info.mu.RLock()
	defer info.mu.RUnlock()
	if info.pieceSize == 0 {
		return 0
	}
	last := uint32(info.length / int64(info.pieceSize))
	if index < last {
		return info.pieceSize
	} else if index == last {
		return uint32(info.length % int64(info.pieceSize))
	}
	return 0
}

func (info *Info) Hash(index uint32) hash.Hash {
	info.mu.RLock()
	defer info.mu.RUnlock()
	return info.hashes[index]
}

type infoDict struct {
	Length      int64  `bencode:"length"`
	Name        string `bencode:"name"`
	PieceLength uint32 `bencode:"piece length"`
	Pieces      []byte `bencode:"pieces"`
}

// Describe computes the metadata of data, split into pieces of
// pieceSize bytes, together with the info-hash of a single-file torrent
// with the given name.
func Describe(name string, data []byte, pieceSize uint32) (*Info, hash.Hash, error) {
	if pieceSize == 0 || len(data) == 0 {
		return nil, hash.Hash{}, ErrBadInfo
	}
	n := numPieces(pieceSize, int64(len(data)))
	hashes := make([]hash.Hash, n)
	for i := 0; i < n; i++ {
		end := (i + 1) * int(pieceSize)
		if end > len(data) {
			end = len(data)
		}
		hashes[i] = sha1.Sum(data[i*int(pieceSize) : end])
	}
	info, err := NewInfo(pieceSize, int64(len(data)), hashes)
	if err != nil {
		return nil, hash.Hash{}, err
	}
	d, err := Marshal(name, info)
	if err != nil {
		return nil, hash.Hash{}, err
	}
	return info, sha1.Sum(d), nil
}

// Marshal returns the bencoded info dictionary of a single-file
// torrent.  Its SHA-1 is the info-hash.
func Marshal(name string, info *Info) ([]byte, error) {
	info.mu.RLock()
	defer info.mu.RUnlock()
	if !info.known {
		return nil, ErrBadInfo
	}
	pieces := make([]byte, 0, len(info.hashes)*hash.Size)
	for _, h := range info.hashes {
		pieces = append(pieces, h[:]...)
	}
	return bencode.EncodeBytes(infoDict{
		Length:      info.length,
		Name:        name,
		PieceLength: info.pieceSize,
		Pieces:      pieces,
	})
}

// Unmarshal parses an info dictionary produced by Marshal.
func Unmarshal(data []byte) (string, *Info, hash.Hash, error) {
	var d infoDict
	err := bencode.DecodeBytes(data, &d)
	if err != nil {
		return "", nil, hash.Hash{}, err
	}
	if len(d.Pieces)%hash.Size != 0 {
		return "", nil, hash.Hash{}, ErrBadInfo
	}
	hashes := make([]hash.Hash, len(d.Pieces)/hash.Size)
	for i := range hashes {
		copy(hashes[i][:], d.Pieces[i*hash.Size:])
	}
	info, err := NewInfo(d.PieceLength, d.Length, hashes)
	if err != nil {
		return "", nil, hash.Hash{}, err
	}
	return d.Name, info, sha1.Sum(data), nil
}
