package storage

import (
	"crypto/sha1"
	"errors"
	"io"
	"sync"

	"github.com/jech/peerwire/bitmap"
	"github.com/jech/peerwire/config"
	"github.com/jech/peerwire/hash"
)

// ErrHashMismatch is returned by StorePieceBlock when a completed piece
// failed verification.  The piece's data is discarded.
var ErrHashMismatch = errors.New("hash mismatch")

var (
	ErrUnknown    = errors.New("metadata not known")
	ErrOddOffset  = errors.New("block at odd offset")
	ErrRange      = errors.New("block out of range")
	ErrIncomplete = errors.New("piece is incomplete")
	ErrClosed     = errors.New("store is closed")
)

type piece struct {
	data     []byte
	chunks   *bitmap.Bitmap
	complete bool
}

// Memory keeps the pieces of a torrent in memory.  Blocks are stored in
// units of config.ChunkSize; a piece is verified against its hash as
// soon as its last chunk arrives.
type Memory struct {
	mu      sync.RWMutex
	info    *Info
	pieces  []piece
	missing int
	closed  bool
}

// NewMemory returns an empty store for the torrent described by info,
// whose metadata need not be known yet.
func NewMemory(info *Info) *Memory {
	return &Memory{info: info}
}

// setup allocates the piece table once metadata is known.  Called
// locked.
func (m *Memory) setup() error {
	if m.closed {
		return ErrClosed
	}
	if m.pieces != nil {
		return nil
	}
	if !m.info.Known() {
		return ErrUnknown
	}
	m.pieces = make([]piece, m.info.NumPieces())
	m.missing = len(m.pieces)
	return nil
}

func (m *Memory) pieceChunks(index uint32) int {
	return int((m.info.PieceLength(index) + config.ChunkSize - 1) /
		config.ChunkSize)
}

func (m *Memory) check(index uint32) error {
	err := m.setup()
	if err != nil {
		return err
	}
	if uint64(index) >= uint64(len(m.pieces)) {
		return ErrRange
	}
	return nil
}

// chunkRange returns the chunks overlapping [begin, begin+length).
func chunkRange(begin, length uint32) (int, int) {
	first := int(begin / config.ChunkSize)
	last := int((uint64(begin) + uint64(length) + uint64(config.ChunkSize) - 1) /
		uint64(config.ChunkSize))
	return first, last
}

func (m *Memory) SizeOfBlockNotYetHeld(index, begin, length uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.check(index) != nil {
		return 0
	}
	p := &m.pieces[index]
	if p.complete {
		return 0
	}
	pl := m.info.PieceLength(index)
	if begin >= pl {
		return 0
	}
	end := uint64(begin) + uint64(length)
	if end > uint64(pl) {
		end = uint64(pl)
	}
	first, last := chunkRange(begin, uint32(end-uint64(begin)))
	count := uint32(0)
	for c := first; c < last; c++ {
		if p.chunks.Get(c) {
			continue
		}
		lo := uint64(c) * uint64(config.ChunkSize)
		hi := lo + uint64(config.ChunkSize)
		if lo < uint64(begin) {
			lo = uint64(begin)
		}
		if hi > end {
			hi = end
		}
		count += uint32(hi - lo)
	}
	return count
}

// StorePieceBlock stores the whole chunks contained in data.  It returns
// true if the piece became complete and was verified.
func (m *Memory) StorePieceBlock(index, begin uint32, data []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.check(index)
	if err != nil {
		return false, err
	}
	p := &m.pieces[index]
	if p.complete {
		return false, nil
	}
	cs := config.ChunkSize
	pl := m.info.PieceLength(index)
	if begin%cs != 0 {
		return false, ErrOddOffset
	}
	if begin >= pl {
		return false, ErrRange
	}

	if p.data == nil {
		p.data, err = alloc(int(pl))
		if err != nil {
			return false, err
		}
		p.chunks = bitmap.New(m.pieceChunks(index))
	}

	offset := begin
	count := uint32(0)
	for count < uint32(len(data)) {
		c := int(offset / cs)
		l := pl - offset
		if l > cs {
			l = cs
		}
		if l == 0 || uint32(len(data)) < count+l {
			break
		}
		if !p.chunks.Get(c) {
			copy(p.data[offset:], data[count:count+l])
			p.chunks.Set(c)
		}
		offset += l
		count += l
	}

	if !p.chunks.All(m.pieceChunks(index)) {
		return false, nil
	}

	h := hash.Hash(sha1.Sum(p.data))
	if h != m.info.Hash(index) {
		m.discard(p)
		return false, ErrHashMismatch
	}
	p.complete = true
	m.missing--
	return true, nil
}

// discard frees the data of a piece.  Called locked.
func (m *Memory) discard(p *piece) {
	if p.data != nil {
		err := free(p.data)
		if err != nil {
			panic(err)
		}
	}
	if p.complete {
		m.missing++
	}
	*p = piece{}
}

func (m *Memory) Complete(index uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pieces == nil || uint64(index) >= uint64(len(m.pieces)) {
		return false
	}
	return m.pieces[index].complete
}

// ReadBlock copies len(buf) bytes of a complete piece starting at begin.
func (m *Memory) ReadBlock(index, begin uint32, buf []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pieces == nil || uint64(index) >= uint64(len(m.pieces)) {
		return ErrRange
	}
	p := &m.pieces[index]
	if !p.complete {
		return ErrIncomplete
	}
	if uint64(begin)+uint64(len(buf)) > uint64(len(p.data)) {
		return ErrRange
	}
	copy(buf, p.data[begin:])
	return nil
}

// Bitmap returns a bitmap with a bit set for each complete piece.
func (m *Memory) Bitmap() *bitmap.Bitmap {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setup() != nil {
		return nil
	}
	b := bitmap.New(len(m.pieces))
	for i := range m.pieces {
		if m.pieces[i].complete {
			b.Set(i)
		}
	}
	return b
}

// Missing returns the number of pieces that are not complete, or -1 if
// metadata is not known.
func (m *Memory) Missing() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setup() != nil {
		return -1
	}
	return m.missing
}

// Drop discards a piece, whether complete or not.
func (m *Memory) Drop(index uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.check(index) != nil {
		return
	}
	m.discard(&m.pieces[index])
}

// Load stores the complete contents of the torrent, and returns the
// number of pieces that were verified.  Pieces that fail verification
// are left empty.
func (m *Memory) Load(data []byte) (int, error) {
	if int64(len(data)) != m.info.Length() {
		return 0, ErrBadInfo
	}
	ps := m.info.PieceSize()
	count := 0
	for i := 0; i < m.info.NumPieces(); i++ {
		index := uint32(i)
		start := int64(i) * int64(ps)
		end := start + int64(m.info.PieceLength(index))
		for begin := uint32(0); int64(begin) < end-start; begin += config.ChunkSize {
			e := start + int64(begin) + int64(config.ChunkSize)
			if e > end {
				e = end
			}
			done, err := m.StorePieceBlock(index, begin,
				data[start+int64(begin):e])
			if err == ErrHashMismatch {
				break
			} else if err != nil {
				return count, err
			}
			if done {
				count++
			}
		}
	}
	return count, nil
}

// ReadAt implements io.ReaderAt over complete pieces.  It fails with
// ErrIncomplete when it reaches a piece that is not complete.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	if !m.info.Known() {
		return 0, ErrUnknown
	}
	n := 0
	for n < len(p) {
		o := off + int64(n)
		if o >= m.info.Length() {
			return n, io.EOF
		}
		ps := int64(m.info.PieceSize())
		index := uint32(o / ps)
		begin := uint32(o % ps)
		l := int64(m.info.PieceLength(index)) - int64(begin)
		if l > int64(len(p)-n) {
			l = int64(len(p) - n)
		}
		err := m.ReadBlock(index, begin, p[n:n+int(l)])
		if err != nil {
			return n, err
		}
		n += int(l)
	}
	return n, nil
}

// Close frees all pieces.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pieces {
		m.discard(&m.pieces[i])
	}
	m.pieces = nil
	m.closed = true
}
