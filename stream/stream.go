// Package stream turns a duplex byte connection into a sequence of
// peer-wire messages and back, under a bandwidth budget.
package stream

import (
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/jech/peerwire/config"
	"github.com/jech/peerwire/protocol"
	"github.com/jech/peerwire/rate"
)

// Conn is the subset of net.Conn used by a stream.
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

var ErrClosed = errors.New("stream is closed")

// Stats counts the work done by a stream.
type Stats struct {
	BytesIn, BytesOut   uint64
	FramesIn, FramesOut uint64
	Compactions         uint64
	Grows               uint64
}

// Stream frames one connection.  It is not thread-safe: it belongs to
// the event loop that owns the connection.
type Stream struct {
	conn Conn

	// inbound arena; live bytes are in[start:end]
	in         []byte
	start, end int
	max        int

	// at most one encoded outbound message; unsent bytes are
	// out[ostart:oend]
	out          []byte
	ostart, oend int

	read, write rate.Window
	stats       Stats
	closed      bool
}

// New creates a stream over conn.  Init holds bytes already read from
// conn, typically those received past the wire handshake; they are
// decoded before anything else.
func New(conn Conn, init []byte, cfg *config.Swarm, now time.Time) *Stream {
	size := cfg.BufferSize
	if size < len(init) {
		size = len(init)
	}
	if size < 64 {
		size = 64
	}
	max := cfg.MaxBufferSize
	if max < size {
		max = size
	}
	s := &Stream{
		conn: conn,
		in:   make([]byte, size),
		max:  max,
	}
	s.end = copy(s.in, init)
	s.read.Init(cfg.ReadRate, cfg.WindowSize, now)
	s.write.Init(cfg.WriteRate, cfg.WindowSize, now)
	return s
}

func (s *Stream) Conn() Conn {
	return s.conn
}

func (s *Stream) Stats() Stats {
	return s.stats
}

// Buffered returns the number of inbound bytes not yet decoded.
func (s *Stream) Buffered() int {
	return s.end - s.start
}

// Capacity returns the current size of the inbound buffer.
func (s *Stream) Capacity() int {
	return len(s.in)
}

// Writing returns true if part of an encoded message is waiting to be
// sent.
func (s *Stream) Writing() bool {
	return s.ostart < s.oend
}

// SetRates sets the targets of the read and write windows, in bytes
// per millisecond.  Zero means unlimited.
func (s *Stream) SetRates(read, write float64) {
	s.read.SetTarget(read)
	s.write.SetTarget(write)
}

// ReadAllowance and WriteAllowance return the current budgets.
func (s *Stream) ReadAllowance(now time.Time) int {
	return s.read.Allowance(now)
}

func (s *Stream) WriteAllowance(now time.Time) int {
	return s.write.Allowance(now)
}

// ReadWait and WriteWait return how long until the corresponding
// window allows more traffic, and 0 if it allows some now.
func (s *Stream) ReadWait(now time.Time) time.Duration {
	return wait(&s.read, now)
}

func (s *Stream) WriteWait(now time.Time) time.Duration {
	return wait(&s.write, now)
}

func wait(w *rate.Window, now time.Time) time.Duration {
	if w.Allowance(now) > 0 {
		return 0
	}
	// a window rolls once it is strictly older than its size
	return w.Remaining(now) + time.Millisecond
}

func wouldBlock(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Decode extracts every complete frame in the inbound buffer and pushes
// it onto in, without reading from the connection.
func (s *Stream) Decode(in *Queue) error {
	for s.start < s.end {
		m, n, err := protocol.Decode(s.in[s.start:s.end],
			uint32(s.max-4))
		if err == protocol.ErrNeedMore {
			break
		}
		if err != nil {
			return err
		}
		s.start += n
		s.stats.FramesIn++
		in.Push(m)
	}
	if s.start == s.end {
		s.start = 0
		s.end = 0
	}
	return nil
}

func (s *Stream) compact() {
	n := copy(s.in, s.in[s.start:s.end])
	s.start = 0
	s.end = n
	s.stats.Compactions++
}

// room makes sure there is space to read at the end of the inbound
// buffer.  It compacts if some space has been consumed, and otherwise
// grows the buffer towards the size of the pending frame.
func (s *Stream) room() bool {
	if s.end < len(s.in) {
		return true
	}
	if s.start > 0 {
		s.compact()
		return true
	}
	need := 2 * len(s.in)
	length, ok := protocol.FrameLength(s.in[s.start:s.end])
	if ok && int(length)+4 > need {
		need = int(length) + 4
	}
	if need > s.max {
		need = s.max
	}
	if need <= len(s.in) {
		return false
	}
	in := make([]byte, need)
	s.end = copy(in, s.in[s.start:s.end])
	s.start = 0
	s.in = in
	s.stats.Grows++
	return true
}

// maxReads bounds the number of reads performed by a single Fill.
const maxReads = 16

// Fill reads as much as the connection offers without blocking, bounded
// by the read window, and pushes every complete frame onto in.  It
// returns the number of bytes read.  A frame that cannot fit in the
// maximum buffer size yields protocol.ErrFrameTooLarge.
func (s *Stream) Fill(now time.Time, in *Queue) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	err := s.Decode(in)
	if err != nil {
		return 0, err
	}

	total := 0
	for i := 0; i < maxReads; i++ {
		allowance := s.read.Allowance(now)
		if allowance <= 0 || !s.room() {
			break
		}
		buf := s.in[s.end:]
		if len(buf) > allowance {
			buf = buf[:allowance]
		}
		err = s.conn.SetReadDeadline(time.Now().Add(config.IOSlack))
		if err != nil {
			return total, err
		}
		n, err := s.conn.Read(buf)
		s.end += n
		total += n
		s.stats.BytesIn += uint64(n)
		s.read.Note(n, now)

		derr := s.Decode(in)
		if err != nil && !wouldBlock(err) {
			return total, err
		}
		if derr != nil {
			return total, derr
		}
		if err != nil || n < len(buf) {
			break
		}
	}

	if s.start == s.end {
		s.start = 0
		s.end = 0
	} else if s.end == len(s.in) && s.start > 0 {
		s.compact()
	}
	return total, nil
}

// Flush writes queued messages without blocking, bounded by the write
// window.  Each message is encoded exactly once; a partially sent
// message is completed by later calls.  It returns the number of bytes
// written.
func (s *Stream) Flush(now time.Time, out *Queue) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	total := 0
	for {
		if s.ostart == s.oend {
			m, ok := out.Pop()
			if !ok {
				break
			}
			s.encode(m)
		}

		allowance := s.write.Allowance(now)
		if allowance <= 0 {
			break
		}
		buf := s.out[s.ostart:s.oend]
		if len(buf) > allowance {
			buf = buf[:allowance]
		}
		err := s.conn.SetWriteDeadline(time.Now().Add(config.IOSlack))
		if err != nil {
			return total, err
		}
		n, err := s.conn.Write(buf)
		s.ostart += n
		total += n
		s.stats.BytesOut += uint64(n)
		s.write.Note(n, now)
		if err != nil {
			if wouldBlock(err) {
				break
			}
			return total, err
		}
		if n < len(buf) {
			break
		}
	}
	if s.ostart == s.oend {
		s.ostart = 0
		s.oend = 0
	}
	return total, nil
}

func (s *Stream) encode(m protocol.Message) {
	size := protocol.FrameSize(m)
	if cap(s.out) < size {
		s.out = make([]byte, size)
	}
	s.out = s.out[:cap(s.out)]
	n, err := protocol.Encode(m, s.out)
	if err != nil {
		panic(err)
	}
	s.ostart = 0
	s.oend = n
	s.stats.FramesOut++
	if p, ok := m.(protocol.Piece); ok {
		protocol.PutBuffer(p.Data)
	}
}

// Close closes the underlying connection.  It is safe to call Close
// more than once.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.in = nil
	s.out = nil
	return s.conn.Close()
}
