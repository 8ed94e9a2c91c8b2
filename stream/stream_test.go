package stream

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jech/peerwire/config"
	"github.com/jech/peerwire/protocol"
)

type errTimeout struct{}

func (errTimeout) Error() string   { return "timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }

// scripted delivers a fixed sequence of chunks, one per Read, and
// accepts at most wmax bytes per Write.
type scripted struct {
	chunks [][]byte
	eof    bool
	wmax   int
	wbuf   bytes.Buffer
	closed bool
}

func (c *scripted) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		if c.eof {
			return 0, io.EOF
		}
		return 0, errTimeout{}
	}
	n := copy(p, c.chunks[0])
	if n < len(c.chunks[0]) {
		c.chunks[0] = c.chunks[0][n:]
	} else {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func (c *scripted) Write(p []byte) (int, error) {
	if c.wmax > 0 && len(p) > c.wmax {
		c.wbuf.Write(p[:c.wmax])
		return c.wmax, errTimeout{}
	}
	return c.wbuf.Write(p)
}

func (c *scripted) Close() error {
	c.closed = true
	return nil
}

func (c *scripted) SetReadDeadline(t time.Time) error  { return nil }
func (c *scripted) SetWriteDeadline(t time.Time) error { return nil }

func split(b []byte, n int) [][]byte {
	var chunks [][]byte
	for len(b) > 0 {
		k := n
		if k > len(b) {
			k = len(b)
		}
		chunks = append(chunks, b[:k])
		b = b[k:]
	}
	return chunks
}

func testConfig() *config.Swarm {
	cfg := config.Default()
	cfg.BufferSize = 64
	cfg.MaxBufferSize = 1024
	return &cfg
}

func drain(q *Queue) []protocol.Message {
	var msgs []protocol.Message
	for {
		m, ok := q.Pop()
		if !ok {
			return msgs
		}
		msgs = append(msgs, m)
	}
}

var example = []protocol.Message{
	protocol.Choke{},
	protocol.Have{Index: 3},
	protocol.Piece{Index: 0, Begin: 0, Data: []byte("abcd")},
}

func encodeAll(msgs []protocol.Message) []byte {
	var b []byte
	for _, m := range msgs {
		b = protocol.AppendFrame(b, m)
	}
	return b
}

func TestReassembly(t *testing.T) {
	for _, size := range []int{1, 2, 3, 7, 13, 64, 1000} {
		c := &scripted{chunks: split(encodeAll(example), size)}
		now := time.Now()
		s := New(c, nil, testConfig(), now)
		var in Queue
		for i := 0; i < 100 && len(c.chunks) > 0; i++ {
			_, err := s.Fill(now, &in)
			require.NoError(t, err)
		}
		assert.Equal(t, example, drain(&in), "chunk size %v", size)
		assert.Equal(t, 0, s.Buffered())
		assert.Equal(t, uint64(len(example)), s.Stats().FramesIn)
	}
}

func TestReassemblyPipe(t *testing.T) {
	c, p := net.Pipe()
	defer p.Close()
	data := encodeAll(example)
	go func() {
		for _, chunk := range split(data, 7) {
			_, err := p.Write(chunk)
			if err != nil {
				return
			}
		}
	}()

	now := time.Now()
	s := New(c, nil, testConfig(), now)
	defer s.Close()
	var in Queue
	deadline := time.Now().Add(5 * time.Second)
	for in.Len() < len(example) && time.Now().Before(deadline) {
		_, err := s.Fill(time.Now(), &in)
		require.NoError(t, err)
	}
	assert.Equal(t, example, drain(&in))
	assert.Equal(t, uint64(len(data)), s.Stats().BytesIn)
}

func TestInit(t *testing.T) {
	data := encodeAll(example)
	c := &scripted{chunks: [][]byte{data[7:]}}
	now := time.Now()
	s := New(c, data[:7], testConfig(), now)
	var in Queue
	require.NoError(t, s.Decode(&in))
	assert.Equal(t, []protocol.Message{protocol.Choke{}}, drain(&in))
	assert.Equal(t, 2, s.Buffered())
	_, err := s.Fill(now, &in)
	require.NoError(t, err)
	assert.Equal(t, example[1:], drain(&in))
}

func TestFrameTooLarge(t *testing.T) {
	c := &scripted{chunks: [][]byte{{0xFF, 0xFF, 0xFF, 0xFF}}}
	now := time.Now()
	s := New(c, nil, testConfig(), now)
	var in Queue
	done := make(chan error, 1)
	go func() {
		_, err := s.Fill(now, &in)
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
	case <-time.After(5 * time.Second):
		t.Fatal("Fill hung on oversized frame")
	}
	assert.Equal(t, 0, in.Len())

	// a frame that is just too large for the maximum buffer
	b := protocol.AppendFrame(nil, protocol.Bitfield{Bitfield: make([]byte, 1020)})
	c = &scripted{chunks: [][]byte{b[:10]}}
	s = New(c, nil, testConfig(), now)
	_, err := s.Fill(now, &in)
	assert.ErrorIs(t, err, protocol.ErrFrameTooLarge)
}

func TestCompaction(t *testing.T) {
	var msgs []protocol.Message
	for i := 0; i < 20; i++ {
		msgs = append(msgs, protocol.Have{Index: uint32(i)})
	}
	c := &scripted{chunks: [][]byte{encodeAll(msgs)}}
	now := time.Now()
	s := New(c, nil, testConfig(), now)
	var in Queue
	for i := 0; i < 10 && len(c.chunks) > 0; i++ {
		_, err := s.Fill(now, &in)
		require.NoError(t, err)
	}
	assert.Equal(t, msgs, drain(&in))
	assert.Greater(t, s.Stats().Compactions, uint64(0))
	assert.Equal(t, uint64(0), s.Stats().Grows)
	assert.Equal(t, 64, s.Capacity())
}

func TestGrow(t *testing.T) {
	m := protocol.Bitfield{Bitfield: bytes.Repeat([]byte{0xA5}, 200)}
	c := &scripted{chunks: split(protocol.AppendFrame(nil, m), 50)}
	now := time.Now()
	s := New(c, nil, testConfig(), now)
	var in Queue
	for i := 0; i < 10 && len(c.chunks) > 0; i++ {
		_, err := s.Fill(now, &in)
		require.NoError(t, err)
	}
	assert.Equal(t, []protocol.Message{m}, drain(&in))
	assert.Equal(t, uint64(1), s.Stats().Grows)
	assert.LessOrEqual(t, s.Capacity(), 1024)
}

func TestEOF(t *testing.T) {
	c := &scripted{chunks: [][]byte{encodeAll(example[:2])}, eof: true}
	now := time.Now()
	s := New(c, nil, testConfig(), now)
	var in Queue
	_, err := s.Fill(now, &in)
	require.NoError(t, err)
	_, err = s.Fill(now, &in)
	assert.True(t, errors.Is(err, io.EOF))
	assert.Equal(t, example[:2], drain(&in))
}

func TestParseError(t *testing.T) {
	c := &scripted{chunks: [][]byte{{0, 0, 0, 1, 17}}}
	now := time.Now()
	s := New(c, nil, testConfig(), now)
	var in Queue
	_, err := s.Fill(now, &in)
	var perr *protocol.ParseError
	assert.True(t, errors.As(err, &perr))
}

func TestReadWindow(t *testing.T) {
	var msgs []protocol.Message
	for i := 0; i < 50; i++ {
		msgs = append(msgs, protocol.Have{Index: uint32(i)})
	}
	data := encodeAll(msgs)
	c := &scripted{chunks: [][]byte{data}}
	cfg := testConfig()
	cfg.ReadRate = 1
	cfg.WindowSize = 100 * time.Millisecond
	now := time.Now()
	s := New(c, nil, cfg, now)
	var in Queue
	n, err := s.Fill(now, &in)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	n, err = s.Fill(now.Add(50*time.Millisecond), &in)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = s.Fill(now.Add(101*time.Millisecond), &in)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, 22, in.Len())
}

func TestFlush(t *testing.T) {
	c := &scripted{wmax: 5}
	now := time.Now()
	s := New(c, nil, testConfig(), now)
	var out Queue
	for _, m := range example {
		out.Push(m)
	}
	for i := 0; i < 100 && (out.Len() > 0 || s.Writing()); i++ {
		_, err := s.Flush(now, &out)
		require.NoError(t, err)
	}
	assert.Equal(t, encodeAll(example), c.wbuf.Bytes())
	assert.Equal(t, uint64(len(example)), s.Stats().FramesOut)
	assert.False(t, s.Writing())
}

func TestWriteWindow(t *testing.T) {
	c := &scripted{}
	cfg := testConfig()
	cfg.WriteRate = 1
	cfg.WindowSize = 100 * time.Millisecond
	now := time.Now()
	s := New(c, nil, cfg, now)
	var out Queue
	for i := 0; i < 10; i++ {
		out.Push(protocol.Piece{Index: uint32(i), Begin: 0, Data: make([]byte, 41)})
	}
	n, err := s.Flush(now, &out)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.True(t, s.Writing())
	n, err = s.Flush(now.Add(50*time.Millisecond), &out)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = s.Flush(now.Add(101*time.Millisecond), &out)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, 200, c.wbuf.Len())
	assert.Equal(t, uint64(4), s.Stats().FramesOut)
}

func TestClose(t *testing.T) {
	c := &scripted{}
	s := New(c, nil, testConfig(), time.Now())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.True(t, c.closed)
	var q Queue
	_, err := s.Fill(time.Now(), &q)
	assert.Equal(t, ErrClosed, err)
	_, err = s.Flush(time.Now(), &q)
	assert.Equal(t, ErrClosed, err)
}

func TestQueue(t *testing.T) {
	var q Queue
	for i := 0; i < 100; i++ {
		q.Push(protocol.Have{Index: uint32(i)})
	}
	for i := 0; i < 60; i++ {
		m, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, protocol.Have{Index: uint32(i)}, m)
	}
	n := q.Remove(func(m protocol.Message) bool {
		return m.(protocol.Have).Index%2 == 0
	})
	assert.Equal(t, 20, n)
	assert.Equal(t, 20, q.Len())
	var got []uint32
	q.Range(func(m protocol.Message) bool {
		got = append(got, m.(protocol.Have).Index)
		return true
	})
	assert.Equal(t, uint32(61), got[0])
	assert.Equal(t, uint32(99), got[19])
	q.Clear()
	assert.Equal(t, 0, q.Len())
	_, ok := q.Pop()
	assert.False(t, ok)
}
