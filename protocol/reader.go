package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/jech/peerwire/config"
)

var (
	ErrNeedMore       = errors.New("incomplete frame")
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrUnknownMessage = errors.New("unknown message")
	ErrBadLength      = errors.New("bad message length")
)

// ParseError is returned by Decode for malformed frames.  It is fatal to
// the connection that produced it.
type ParseError struct {
	Id     uint8
	Length uint32
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: id %v length %v: %v",
		e.Id, e.Length, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var pool sync.Pool = sync.Pool{
	New: func() interface{} {
		return make([]byte, config.ChunkSize)
	},
}

// GetBuffer returns a buffer of the given length.  Chunk-sized buffers
// come from a pool.
func GetBuffer(length int) []byte {
	if length == int(config.ChunkSize) {
		buf := pool.Get().([]byte)
		return buf
	}
	return make([]byte, length)
}

// PutBuffer returns a buffer obtained from GetBuffer to the pool.  The
// caller must not use buf afterwards.
func PutBuffer(buf []byte) {
	if len(buf) == int(config.ChunkSize) {
		pool.Put(buf)
	}
}

// FrameLength returns the value of the length field at the start of buf,
// and false if fewer than four bytes are available.
func FrameLength(buf []byte) (uint32, bool) {
	if len(buf) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(buf), true
}

func parseError(id uint8, length uint32, err error) error {
	return &ParseError{Id: id, Length: length, Err: err}
}

// Decode parses the frame at the start of buf.  It returns the message
// and the number of bytes consumed.  If buf does not hold a complete
// frame, it returns ErrNeedMore; if the length field exceeds max, it
// returns ErrFrameTooLarge without waiting for the body.  Decode never
// retains or modifies buf: variable-length fields are copied.
func Decode(buf []byte, max uint32) (Message, int, error) {
	length, ok := FrameLength(buf)
	if !ok {
		return nil, 0, ErrNeedMore
	}

	if length > max {
		return nil, 0, ErrFrameTooLarge
	}

	if length == 0 {
		return KeepAlive{}, 4, nil
	}

	if uint64(len(buf)) < 4+uint64(length) {
		return nil, 0, ErrNeedMore
	}

	size := 4 + int(length)
	tpe := buf[4]
	body := buf[5:size]

	switch Type(tpe) {
	case TypeChoke, TypeUnchoke, TypeInterested, TypeNotInterested:
		if length != 1 {
			return nil, 0, parseError(tpe, length, ErrBadLength)
		}
		switch Type(tpe) {
		case TypeChoke:
			return Choke{}, size, nil
		case TypeUnchoke:
			return Unchoke{}, size, nil
		case TypeInterested:
			return Interested{}, size, nil
		default:
			return NotInterested{}, size, nil
		}
	case TypeHave:
		if length != 5 {
			return nil, 0, parseError(tpe, length, ErrBadLength)
		}
		return Have{binary.BigEndian.Uint32(body)}, size, nil
	case TypeBitfield:
		bf := make([]byte, len(body))
		copy(bf, body)
		return Bitfield{bf}, size, nil
	case TypeRequest, TypeCancel:
		if length != 13 {
			return nil, 0, parseError(tpe, length, ErrBadLength)
		}
		index := binary.BigEndian.Uint32(body)
		begin := binary.BigEndian.Uint32(body[4:])
		l := binary.BigEndian.Uint32(body[8:])
		if Type(tpe) == TypeRequest {
			return Request{index, begin, l}, size, nil
		}
		return Cancel{index, begin, l}, size, nil
	case TypePiece:
		if length < 9 {
			return nil, 0, parseError(tpe, length, ErrBadLength)
		}
		index := binary.BigEndian.Uint32(body)
		begin := binary.BigEndian.Uint32(body[4:])
		data := GetBuffer(len(body) - 8)
		copy(data, body[8:])
		return Piece{index, begin, data}, size, nil
	case TypePort:
		if length != 3 {
			return nil, 0, parseError(tpe, length, ErrBadLength)
		}
		return Port{binary.BigEndian.Uint16(body)}, size, nil
	case TypeExtended:
		if length < 2 {
			return nil, 0, parseError(tpe, length, ErrBadLength)
		}
		payload := make([]byte, len(body)-1)
		copy(payload, body[1:])
		return Extended{body[0], payload}, size, nil
	}
	return nil, 0, parseError(tpe, length, ErrUnknownMessage)
}
