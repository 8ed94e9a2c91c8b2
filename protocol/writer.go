package protocol

import (
	"encoding/binary"
	"errors"
)

var ErrShortBuffer = errors.New("destination buffer too short")

func startMessage(dst []byte, length uint32, tpe Type) []byte {
	binary.BigEndian.PutUint32(dst, length)
	dst[4] = byte(tpe)
	return dst[5:]
}

// Encode writes the frame for m at the start of dst and returns the
// number of bytes written.  Dst must hold at least FrameSize(m) bytes.
func Encode(m Message, dst []byte) (int, error) {
	n := FrameSize(m)
	if len(dst) < n {
		return 0, ErrShortBuffer
	}
	switch m := m.(type) {
	case KeepAlive:
		binary.BigEndian.PutUint32(dst, 0)
	case Choke, Unchoke, Interested, NotInterested:
		startMessage(dst, 1, m.Type())
	case Have:
		b := startMessage(dst, m.Size(), TypeHave)
		binary.BigEndian.PutUint32(b, m.Index)
	case Bitfield:
		b := startMessage(dst, m.Size(), TypeBitfield)
		copy(b, m.Bitfield)
	case Request:
		b := startMessage(dst, m.Size(), TypeRequest)
		binary.BigEndian.PutUint32(b, m.Index)
		binary.BigEndian.PutUint32(b[4:], m.Begin)
		binary.BigEndian.PutUint32(b[8:], m.Length)
	case Cancel:
		b := startMessage(dst, m.Size(), TypeCancel)
		binary.BigEndian.PutUint32(b, m.Index)
		binary.BigEndian.PutUint32(b[4:], m.Begin)
		binary.BigEndian.PutUint32(b[8:], m.Length)
	case Piece:
		b := startMessage(dst, m.Size(), TypePiece)
		binary.BigEndian.PutUint32(b, m.Index)
		binary.BigEndian.PutUint32(b[4:], m.Begin)
		copy(b[8:], m.Data)
	case Port:
		b := startMessage(dst, m.Size(), TypePort)
		binary.BigEndian.PutUint16(b, m.Port)
	case Extended:
		b := startMessage(dst, m.Size(), TypeExtended)
		b[0] = m.Subtype
		copy(b[1:], m.Payload)
	default:
		panic("Unknown message")
	}
	return n, nil
}

// AppendFrame appends the frame for m to dst.
func AppendFrame(dst []byte, m Message) []byte {
	l := len(dst)
	n := FrameSize(m)
	if cap(dst)-l < n {
		d := make([]byte, l, l+n)
		copy(d, dst)
		dst = d
	}
	dst = dst[:l+n]
	_, err := Encode(m, dst[l:])
	if err != nil {
		panic(err)
	}
	return dst
}
