// Package protocol implements low-level details of the BitTorrent protocol.
package protocol

import (
	"fmt"
)

// Type is the message id carried after the length field.
type Type int16

const (
	TypeKeepAlive     Type = -1
	TypeChoke         Type = 0
	TypeUnchoke       Type = 1
	TypeInterested    Type = 2
	TypeNotInterested Type = 3
	TypeHave          Type = 4
	TypeBitfield      Type = 5
	TypeRequest       Type = 6
	TypePiece         Type = 7
	TypeCancel        Type = 8
	TypePort          Type = 9
	TypeExtended      Type = 20
)

func (t Type) String() string {
	switch t {
	case TypeKeepAlive:
		return "KeepAlive"
	case TypeChoke:
		return "Choke"
	case TypeUnchoke:
		return "Unchoke"
	case TypeInterested:
		return "Interested"
	case TypeNotInterested:
		return "NotInterested"
	case TypeHave:
		return "Have"
	case TypeBitfield:
		return "Bitfield"
	case TypeRequest:
		return "Request"
	case TypePiece:
		return "Piece"
	case TypeCancel:
		return "Cancel"
	case TypePort:
		return "Port"
	case TypeExtended:
		return "Extended"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Message is one peer-wire message.  The set of implementations is
// closed: it is exactly the types defined in this file.
type Message interface {
	Type() Type
	// Size is the value of the length field: the size of the id and
	// the payload, and 0 for KeepAlive.
	Size() uint32
}

type KeepAlive struct{}
type Choke struct{}
type Unchoke struct{}
type Interested struct{}
type NotInterested struct{}
type Have struct {
	Index uint32
}
type Bitfield struct {
	Bitfield []byte
}
type Request struct {
	Index, Begin, Length uint32
}
type Piece struct {
	Index, Begin uint32
	Data         []byte
}
type Cancel struct {
	Index, Begin, Length uint32
}
type Port struct {
	Port uint16
}

// Extended is a message of the extension protocol.  Subtype 0 is the
// extension handshake; other subtypes are the ids the receiver assigned
// in its own handshake.
type Extended struct {
	Subtype uint8
	Payload []byte
}

func (KeepAlive) Type() Type     { return TypeKeepAlive }
func (Choke) Type() Type         { return TypeChoke }
func (Unchoke) Type() Type       { return TypeUnchoke }
func (Interested) Type() Type    { return TypeInterested }
func (NotInterested) Type() Type { return TypeNotInterested }
func (Have) Type() Type          { return TypeHave }
func (Bitfield) Type() Type      { return TypeBitfield }
func (Request) Type() Type       { return TypeRequest }
func (Piece) Type() Type         { return TypePiece }
func (Cancel) Type() Type        { return TypeCancel }
func (Port) Type() Type          { return TypePort }
func (Extended) Type() Type      { return TypeExtended }

func (KeepAlive) Size() uint32     { return 0 }
func (Choke) Size() uint32         { return 1 }
func (Unchoke) Size() uint32       { return 1 }
func (Interested) Size() uint32    { return 1 }
func (NotInterested) Size() uint32 { return 1 }
func (Have) Size() uint32          { return 5 }
func (m Bitfield) Size() uint32    { return 1 + uint32(len(m.Bitfield)) }
func (Request) Size() uint32       { return 13 }
func (m Piece) Size() uint32       { return 9 + uint32(len(m.Data)) }
func (Cancel) Size() uint32        { return 13 }
func (Port) Size() uint32          { return 3 }
func (m Extended) Size() uint32    { return 2 + uint32(len(m.Payload)) }

// FrameSize returns the number of bytes m occupies on the wire.
func FrameSize(m Message) int {
	return 4 + int(m.Size())
}

// Format returns a short human-readable description of m, suitable for
// tracing.  Payloads are summarised by their length.
func Format(m Message) string {
	switch m := m.(type) {
	case Have:
		return fmt.Sprintf("Have %v", m.Index)
	case Bitfield:
		return fmt.Sprintf("Bitfield %v", len(m.Bitfield))
	case Request:
		return fmt.Sprintf("Request %v %v %v", m.Index, m.Begin, m.Length)
	case Piece:
		return fmt.Sprintf("Piece %v %v %v", m.Index, m.Begin, len(m.Data))
	case Cancel:
		return fmt.Sprintf("Cancel %v %v %v", m.Index, m.Begin, m.Length)
	case Port:
		return fmt.Sprintf("Port %v", m.Port)
	case Extended:
		return fmt.Sprintf("Extended%v %v", m.Subtype, len(m.Payload))
	case nil:
		return "nil"
	default:
		return m.Type().String()
	}
}
