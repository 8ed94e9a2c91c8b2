package extension

import (
	"encoding/binary"
	"errors"

	"github.com/jech/peerwire/peer"
	"github.com/jech/peerwire/protocol"
)

var ErrDontHaveLength = errors.New("bad length for lt_donthave")

// DontHave implements lt_donthave, which retracts a previous Have.
type DontHave struct{}

func (DontHave) Name() string {
	return "lt_donthave"
}

func (DontHave) Describe() string {
	return "piece removal"
}

func (DontHave) HandshakeKeys(c *peer.Conn, h *protocol.ExtendedHandshake) error {
	return nil
}

func (DontHave) Init(c *peer.Conn) error {
	return nil
}

func (DontHave) Handle(c *peer.Conn, payload []byte) error {
	if len(payload) != 4 {
		return ErrDontHaveLength
	}
	return c.NoteDontHave(binary.BigEndian.Uint32(payload))
}

// Send tells the peer that we no longer have a piece.  Peers that don't
// support the extension only see our interest change.
func (d DontHave) Send(c *peer.Conn, index uint32) error {
	c.NoteLocalDontHave(index)
	err := c.SendExtended(d.Name(), binary.BigEndian.AppendUint32(nil, index))
	if errors.Is(err, peer.ErrUnsupported) {
		return nil
	}
	return err
}
