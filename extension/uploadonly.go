package extension

import (
	"errors"

	"github.com/jech/peerwire/peer"
	"github.com/jech/peerwire/protocol"
)

var ErrUploadOnlyLength = errors.New("bad length for upload_only")

// UploadOnly implements upload_only.  A peer says that it is upload-only
// either in its extension handshake or with a one-byte message.
type UploadOnly struct {
	peers map[*peer.Conn]bool
}

func NewUploadOnly() *UploadOnly {
	return &UploadOnly{peers: make(map[*peer.Conn]bool)}
}

func (u *UploadOnly) Name() string {
	return "upload_only"
}

func (u *UploadOnly) Describe() string {
	return "upload-only announcements"
}

func (u *UploadOnly) HandshakeKeys(c *peer.Conn, h *protocol.ExtendedHandshake) error {
	return h.SetBool(u.Name(), c.Seeding())
}

func (u *UploadOnly) Init(c *peer.Conn) error {
	u.note(c, c.Peer.ExtendedHandshake.Bool(u.Name()))
	return nil
}

func (u *UploadOnly) Handle(c *peer.Conn, payload []byte) error {
	if len(payload) != 1 {
		return ErrUploadOnlyLength
	}
	u.note(c, payload[0] != 0)
	return nil
}

func (u *UploadOnly) note(c *peer.Conn, value bool) {
	old, ok := u.peers[c]
	u.peers[c] = value
	if !ok && !value || ok && old == value {
		return
	}
	c.Emit(peer.EventUploadOnly{UploadOnly: value})
}

func (u *UploadOnly) Forget(c *peer.Conn) {
	delete(u.peers, c)
}

// Get returns true if the peer announced that it is upload-only.
func (u *UploadOnly) Get(c *peer.Conn) bool {
	return u.peers[c]
}

// Send tells the peer whether we are upload-only.
func (u *UploadOnly) Send(c *peer.Conn, value bool) error {
	var v byte
	if value {
		v = 1
	}
	err := c.SendExtended(u.Name(), []byte{v})
	if errors.Is(err, peer.ErrUnsupported) {
		return nil
	}
	return err
}
