package peer

import (
	"time"

	"github.com/jech/peerwire/config"
	"github.com/jech/peerwire/protocol"
)

// Extension is an extension of the peer-wire protocol negotiated in
// the extension handshake.  Extensions are registered when a swarm is
// created; the extension at position i of Options.Extensions receives
// the local subtype i+1.
type Extension interface {
	// Name is the key of the extension in the handshake's m
	// dictionary.
	Name() string
	Describe() string
	// HandshakeKeys adds the extension's own keys to a handshake
	// we are about to send on c.
	HandshakeKeys(c *Conn, h *protocol.ExtendedHandshake) error
	// Init is called once, when the first handshake from the peer
	// advertises the extension.
	Init(c *Conn) error
	// Handle processes a message sent to our subtype.
	Handle(c *Conn, payload []byte) error
}

// Ticker is implemented by extensions that do periodic work.
type Ticker interface {
	Pending(c *Conn, now time.Time) bool
	Tick(c *Conn, now time.Time) error
}

// Forgetter is implemented by extensions that keep per-connection
// state.  Forget is called when a connection is closed.
type Forgetter interface {
	Forget(c *Conn)
}

// Extensions returns the locally registered extensions.
func (c *Conn) Extensions() []Extension {
	return c.exts
}

// RemoteExtension returns the subtype the peer assigned to the named
// extension, or 0 if the peer doesn't support it.
func (c *Conn) RemoteExtension(name string) uint8 {
	return c.Peer.ExtendedHandshake.Id(name)
}

// SendExtendedHandshake sends a fresh extension handshake and records it
// as the client's current one.
func (c *Conn) SendExtendedHandshake() error {
	h := &protocol.ExtendedHandshake{
		Messages: make(map[string]uint8, len(c.exts)),
		Version:  config.Version,
		Port:     c.port,
		ReqQ:     uint32(c.cfg.MaxPeerRequests),
	}
	for i, ext := range c.exts {
		h.Messages[ext.Name()] = uint8(i + 1)
		err := ext.HandshakeKeys(c, h)
		if err != nil {
			return err
		}
	}
	payload, err := h.Encode()
	if err != nil {
		return err
	}
	err = c.Send(protocol.Extended{Subtype: 0, Payload: payload})
	if err != nil {
		return err
	}
	c.Client.ExtendedHandshake = h
	return nil
}

// SendExtended sends an extension message to the peer, using the
// subtype the peer assigned to name.
func (c *Conn) SendExtended(name string, payload []byte) error {
	id := c.RemoteExtension(name)
	if id == 0 {
		return ErrUnsupported
	}
	return c.Send(protocol.Extended{Subtype: id, Payload: payload})
}

// TickExtensions gives a tick to every extension that has work pending.
func (c *Conn) TickExtensions(now time.Time) {
	if c.state != Established {
		return
	}
	for _, ext := range c.exts {
		t, ok := ext.(Ticker)
		if !ok || !t.Pending(c, now) {
			continue
		}
		err := t.Tick(c, now)
		if err != nil {
			c.log.Warn().Err(err).Str("extension", ext.Name()).
				Msg("extension tick")
		}
	}
}
