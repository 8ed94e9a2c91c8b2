package peer

import (
	"fmt"
	"time"

	"github.com/jech/peerwire/bitmap"
	"github.com/jech/peerwire/config"
	"github.com/jech/peerwire/peer/requests"
	"github.com/jech/peerwire/protocol"
)

func (c *Conn) handle(m protocol.Message, now time.Time) error {
	switch m := m.(type) {
	case protocol.KeepAlive:
	case protocol.Choke:
		c.Peer.Choking = true
		c.out.Remove(func(m protocol.Message) bool {
			_, ok := m.(protocol.Request)
			return ok
		})
		c.dropRequests()
		c.download.Stop()
	case protocol.Unchoke:
		c.Peer.Choking = false
		c.Emit(EventUnchoked{})
	case protocol.Interested:
		c.Peer.Interested = true
		c.Emit(EventInterest{Interested: true})
	case protocol.NotInterested:
		c.Peer.Interested = false
		c.Emit(EventInterest{Interested: false})
	case protocol.Have:
		return c.handleHave(m.Index)
	case protocol.Bitfield:
		return c.handleBitfield(m.Bitfield)
	case protocol.Request:
		return c.handleRequest(requests.Block{
			Index: m.Index, Begin: m.Begin, Length: m.Length,
		}, now)
	case protocol.Piece:
		return c.handlePiece(m, now)
	case protocol.Cancel:
		b := requests.Block{Index: m.Index, Begin: m.Begin, Length: m.Length}
		c.Peer.Requests.Del(b)
		c.out.Remove(func(m protocol.Message) bool {
			p, ok := m.(protocol.Piece)
			if !ok || p.Index != b.Index || p.Begin != b.Begin ||
				uint32(len(p.Data)) != b.Length {
				return false
			}
			protocol.PutBuffer(p.Data)
			return true
		})
	case protocol.Port:
		c.Emit(EventPort{Port: m.Port})
	case protocol.Extended:
		return c.handleExtended(m)
	default:
		return fail(Protocol, fmt.Errorf("unexpected message %v", m.Type()))
	}
	return nil
}

func (c *Conn) handleHave(index uint32) error {
	n := c.numPieces()
	if n < 0 {
		return c.notePending(index)
	}
	err := protocol.ValidateIndex(index, n)
	if err != nil {
		return err
	}
	if c.Peer.Available == nil {
		c.Peer.Available = bitmap.New(n)
	}
	if c.Peer.Available.Get(int(index)) {
		c.log.Debug().Uint32("index", index).Msg("redundant Have")
		return nil
	}
	c.Peer.Available.Set(int(index))
	c.Emit(EventHave{Index: index, Have: true})
	if !c.Client.Interested && !c.Client.Available.Get(int(index)) {
		c.SetInterested(true)
	}
	return nil
}

// maxPending bounds the number of distinct Haves kept while metadata is
// unknown.  A peer with that many pieces should send a bitfield.
const maxPending = 1 << 16

func (c *Conn) notePending(index uint32) error {
	// no bitfield can describe this piece
	if index >= 8*config.MaxFrameSize {
		return fail(Protocol, fmt.Errorf("%w (%v)",
			protocol.ErrIndexRange, index))
	}
	if _, ok := c.pending[index]; ok {
		return nil
	}
	if len(c.Peer.Pending) >= maxPending {
		return fail(Protocol, ErrTooManyPending)
	}
	if c.pending == nil {
		c.pending = make(map[uint32]struct{})
	}
	c.pending[index] = struct{}{}
	c.Peer.Pending = append(c.Peer.Pending, index)
	return nil
}

func (c *Conn) handleBitfield(bf []byte) error {
	if c.gotBitfield {
		return fail(Protocol, ErrDuplicateBitfield)
	}
	c.gotBitfield = true
	b := bitmap.FromBytes(bf)

	n := c.numPieces()
	if n < 0 {
		// validated by MetadataKnown
		c.Peer.Available = b
		return nil
	}

	err := b.Fits(n)
	if err != nil {
		return fail(Validation, fmt.Errorf("bitfield: %w", err))
	}
	added := bitmap.New(n)
	b.Range(func(i int) bool {
		if !c.Peer.Available.Get(i) {
			added.Set(i)
		}
		return true
	})
	if c.Peer.Available == nil {
		c.Peer.Available = bitmap.New(n)
	}
	added.Range(func(i int) bool {
		c.Peer.Available.Set(i)
		return true
	})
	if !added.Empty() {
		c.Emit(EventBitfield{Bitmap: added})
	}
	c.evaluateInterest()
	return nil
}

func (c *Conn) handleRequest(b requests.Block, now time.Time) error {
	if b.Length > maxRequestLength {
		return fail(Protocol, fmt.Errorf("%w (%v)",
			ErrRequestTooLarge, b.Length))
	}
	if c.numPieces() >= 0 {
		err := c.validateBlock(b)
		if err != nil {
			return err
		}
	}
	if c.Peer.Requests.Len() >= c.cfg.MaxPeerRequests {
		// head drop
		r, _ := c.Peer.Requests.First()
		c.Peer.Requests.Del(r.Block)
		c.log.Debug().Stringer("block", r.Block).
			Msg("dropping peer request")
	}
	if c.Peer.Requests.Add(b, now) {
		c.Emit(EventRequest{Block: b})
	}
	return nil
}

func (c *Conn) handlePiece(m protocol.Piece, now time.Time) error {
	defer protocol.PutBuffer(m.Data)
	b := requests.Block{
		Index: m.Index, Begin: m.Begin, Length: uint32(len(m.Data)),
	}
	if c.numPieces() < 0 {
		c.log.Debug().Stringer("block", b).
			Msg("block received before metadata")
		return nil
	}
	err := c.validateBlock(b)
	if err != nil {
		return err
	}

	requested, tm := c.Client.Requests.Del(b)
	if requested {
		c.noteRtt(now.Sub(tm))
	}
	ev := EventBlock{Block: b, Requested: requested}
	ev.New = c.storage.SizeOfBlockNotYetHeld(b.Index, b.Begin, b.Length)
	if ev.New > 0 {
		ev.Verified, ev.Err =
			c.storage.StorePieceBlock(b.Index, b.Begin, m.Data)
	}
	if requested || ev.New > 0 {
		c.download.Accumulate(len(m.Data), now)
		c.avgDownload.Accumulate(len(m.Data), now)
		c.Emit(ev)
	}
	return nil
}

func (c *Conn) handleExtended(m protocol.Extended) error {
	if !c.Peer.Handshake.Extended {
		return fail(Protocol, ErrExtensionDisabled)
	}
	if m.Subtype == 0 {
		h, err := protocol.ParseExtendedHandshake(m.Payload)
		if err != nil {
			return fail(Protocol,
				fmt.Errorf("extension handshake: %w", err))
		}
		first := c.Peer.ExtendedHandshake == nil
		c.Peer.ExtendedHandshake = h
		if first {
			for _, ext := range c.exts {
				if h.Id(ext.Name()) == 0 {
					continue
				}
				err := ext.Init(c)
				if err != nil {
					return fail(Protocol, fmt.Errorf(
						"%v: %w", ext.Name(), err))
				}
			}
		}
		c.Emit(EventExtended{
			Port: h.Port, Version: h.Version, First: first,
		})
		return nil
	}

	i := int(m.Subtype) - 1
	if i >= len(c.exts) {
		return fail(Protocol, fmt.Errorf("%w %v",
			ErrUnknownExtension, m.Subtype))
	}
	err := c.exts[i].Handle(c, m.Payload)
	if err != nil {
		f := classify(err)
		if f.Kind == Transport {
			f = fail(Protocol,
				fmt.Errorf("%v: %w", c.exts[i].Name(), err))
		}
		return f
	}
	return nil
}
