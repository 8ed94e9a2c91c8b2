package peer

import (
	"github.com/jech/peerwire/bitmap"
	"github.com/jech/peerwire/peer/requests"
	"github.com/jech/peerwire/pex"
)

// Event is something a connection tells the swarm that owns it.  Events
// accumulate during dispatch and are drained by the swarm with Events.
type Event interface{}

// EventHave reports that the peer announced a piece.
type EventHave struct {
	Index uint32
	Have  bool
}

// EventBitfield reports the peer's initial availability.  It is sent
// only once metadata is known.
type EventBitfield struct {
	Bitmap *bitmap.Bitmap
}

// EventRequest reports a block requested by the peer.
type EventRequest struct {
	Block requests.Block
}

// EventBlock reports the arrival of a block.  Requested is true if we
// had an outstanding request for it on this connection, New is the
// number of bytes that were not held before.
type EventBlock struct {
	Block     requests.Block
	Requested bool
	New       uint32
	Verified  bool
	Err       error
}

// EventDropped reports requests that left the connection without being
// satisfied.
type EventDropped struct {
	Blocks []requests.Block
}

type EventUnchoked struct{}

type EventInterest struct {
	Interested bool
}

// EventPort carries the DHT port announced by the peer.
type EventPort struct {
	Port uint16
}

// EventExtended reports the receipt of an extension handshake.
type EventExtended struct {
	Port    uint16
	Version string
	First   bool
}

// EventCandidates carries peers learnt from the peer itself.
type EventCandidates struct {
	Peers []pex.Peer
}

// EventUploadOnly reports that the peer stopped or started downloading.
type EventUploadOnly struct {
	UploadOnly bool
}
