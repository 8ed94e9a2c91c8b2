// Package config holds process-wide settings and the tunables of the
// swarm scheduling algorithms.
package config

import (
	"sync/atomic"
	"time"
)

// ProtocolPort is the TCP port we listen on for peer connections.
var ProtocolPort int

// HTTPAddr is the address of the local status server.
var HTTPAddr string

// Debug enables logging of every message sent and received.
var Debug bool

// ChunkSize is the size of the blocks we request.
const ChunkSize uint32 = 16 * 1024

// MaxFrameSize is the largest frame we are willing to buffer.  No legal
// Piece message is larger than a chunk plus its header, but bitfields
// of large torrents may be.
const MaxFrameSize = 1024 * 1024

// IOSlack bounds the time a single non-blocking read or write may wait.
const IOSlack = time.Millisecond

// Version is announced in the extension handshake.
const Version = "peerwire 0.1"

// PeerIDPrefix starts every peer id we generate.
const PeerIDPrefix = "-PW0001-"

var uploadRate uint32 = 512 * 1024

// UploadRate returns the process-wide upload rate in bytes per second.
// Zero means unlimited.
func UploadRate() float64 {
	return float64(atomic.LoadUint32(&uploadRate))
}

func SetUploadRate(rate float64) {
	var r uint32
	if rate < 0 {
		r = 0
	} else if rate > float64(^uint32(0)) {
		r = ^uint32(0)
	} else {
		r = uint32(rate + 0.5)
	}
	atomic.StoreUint32(&uploadRate, r)
}

var defaultProxy atomic.Value

// SetDefaultProxy sets the URL of the proxy used for outgoing peer
// connections.  The empty string means direct connections.
func SetDefaultProxy(s string) {
	defaultProxy.Store(s)
}

func DefaultProxy() string {
	s, _ := defaultProxy.Load().(string)
	return s
}

// Swarm holds the tunables of one swarm.  They are copied when a swarm
// is created and may be changed afterwards only through the swarm's
// command queue.
type Swarm struct {
	// choking
	UnchokeSlots     int
	OptimisticPeriod time.Duration
	ChokePeriod      time.Duration

	// piece selection
	PipelineDepth    int
	EndgameThreshold int

	// connectivity
	MinPeers          int
	MaxPeers          int
	IdleTimeout       time.Duration
	KeepaliveInterval time.Duration
	RequestTimeout    time.Duration

	// event loop
	MaxPollDelay time.Duration
	CommandBurst int

	// framed stream
	BufferSize    int
	MaxBufferSize int
	WindowSize    time.Duration
	ReadRate      float64 // bytes per millisecond, 0 for unlimited
	WriteRate     float64 // bytes per millisecond, 0 for unlimited

	// upload service
	MaxPeerRequests int
	MaxQueued       int
}

// Default returns the tunables used unless the caller overrides them.
func Default() Swarm {
	return Swarm{
		UnchokeSlots:      4,
		OptimisticPeriod:  30 * time.Second,
		ChokePeriod:       10 * time.Second,
		PipelineDepth:     16,
		EndgameThreshold:  4,
		MinPeers:          20,
		MaxPeers:          50,
		IdleTimeout:       5 * time.Minute,
		KeepaliveInterval: 110 * time.Second,
		RequestTimeout:    60 * time.Second,
		MaxPollDelay:      250 * time.Millisecond,
		CommandBurst:      16,
		BufferSize:        64 * 1024,
		MaxBufferSize:     MaxFrameSize + 4,
		WindowSize:        time.Second,
		MaxPeerRequests:   250,
		MaxQueued:         64,
	}
}
