package swarm

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"github.com/jech/peerwire/config"
	"github.com/jech/peerwire/protocol"
)

var ErrMartianAddress = errors.New("martian address")
var ErrBadPort = errors.New("bad port")

// Dialer establishes outgoing connections, possibly through a proxy.
type Dialer struct {
	// Proxy is the URL of a proxy, the empty string means
	// config.DefaultProxy.
	Proxy   string
	Timeout time.Duration
	// AllowLocal permits connections to non-global addresses.
	AllowLocal bool
}

func (d *Dialer) Dial(ctx context.Context, addr netip.AddrPort) (net.Conn, error) {
	if !d.AllowLocal && !addr.Addr().IsGlobalUnicast() {
		return nil, ErrMartianAddress
	}
	port := addr.Port()
	if port == 0 || port == 1 || port == 22 || port == 25 {
		return nil, ErrBadPort
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	p := d.Proxy
	if p == "" {
		p = config.DefaultProxy()
	}
	if p == "" {
		var dialer net.Dialer
		return dialer.DialContext(ctx, "tcp", addr.String())
	}
	u, err := url.Parse(p)
	if err != nil {
		return nil, err
	}
	dialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, err
	}
	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("Dialer is not ContextDialer")
	}
	return cd.DialContext(ctx, "tcp", addr.String())
}

// Listener accepts incoming connections and dispatches them to the
// running swarm named in their handshake.
type Listener struct {
	listener net.Listener
	dht      bool
	// AllowLocal permits connections from non-global addresses.
	AllowLocal bool
	log        zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// Listen creates a listener.  On failure, a ListenFailed event is
// posted to events, if not nil.
func Listen(addr string, dht bool, events *Events, logger zerolog.Logger) (*Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		if events != nil {
			events.post(ListenFailed{Addr: addr, Err: err})
		}
		return nil, err
	}
	return &Listener{
		listener: l,
		dht:      dht,
		log:      logger.With().Str("listen", l.Addr().String()).Logger(),
	}, nil
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *Listener) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.listener.Close()
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Serve accepts connections until the listener is closed or ctx is
// done.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if l.isClosed() || ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn().Err(err).Msg("accept")
			time.Sleep(roughly(2 * time.Second))
			continue
		}
		go func(conn net.Conn) {
			err := l.server(ctx, conn)
			if err != nil {
				l.log.Debug().Err(err).
					Stringer("addr", conn.RemoteAddr()).
					Msg("server")
			}
		}(conn)
	}
}

// server performs the handshake on an incoming connection and hands it
// to its swarm.
func (l *Listener) server(ctx context.Context, conn net.Conn) error {
	var addr netip.AddrPort
	if a, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		addr = a.AddrPort()
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		if !l.AllowLocal && !addr.Addr().IsGlobalUnicast() {
			conn.Close()
			return ErrMartianAddress
		}
	}

	result, init, err := protocol.ServerHandshake(conn, l.dht, lookup)
	if err != nil {
		conn.Close()
		return err
	}

	s := Get(result.Hash)
	if s == nil {
		conn.Close()
		return protocol.ErrUnknownTorrent
	}
	if result.Id == s.MyId {
		conn.Close()
		return ErrConnectionSelf
	}
	err = s.Submit(ctx, AddConn{
		Conn:   conn,
		Result: result,
		Init:   init,
		Addr:   addr,
	})
	if err != nil {
		conn.Close()
	}
	return err
}

func roughly(d time.Duration) time.Duration {
	r := d / 4
	if r > 2*time.Second {
		r = 2 * time.Second
	}
	m := time.Duration(rand.Int63n(int64(r)))
	return d + m - r/2
}
