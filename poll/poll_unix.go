//go:build unix

package poll

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Poller waits for readiness with poll(2).  Wait must only be called
// from one goroutine; Wake may be called from any goroutine.
type Poller struct {
	pfds  []unix.PollFd
	index []int

	mu     sync.Mutex
	closed bool
	rd, wr int
}

// New creates a poller, including the pipe used by Wake.
func New() (*Poller, error) {
	var fds [2]int
	err := unix.Pipe(fds[:])
	if err != nil {
		return nil, err
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		err = unix.SetNonblock(fd, true)
		if err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, err
		}
	}
	return &Poller{rd: fds[0], wr: fds[1]}, nil
}

// Wake causes a concurrent or subsequent Wait to return early.
func (p *Poller) Wake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		unix.Write(p.wr, []byte{0})
	}
}

func (p *Poller) drain() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.rd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Wait blocks until at least one item is ready, Wake is called, or the
// timeout expires, and sets the Ready field of every item.  It returns
// the number of ready items.
func (p *Poller) Wait(items []Item, timeout time.Duration) (int, error) {
	p.pfds = append(p.pfds[:0],
		unix.PollFd{Fd: int32(p.rd), Events: unix.POLLIN})
	p.index = p.index[:0]

	ready := 0
	for i := range items {
		it := &items[i]
		it.Ready = 0
		if it.Want == 0 {
			continue
		}
		if it.FD < 0 {
			it.Ready = it.Want
			ready++
			continue
		}
		var events int16
		if it.Want&Read != 0 {
			events |= unix.POLLIN
		}
		if it.Want&Write != 0 {
			events |= unix.POLLOUT
		}
		p.pfds = append(p.pfds,
			unix.PollFd{Fd: int32(it.FD), Events: events})
		p.index = append(p.index, i)
	}

	if ready > 0 {
		timeout = 0
	}

	deadline := time.Now().Add(timeout)
	for {
		_, err := unix.Poll(p.pfds, milliseconds(timeout))
		if err == nil {
			break
		}
		if err != unix.EINTR {
			return ready, err
		}
		timeout = time.Until(deadline)
		if timeout < 0 {
			timeout = 0
		}
	}

	if p.pfds[0].Revents != 0 {
		p.drain()
	}

	for j, pfd := range p.pfds[1:] {
		it := &items[p.index[j]]
		r := pfd.Revents
		if r == 0 {
			continue
		}
		// errors and hangups are reported as readiness, so that the
		// following read or write observes them
		if it.Want&Read != 0 &&
			r&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			it.Ready |= Read
		}
		if it.Want&Write != 0 &&
			r&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 {
			it.Ready |= Write
		}
		if r&unix.POLLNVAL != 0 {
			it.Ready = it.Want
		}
		if it.Ready != 0 {
			ready++
		}
	}
	return ready, nil
}

func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err1 := unix.Close(p.rd)
	err2 := unix.Close(p.wr)
	if err1 != nil {
		return err1
	}
	return err2
}
