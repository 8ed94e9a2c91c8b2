//go:build !unix

package poll

import (
	"time"
)

// Poller is a fallback for platforms without poll(2): every item is
// considered ready.
type Poller struct {
	wake chan struct{}
}

func New() (*Poller, error) {
	return &Poller{wake: make(chan struct{}, 1)}, nil
}

func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) Wait(items []Item, timeout time.Duration) (int, error) {
	ready := 0
	for i := range items {
		items[i].Ready = items[i].Want
		if items[i].Want != 0 {
			ready++
		}
	}
	if ready > 0 {
		return ready, nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.wake:
	case <-t.C:
	}
	return 0, nil
}

func (p *Poller) Close() error {
	return nil
}
