// Package poll waits for readiness across many connections at once.
package poll

import (
	"syscall"
	"time"
)

// Interest is a set of readiness conditions.
type Interest uint8

const (
	Read Interest = 1 << iota
	Write
)

// Item is one connection to wait on.  Connections without a file
// descriptor (FD < 0) are always considered ready for what they want.
type Item struct {
	FD    int
	Want  Interest
	Ready Interest
}

// FD returns the file descriptor underlying c, or -1 if c doesn't have
// one (for example a net.Pipe).
func FD(c interface{}) int {
	sc, ok := c.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	err = raw.Control(func(f uintptr) {
		fd = int(f)
	})
	if err != nil {
		return -1
	}
	return fd
}

func milliseconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ms := int(d / time.Millisecond)
	if time.Duration(ms)*time.Millisecond < d {
		ms++
	}
	return ms
}
