//go:build unix

package storage

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Pieces at least this large are allocated outside the Go heap, so
// that dropping a torrent returns memory to the system at once.
const cutoff = 128 * 1024

var allocated int64

func alloc(size int) ([]byte, error) {
	if size < cutoff {
		atomic.AddInt64(&allocated, int64(size))
		return make([]byte, size), nil
	}
	p, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&allocated, int64(cap(p)))
	return p[:size], nil
}

func free(p []byte) error {
	if cap(p) < cutoff {
		atomic.AddInt64(&allocated, -int64(cap(p)))
		return nil
	}
	err := unix.Munmap(p[:cap(p)])
	atomic.AddInt64(&allocated, -int64(cap(p)))
	return err
}

// Allocated returns the number of bytes held by piece buffers across
// all stores.
func Allocated() int64 {
	return atomic.LoadInt64(&allocated)
}
