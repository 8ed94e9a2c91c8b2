//go:build !unix

package storage

import (
	"sync/atomic"
)

var allocated int64

func alloc(size int) ([]byte, error) {
	atomic.AddInt64(&allocated, int64(size))
	return make([]byte, size), nil
}

func free(p []byte) error {
	atomic.AddInt64(&allocated, -int64(cap(p)))
	return nil
}

func Allocated() int64 {
	return atomic.LoadInt64(&allocated)
}
