package wire

import (
	"sync"
)

// Frame payload buffers are pooled by size class to keep per-request
// allocations off the hot path. Echo and add requests fit in the small
// class; the large class matches DefaultMaxFrameSize so any admissible
// frame can be served from the pool.
const (
	smallBufferSize  = 512
	mediumBufferSize = 16 << 10 // 16KB
	largeBufferSize  = 1 << 20  // 1MB
)

type bufferPool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool
}

var globalBufferPool = &bufferPool{
	small: sync.Pool{
		New: func() any {
			buf := make([]byte, smallBufferSize)
			return &buf
		},
	},
	medium: sync.Pool{
		New: func() any {
			buf := make([]byte, mediumBufferSize)
			return &buf
		},
	},
	large: sync.Pool{
		New: func() any {
			buf := make([]byte, largeBufferSize)
			return &buf
		},
	},
}

// Get returns a slice of exactly size bytes backed by a pooled buffer.
// Requests above largeBufferSize are allocated directly and never pooled,
// so an occasional oversized limit does not pin memory.
func (p *bufferPool) Get(size uint32) []byte {
	var bufPtr *[]byte

	switch {
	case size <= smallBufferSize:
		bufPtr = p.small.Get().(*[]byte)
	case size <= mediumBufferSize:
		bufPtr = p.medium.Get().(*[]byte)
	case size <= largeBufferSize:
		bufPtr = p.large.Get().(*[]byte)
	default:
		return make([]byte, size)
	}

	return (*bufPtr)[:size]
}

// Put returns a buffer obtained from Get. Buffers whose capacity does not
// match a pool class are dropped for the GC.
func (p *bufferPool) Put(buf []byte) {
	if buf == nil {
		return
	}

	switch cap(buf) {
	case smallBufferSize:
		full := buf[:cap(buf)]
		p.small.Put(&full)
	case mediumBufferSize:
		full := buf[:cap(buf)]
		p.medium.Put(&full)
	case largeBufferSize:
		full := buf[:cap(buf)]
		p.large.Put(&full)
	}
}

// GetBuffer acquires a buffer from the shared pool.
func GetBuffer(size uint32) []byte {
	return globalBufferPool.Get(size)
}

// PutBuffer returns a buffer to the shared pool. Pair with GetBuffer,
// typically via defer, once the payload has been fully consumed.
func PutBuffer(buf []byte) {
	globalBufferPool.Put(buf)
}
