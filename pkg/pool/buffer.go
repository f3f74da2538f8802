// Package pool holds reusable I/O buffers. Archive creation and extraction
// borrow one buffer per call instead of allocating a fresh one per archive.
package pool

import "sync"

// FixedBufferPool hands out byte slices of a single size.
type FixedBufferPool struct {
	size int64
	pool sync.Pool
}

// NewFixedBuffer returns a pool of buffers of size bytes. Sizes <= 0 fall
// back to 32 KiB, the io.Copy default.
func NewFixedBuffer(size int64) *FixedBufferPool {
	if size <= 0 {
		size = 32 * 1024
	}
	return &FixedBufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, int(size))
				return &b
			},
		},
	}
}

// Size returns the length of the buffers handed out by Get.
func (fp *FixedBufferPool) Size() int64 { return fp.size }

// Get returns a buffer of Size bytes.
func (fp *FixedBufferPool) Get() *[]byte {
	return fp.pool.Get().(*[]byte)
}

// Put returns b to the pool. Buffers of another capacity are dropped.
func (fp *FixedBufferPool) Put(b *[]byte) {
	if b == nil || int64(cap(*b)) != fp.size {
		return
	}
	*b = (*b)[:fp.size]
	fp.pool.Put(b)
}
