package buffer

import "github.com/valyala/bytebufferpool"

// storage backs every Buffer. The pool calibrates itself to the sizes
// connections end up using, so grown buffers are recycled at that size.
var storage bytebufferpool.Pool

// acquire returns pooled storage whose B holds exactly size bytes.
func acquire(size int) *bytebufferpool.ByteBuffer {
	bb := storage.Get()
	if cap(bb.B) < size {
		bb.B = make([]byte, size)
	}
	bb.B = bb.B[:size]
	return bb
}

// release wipes bb and hands it back to the pool. Plaintext never outlives
// the buffer that held it.
func release(bb *bytebufferpool.ByteBuffer) {
	if bb == nil {
		return
	}
	clear(bb.B[:cap(bb.B)])
	storage.Put(bb)
}
