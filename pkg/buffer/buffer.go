package buffer

import (
	"errors"
	"fmt"

	"github.com/valyala/bytebufferpool"
)

// MinSize is the capacity used when neither an initial size nor a minimum
// is known.
const MinSize = 256

// ErrExceedsMaximum indicates a growth request beyond the role's maximum size.
var ErrExceedsMaximum = errors.New("buffer size exceeds maximum")

// Buffer is a growable byte buffer with separate read and write offsets.
// Storage is allocated lazily on first use. A Buffer is not safe for
// concurrent use; each connection direction owns its buffers exclusively.
type Buffer struct {
	bb      *bytebufferpool.ByteBuffer
	buf     []byte
	r       int
	w       int
	initial int
	grows   int
}

// New creates a buffer whose first allocation has the given capacity.
// No storage is allocated until the buffer is used.
func New(initial int) *Buffer {
	if initial <= 0 {
		initial = MinSize
	}
	return &Buffer{initial: initial}
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int { return b.w - b.r }

// Cap returns the current capacity (0 before first use or after Release).
func (b *Buffer) Cap() int { return len(b.buf) }

// Initial returns the capacity of the first allocation.
func (b *Buffer) Initial() int { return b.initial }

// Available returns the number of bytes that can be written without compacting.
func (b *Buffer) Available() int { return len(b.buf) - b.w }

// Grows returns how many times the buffer was reallocated to a larger size.
func (b *Buffer) Grows() int { return b.grows }

// Allocated reports whether the buffer currently holds storage.
func (b *Buffer) Allocated() bool { return b.buf != nil }

// Bytes returns the unread bytes. The slice aliases the buffer's storage.
func (b *Buffer) Bytes() []byte { return b.buf[b.r:b.w] }

// Free returns the writable tail, allocating storage on first use. Callers
// fill a prefix of it and then call Commit.
func (b *Buffer) Free() []byte {
	b.alloc()
	return b.buf[b.w:]
}

// Commit marks n bytes of the writable tail as unread data.
func (b *Buffer) Commit(n int) {
	if n < 0 || n > b.Available() {
		panic(fmt.Sprintf("buffer: commit %d with %d available", n, b.Available()))
	}
	b.w += n
}

// Consume discards n unread bytes.
func (b *Buffer) Consume(n int) {
	if n < 0 || n > b.Len() {
		panic(fmt.Sprintf("buffer: consume %d with %d unread", n, b.Len()))
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

// Read copies unread bytes into p and consumes them.
func (b *Buffer) Read(p []byte) int {
	n := copy(p, b.Bytes())
	b.Consume(n)
	return n
}

// Write copies as much of p as fits without growing and returns the count.
func (b *Buffer) Write(p []byte) int {
	b.alloc()
	if b.Available() < len(p) {
		b.Compact()
	}
	n := copy(b.buf[b.w:], p)
	b.w += n
	return n
}

// Compact moves unread bytes to the start of the storage.
func (b *Buffer) Compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.r:b.w])
	b.r, b.w = 0, n
}

// EnsureCapacity grows the buffer so that Cap() >= minimum. The capacity is
// doubled until it reaches minimum and then clamped to limit (limit <= 0
// means no limit). Unread bytes are preserved. The buffer never shrinks here.
func (b *Buffer) EnsureCapacity(minimum, limit int) error {
	if limit > 0 && minimum > limit {
		return fmt.Errorf("%w: need %d, limit %d", ErrExceedsMaximum, minimum, limit)
	}
	if b.buf == nil && minimum <= b.initial {
		b.alloc()
		return nil
	}
	if minimum <= len(b.buf) {
		return nil
	}

	size := len(b.buf)
	if size == 0 {
		size = b.initial
	}
	for size < minimum {
		size *= 2
	}
	if limit > 0 && size > limit {
		size = limit
	}
	b.resize(size)
	b.grows++
	return nil
}

// EnsureAvailable makes room for n more bytes after the unread data,
// compacting first and growing only when compaction is not enough.
func (b *Buffer) EnsureAvailable(n, limit int) error {
	b.alloc()
	if b.Available() >= n {
		return nil
	}
	if len(b.buf)-b.Len() >= n {
		b.Compact()
		return nil
	}
	return b.EnsureCapacity(b.Len()+n, limit)
}

// Shrink returns an empty buffer to its initial capacity. It reports
// whether storage was replaced. Buffers holding unread bytes are left alone.
func (b *Buffer) Shrink() bool {
	if b.Len() != 0 || len(b.buf) <= b.initial {
		return false
	}
	b.swap(acquire(b.initial))
	b.r, b.w = 0, 0
	return true
}

// Release returns the storage to the pool and discards unread bytes. The
// buffer can be reused afterwards and allocates again on first use.
func (b *Buffer) Release() {
	release(b.bb)
	b.bb, b.buf = nil, nil
	b.r, b.w = 0, 0
}

func (b *Buffer) alloc() {
	if b.buf == nil {
		b.swap(acquire(b.initial))
	}
}

func (b *Buffer) resize(size int) {
	nb := acquire(size)
	n := copy(nb.B, b.buf[b.r:b.w])
	b.swap(nb)
	b.r, b.w = 0, n
}

// swap replaces the storage, releasing the old one.
func (b *Buffer) swap(nb *bytebufferpool.ByteBuffer) {
	release(b.bb)
	b.bb, b.buf = nb, nb.B
}
