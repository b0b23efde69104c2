package driver

// Buffer is an ordered byte queue. Bytes are removed only by Consume, so
// partially used input and partially written output are never lost.
type Buffer struct {
	buf []byte
	off int
}

func (b *Buffer) Len() int { return len(b.buf) - b.off }

// Bytes returns the unconsumed bytes. The slice is valid until the next
// mutating call.
func (b *Buffer) Bytes() []byte { return b.buf[b.off:] }

func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}
	b.buf = append(b.buf, p...)
}

// Consume drops the first n bytes.
func (b *Buffer) Consume(n int) {
	if n < 0 || n > b.Len() {
		panic("driver: buffer consume out of range")
	}
	b.off += n
	if b.off == len(b.buf) {
		b.buf = b.buf[:0]
		b.off = 0
	}
}

// Grow returns a writable tail of n bytes. Commit makes a prefix of it part
// of the buffer.
func (b *Buffer) Grow(n int) []byte {
	if cap(b.buf)-len(b.buf) < n {
		live := b.Len()
		if b.off > 0 && cap(b.buf)-live >= n {
			copy(b.buf, b.buf[b.off:])
		} else {
			nb := make([]byte, live, live+n)
			copy(nb, b.buf[b.off:])
			b.buf = nb
		}
		b.buf = b.buf[:live]
		b.off = 0
	}
	return b.buf[len(b.buf) : len(b.buf)+n]
}

func (b *Buffer) Commit(n int) {
	if n < 0 || len(b.buf)+n > cap(b.buf) {
		panic("driver: buffer commit out of range")
	}
	b.buf = b.buf[:len(b.buf)+n]
}

func (b *Buffer) Reset() {
	b.buf = b.buf[:0]
	b.off = 0
}
