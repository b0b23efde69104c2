package driver

import (
	"bytes"
	"testing"
)

func TestBufferQueue(t *testing.T) {
	var b Buffer
	b.Append([]byte("hello "))
	b.Append([]byte("world"))
	b.Consume(6)
	if got := string(b.Bytes()); got != "world" {
		t.Fatalf("bytes = %q", got)
	}
	tail := b.Grow(4)
	copy(tail, "!!!!")
	b.Commit(2)
	if got := string(b.Bytes()); got != "world!!" {
		t.Fatalf("after commit = %q", got)
	}
	b.Consume(b.Len())
	if b.Len() != 0 || b.off != 0 {
		t.Fatalf("drained buffer len %d off %d", b.Len(), b.off)
	}
}

func TestBufferGrowCompacts(t *testing.T) {
	var b Buffer
	b.Append(bytes.Repeat([]byte("a"), 100))
	b.Append([]byte("tail"))
	b.Consume(100)
	before := cap(b.buf)
	tail := b.Grow(cap(b.buf) - 4)
	if len(tail) != before-4 {
		t.Fatalf("tail len = %d", len(tail))
	}
	if string(b.Bytes()) != "tail" || b.off != 0 {
		t.Fatalf("compaction lost data: %q", b.Bytes())
	}
	if cap(b.buf) != before {
		t.Fatalf("grow reallocated: cap %d -> %d", before, cap(b.buf))
	}
}

func TestBufferOutOfRange(t *testing.T) {
	for name, fn := range map[string]func(*Buffer){
		"consume": func(b *Buffer) { b.Consume(1) },
		"commit":  func(b *Buffer) { b.Commit(1) },
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("no panic")
				}
			}()
			fn(&Buffer{})
		})
	}
}
