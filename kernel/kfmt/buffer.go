package kfmt

import "io"

// ringBufSize bounds the amount of Printf output buffered before a console
// is attached via SetOutputSink.
const ringBufSize = 4096

// ringBuffer is a small fixed-size io.Writer/io.Reader used to retain
// Printf output emitted before the console is wired up. Overflowing writes
// discard the oldest bytes.
type ringBuffer struct {
	data       [ringBufSize]byte
	start, len int
}

func (b *ringBuffer) Write(p []byte) (int, error) {
	for _, c := range p {
		if b.len == ringBufSize {
			b.start = (b.start + 1) % ringBufSize
			b.len--
		}
		b.data[(b.start+b.len)%ringBufSize] = c
		b.len++
	}
	return len(p), nil
}

func (b *ringBuffer) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) && b.len > 0 {
		p[n] = b.data[b.start]
		b.start = (b.start + 1) % ringBufSize
		b.len--
		n++
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// byteBuffer is a growable io.Writer used by Sprintf.
type byteBuffer struct {
	data []byte
}

func (b *byteBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}
