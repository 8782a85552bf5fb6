package control

// ioBuffer tracks one in-flight transfer in one direction. A nil buf
// means no transfer is in progress.
type ioBuffer struct {
	buf  []byte
	pos  int // next byte to read into or write from
	left int // bytes still to transfer
}

func (b *ioBuffer) active() bool {
	return b.buf != nil
}

// load starts a transfer of left bytes at pos.
func (b *ioBuffer) load(buf []byte, pos, left int) {
	b.buf = buf
	b.pos = pos
	b.left = left
}

// pending returns the region still to be transferred.
func (b *ioBuffer) pending() []byte {
	return b.buf[b.pos : b.pos+b.left]
}

func (b *ioBuffer) advance(n int) {
	b.pos += n
	b.left -= n
}

func (b *ioBuffer) done() bool {
	return b.left == 0
}

// reset drops the buffer.
func (b *ioBuffer) reset() {
	b.buf = nil
	b.pos = 0
	b.left = 0
}
