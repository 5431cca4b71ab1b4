package loadgen

import (
	"bytes"
	"sync"
)

// Responses are a handful of digits; anything that grew past this came from
// a misbehaving server and is not worth keeping around.
const maxPooledBuffer = 4096

// bufferPool hands out empty read buffers shared across workers.
type bufferPool struct {
	syncPool sync.Pool
}

func newBufferPool() *bufferPool {
	return &bufferPool{
		syncPool: sync.Pool{
			New: func() interface{} { return bytes.NewBuffer(make([]byte, 0, 32)) },
		},
	}
}

// Get returns an empty buffer.
func (p *bufferPool) Get() *bytes.Buffer {
	buf := p.syncPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// Put places buf back in the pool unless it grew too large.
func (p *bufferPool) Put(buf *bytes.Buffer) {
	if buf.Cap() > maxPooledBuffer {
		return
	}
	p.syncPool.Put(buf)
}
