package proxy

import (
	"io"
	"sync"
)

// relayBufferSize is the size of pooled relay buffers, matching what
// io.Copy would allocate on its own.
const relayBufferSize = 32 * 1024

// bufferPool hands out byte slices for tunnel relays so each copy
// direction does not allocate a fresh buffer.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, relayBufferSize)
		return &buf
	},
}

func getBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

func putBuffer(buf *[]byte) {
	if buf != nil {
		bufferPool.Put(buf)
	}
}

// copyBuffer is io.Copy over a pooled buffer.
func copyBuffer(dst io.Writer, src io.Reader) (written int64, err error) {
	buf := getBuffer()
	defer putBuffer(buf)
	return io.CopyBuffer(dst, src, *buf)
}
