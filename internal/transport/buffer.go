package transport

import "sync"

// receiveBufferSize covers the largest datagram a peer may send; our own
// packets never exceed protocol.MaxMessageSize but others' can.
const receiveBufferSize = 9000

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, receiveBufferSize)
		return &b
	},
}

// GetBuffer returns a receive buffer from the pool.
func GetBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns buf to the pool.
func PutBuffer(buf *[]byte) {
	if buf == nil || cap(*buf) < receiveBufferSize {
		return
	}
	*buf = (*buf)[:receiveBufferSize]
	bufferPool.Put(buf)
}
