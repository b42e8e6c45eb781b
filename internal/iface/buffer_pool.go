package iface

import "sync"

// maxPacketSize is the RFC 6762 §17 ceiling on a single mDNS message:
// implementations may send jumbo packets up to 9000 bytes as long as
// path MTU is known to support it.
const maxPacketSize = 9000

var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, maxPacketSize)
		return &buf
	},
}

func getBuffer() *[]byte { return bufferPool.Get().(*[]byte) }

func putBuffer(bufPtr *[]byte) {
	buf := *bufPtr
	for i := range buf {
		buf[i] = 0
	}
	bufferPool.Put(bufPtr)
}
