package transport

import (
	"sync"

	"github.com/ValentinKolb/dSMB/rpc/common"
	"github.com/valyala/bytebufferpool"
)

// Response is a received SMB2 message. The message bytes live in a pooled
// buffer which the holder returns with Release. Header and Body must not be
// used after Release.
type Response struct {
	Header common.Header

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

// NewResponse wraps a pooled buffer holding one complete SMB2 message
func NewResponse(hdr common.Header, buf *bytebufferpool.ByteBuffer) *Response {
	return &Response{Header: hdr, buf: buf}
}

// Message returns the complete message including the header
func (r *Response) Message() []byte {
	if r.buf == nil {
		return nil
	}
	return r.buf.B
}

// Body returns the message after the 64 byte header
func (r *Response) Body() []byte {
	if r.buf == nil || len(r.buf.B) < common.HeaderSize {
		return nil
	}
	return r.buf.B[common.HeaderSize:]
}

// Release returns the buffer to the pool. Calling it more than once is a no-op.
func (r *Response) Release() {
	r.once.Do(func() {
		if r.buf != nil {
			bytebufferpool.Put(r.buf)
			r.buf = nil
		}
	})
}
