// File: internal/transport/dispatch.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import "bytes"

// dispatchPayload accompanies every transferred descriptor; descriptor
// passing needs at least one byte of ordinary data.
var dispatchPayload = [][]byte{{'A'}}

// dispatchCursor picks the serving target of each accepted socket. Index
// count means the primary serves it; any other index names a channel.
type dispatchCursor struct {
	next uint64
}

func (d *dispatchCursor) Next(count int) int {
	i := int(d.next % uint64(count+1))
	d.next++
	return i
}

type handshakeState int

const (
	handshakePending handshakeState = iota
	handshakeDone
	handshakeInvalid
)

// handshake accumulates the token a channel peer must send before it is
// trusted. Bytes are checked as they arrive so a wrong peer is rejected
// without waiting for a full token.
type handshake struct {
	token []byte
	buf   []byte
	n     int
}

func newHandshake(token []byte) *handshake {
	return &handshake{token: token, buf: make([]byte, len(token))}
}

// remaining is the read buffer; it never extends past the token.
func (h *handshake) remaining() []byte { return h.buf[h.n:] }

// advance accounts for n bytes read into remaining.
func (h *handshake) advance(n int) handshakeState {
	h.n += n
	if !bytes.Equal(h.buf[:h.n], h.token[:h.n]) {
		return handshakeInvalid
	}
	if h.n == len(h.token) {
		return handshakeDone
	}
	return handshakePending
}

// received is the number of token bytes read so far.
func (h *handshake) received() int { return h.n }
