// File: server/handler.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import "github.com/momentics/hioload-transport/api"

// Handler serves one connection. The server closes the connection when
// ServeConn returns.
type Handler interface {
	ServeConn(conn api.Connection) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(conn api.Connection) error

func (f HandlerFunc) ServeConn(conn api.Connection) error { return f(conn) }

// Middleware decorates a Handler.
type Middleware func(Handler) Handler

// NewHandlerChain wraps h so that mw[0] runs first.
func NewHandlerChain(h Handler, mw ...Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
