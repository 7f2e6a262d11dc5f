// File: transport/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package transport binds endpoints onto event-loop threads and accepts
// connections exposed as pipe pairs.
//
//	f, _ := transport.New(transport.DefaultConfig(), transport.WithLogger(log))
//	ln, err := f.Bind(ctx, api.TCPEndpoint("127.0.0.1:8080"))
//	conn, err := ln.Accept(ctx)
//	...
//	ln.Stop(ctx)
package transport
