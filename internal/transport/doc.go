// File: internal/transport/doc.go
// Package transport
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection and listener machinery behind the public transport package.
// A Listener owns one listening socket on one loop thread. With several
// threads, a ListenerPrimary accepts every socket and hands part of them
// over a private unix-domain channel to ListenerSecondary instances, which
// serve them on their own threads. Each accepted socket becomes a
// Connection bridging reactor callbacks to a pair of pipeline pipes.

package transport
