// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides a single-threaded, callback-driven event loop
// over Linux epoll: wake-up handles, TCP and unix-domain streams, write
// queues and descriptor passing between processes or threads.
package reactor
