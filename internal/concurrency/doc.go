// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package concurrency runs reactor loops on dedicated OS threads.
//
// A LoopThread owns exactly one reactor.Loop. Work reaches it through a
// double-buffered Mailbox and a wake-up handle; completions cross back to
// ordinary goroutines through Completion. Shutdown escalates from letting
// an idle loop exit, to closing every handle, to halting the loop.
package concurrency
