//go:build !linux
// +build !linux

// hioload-transport/internal/concurrency/pin.go
// Author: momentics <momentics@gmail.com>
//
// Thread pinning fallback for platforms without sched_setaffinity.

package concurrency

import "runtime"

// PinCurrentThread locks the calling goroutine to its OS thread. CPU
// affinity is not applied on this platform.
func PinCurrentThread(cpuID int) error {
	runtime.LockOSThread()
	return nil
}
