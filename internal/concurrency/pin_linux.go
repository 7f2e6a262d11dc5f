//go:build linux
// +build linux

// hioload-transport/internal/concurrency/pin_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux implementation of loop-thread pinning via sched_setaffinity(2).

package concurrency

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCurrentThread locks the calling goroutine to its OS thread and, for
// cpuID >= 0, restricts that thread to the given CPU.
func PinCurrentThread(cpuID int) error {
	runtime.LockOSThread()
	if cpuID < 0 {
		return nil
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(cpuID % runtime.NumCPU())
	return unix.SchedSetaffinity(0, &set)
}
