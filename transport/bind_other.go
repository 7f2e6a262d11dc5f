//go:build !linux
// +build !linux

// File: transport/bind_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"context"
	"runtime"

	"github.com/momentics/hioload-transport/api"
)

// Bind is only available on Linux.
func (f *Factory) Bind(context.Context, api.Endpoint) (*Listener, error) {
	return nil, api.NewError(api.ErrCodeNotSupported, "the event-loop transport requires linux").
		WithContext("goos", runtime.GOOS)
}
