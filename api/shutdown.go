// File: api/shutdown.go
// Package api defines unified graceful shutdown contract.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "context"

// GracefulShutdown is implemented by components that drain before release.
type GracefulShutdown interface {
	// Shutdown stops accepting work and releases resources, returning
	// early with ctx's error when the deadline passes first.
	Shutdown(ctx context.Context) error
}
