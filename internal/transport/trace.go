// File: internal/transport/trace.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"github.com/bassosimone/errclass"
	"go.uber.org/zap"
)

// Trace records connection events. Byte-level events are Debug; only
// unexpected faults reach Error.
type Trace struct {
	log *zap.Logger
}

// NewTrace wraps log; a nil logger discards everything.
func NewTrace(log *zap.Logger) *Trace {
	if log == nil {
		log = zap.NewNop()
	}
	return &Trace{log: log}
}

// Logger returns the underlying logger.
func (t *Trace) Logger() *zap.Logger { return t.log }

// ConnectionRead logs bytes committed to the input pipe.
func (t *Trace) ConnectionRead(id string, count int) {
	t.log.Debug("connection read", zap.String("connectionId", id), zap.Int("count", count))
}

// ConnectionReadFin logs a graceful end of stream from the peer.
func (t *Trace) ConnectionReadFin(id string) {
	t.log.Debug("connection received FIN", zap.String("connectionId", id))
}

// ConnectionWrite logs a batch handed to the socket.
func (t *Trace) ConnectionWrite(id string, count int) {
	t.log.Debug("connection write", zap.String("connectionId", id), zap.Int("count", count))
}

// ConnectionWriteCallback logs the status of a finished write.
func (t *Trace) ConnectionWriteCallback(id string, status int) {
	t.log.Debug("connection write callback", zap.String("connectionId", id), zap.Int("status", status))
}

// ConnectionWriteFin logs the end of the send side and why it ended.
func (t *Trace) ConnectionWriteFin(id, reason string) {
	t.log.Debug("connection sending FIN", zap.String("connectionId", id), zap.String("reason", reason))
}

// ConnectionError logs an unexpected I/O fault.
func (t *Trace) ConnectionError(id string, err error) {
	t.log.Error("connection error",
		zap.String("connectionId", id),
		zap.String("errClass", errclass.New(err)),
		zap.Error(err))
}

// ConnectionReset logs a peer reset. Resets are routine and never escalated.
func (t *Trace) ConnectionReset(id string) {
	t.log.Debug("connection reset", zap.String("connectionId", id))
}

// ConnectionPause logs reads stopping for backpressure.
func (t *Trace) ConnectionPause(id string) {
	t.log.Debug("connection pause", zap.String("connectionId", id))
}

// ConnectionResume logs reads starting again.
func (t *Trace) ConnectionResume(id string) {
	t.log.Debug("connection resume", zap.String("connectionId", id))
}
