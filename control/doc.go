// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime introspection for the hioload transport: Prometheus collectors
// for connection, dispatch and shutdown events, and named debug probes
// evaluated on demand.
//
// Every Metrics method accepts a nil receiver.
package control
