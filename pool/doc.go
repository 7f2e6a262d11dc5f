// Package pool
// Author: momentics <momentics@gmail.com>
//
// Memory and request pooling for the transport. MemoryPool serves the
// blocks that back connection pipes; WriteRequestPool recycles native
// write requests on one loop thread with a fixed idle bound.
package pool
