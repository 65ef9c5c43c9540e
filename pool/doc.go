// File: pool/doc.go
// Package pool
// Author: momentics <momentics@gmail.com>
//
// Cross-platform buffer pooling and lock-free ring buffer layer for trafgen.
// Size-classed sync.Pool-backed allocation per platform file, plus a generic
// RingBuffer[T] for cross-goroutine handoff. All public methods are
// thread-safe or explicitly document the concurrency contract.
package pool
