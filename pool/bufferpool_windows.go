//go:build windows
// +build windows

// Package pool
// Author: momentics <momentics@gmail.com>
//
// Windows-specific buffer pool implementation. trafgen's transmit paths are
// Linux-only (AF_PACKET), but the buffer pool itself is platform neutral so
// the package still builds on Windows for tooling/editing purposes.

package pool

import (
	"sync"

	"github.com/momentics/trafgen/api"
)

type windowsBufferPool struct {
	mu     sync.Mutex
	bysize map[int]*sync.Pool
	numaId int
	stats  api.BufferPoolStats
}

func (bp *windowsBufferPool) poolFor(size int) *sync.Pool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	p, ok := bp.bysize[size]
	if !ok {
		p = &sync.Pool{New: func() any { return make([]byte, size) }}
		bp.bysize[size] = p
	}
	return p
}

func (bp *windowsBufferPool) Get(size int, numaPreferred int) api.Buffer {
	data := bp.poolFor(size).Get().([]byte)
	bp.stats.TotalAlloc++
	bp.stats.InUse++
	return api.Buffer{Data: data, NUMA: bp.numaId, Pool: bp, Class: size}
}

func (bp *windowsBufferPool) Put(b api.Buffer) {
	if b.Data == nil {
		return
	}
	bp.poolFor(b.Class).Put(b.Data[:cap(b.Data)][:b.Class])
	bp.stats.TotalFree++
	bp.stats.InUse--
}

func (bp *windowsBufferPool) Stats() api.BufferPoolStats {
	return bp.stats
}

// newBufferPool (Windows) creates a buffer pool for the specified NUMA node.
func newBufferPool(numaNode int) api.BufferPool {
	return &windowsBufferPool{
		numaId: numaNode,
		bysize: make(map[int]*sync.Pool),
	}
}
