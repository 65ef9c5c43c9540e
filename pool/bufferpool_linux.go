//go:build linux
// +build linux

// Package pool
// Author: momentics <momentics@gmail.com>
//
// Linux-specific zero-copy buffer pool implementation.

package pool

import (
	"sync"

	"github.com/momentics/trafgen/api"
)

// linuxBufferPool is a sync.Pool-backed buffer source keyed by allocation size.
type linuxBufferPool struct {
	mu     sync.Mutex
	bysize map[int]*sync.Pool
	numaId int
	stats  api.BufferPoolStats
}

func (bp *linuxBufferPool) poolFor(size int) *sync.Pool {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	p, ok := bp.bysize[size]
	if !ok {
		p = &sync.Pool{New: func() any { return make([]byte, size) }}
		bp.bysize[size] = p
	}
	return p
}

func (bp *linuxBufferPool) Get(size int, numaPreferred int) api.Buffer {
	data := bp.poolFor(size).Get().([]byte)
	bp.stats.TotalAlloc++
	bp.stats.InUse++
	return api.Buffer{Data: data, NUMA: bp.numaId, Pool: bp, Class: size}
}

func (bp *linuxBufferPool) Put(b api.Buffer) {
	if b.Data == nil {
		return
	}
	bp.poolFor(b.Class).Put(b.Data[:cap(b.Data)][:b.Class])
	bp.stats.TotalFree++
	bp.stats.InUse--
}

func (bp *linuxBufferPool) Stats() api.BufferPoolStats {
	return bp.stats
}

// newBufferPool (Linux) creates a buffer pool for the specified NUMA node.
func newBufferPool(numaNode int) api.BufferPool {
	return &linuxBufferPool{
		numaId: numaNode,
		bysize: make(map[int]*sync.Pool),
	}
}
