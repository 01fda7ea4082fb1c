// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the buffers frames are encoded into.
package bufpool

import (
	"bytes"
	"sync"
)

// MaxPooledCap is the largest buffer capacity returned to the pool.
// Buffers grown for larger frames are left to the garbage collector.
const MaxPooledCap = 256 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer able to hold at least size bytes without
// growing. Sizes above MaxPooledCap bypass the pool.
func Get(size int) *bytes.Buffer {
	if size > MaxPooledCap {
		return bytes.NewBuffer(make([]byte, 0, size))
	}
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	if size > 0 {
		b.Grow(size)
	}
	return b
}

// Put returns b to the pool.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > MaxPooledCap {
		return
	}
	pool.Put(b)
}
