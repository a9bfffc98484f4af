// Copyright 2025 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package webcast

import "sync"

// BufferPool pools BGRA pixel buffers for a single (width, height), the
// resolution a capture source holds steady for the lifetime of a session.
// A resolution change resets the pool rather than mixing buffer sizes.
type BufferPool struct {
	pool sync.Pool
	mu   sync.Mutex
	w, h int
}

// Get returns a buffer of exactly stride*height bytes, reused from the pool
// when the requested dimensions match the pool's current ones.
func (p *BufferPool) Get(stride, height int) []byte {
	size := stride * height
	p.mu.Lock()
	if p.w == stride && p.h == height {
		p.mu.Unlock()
		if v := p.pool.Get(); v != nil {
			return v.([]byte)
		}
		return make([]byte, size)
	}
	p.w = stride
	p.h = height
	p.pool = sync.Pool{}
	p.mu.Unlock()
	return make([]byte, size)
}

// Put returns buf to the pool if it still matches the pool's current
// dimensions. A mismatched buffer (stale resolution) is dropped.
func (p *BufferPool) Put(buf []byte, stride, height int) {
	p.mu.Lock()
	match := p.w == stride && p.h == height
	p.mu.Unlock()
	if match {
		p.pool.Put(buf)
	}
}
