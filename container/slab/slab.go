/*
 * Copyright 2025 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package slab implements a sharded table of reusable cells addressed by
// generation-checked handles.
//
// An entry's index is fixed for its whole life; index % shards selects the
// shard that owns it, and each shard has its own mutex. Storage grows by
// whole pages, so growth never moves a live entry.
package slab

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/fastrand"
)

var (
	// ErrStaleHandle is returned when a handle's generation no longer matches
	// its entry, or the entry is not live.
	ErrStaleHandle = errors.New("slab: stale handle")

	// ErrDoubleRetire is returned by Remove when the entry was already
	// removed under the same generation.
	ErrDoubleRetire = errors.New("slab: double retire")
)

const pageSize = 256

// Handle references one entry. The zero Handle is never issued.
type Handle struct {
	Index uint32
	Gen   uint32
}

// Token packs h into 64 bits.
func (h Handle) Token() uint64 { return uint64(h.Gen)<<32 | uint64(h.Index) }

// HandleOf unpacks a Token.
func HandleOf(token uint64) Handle {
	return Handle{Index: uint32(token), Gen: uint32(token >> 32)}
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool { return h == Handle{} }

func (h Handle) String() string { return fmt.Sprintf("%d#%d", h.Index, h.Gen) }

type entry[V any] struct {
	gen  uint32
	live bool
	val  V
}

type shard[V any] struct {
	mu    sync.Mutex
	pages [][]entry[V]
	free  []uint32 // local indexes
	size  int      // allocated local indexes
	_     [40]byte
}

// Slab is a sharded handle table. It is safe for concurrent use.
type Slab[V any] struct {
	shards []shard[V]
	n      uint32
	live   atomic.Int64
}

// New returns a Slab with the given number of shards.
// One shard makes every operation take the same lock.
func New[V any](shards int) *Slab[V] {
	if shards < 1 {
		shards = 1
	}
	return &Slab[V]{shards: make([]shard[V], shards), n: uint32(shards)}
}

// Shards returns the shard count.
func (s *Slab[V]) Shards() int { return int(s.n) }

// Len returns the number of live entries.
func (s *Slab[V]) Len() int { return int(s.live.Load()) }

// Insert stores v and returns its handle.
func (s *Slab[V]) Insert(v V) Handle {
	id := uint32(0)
	if s.n > 1 {
		id = fastrand.Uint32n(s.n)
	}
	sh := &s.shards[id]
	sh.mu.Lock()
	var local uint32
	if n := len(sh.free); n > 0 {
		local = sh.free[n-1]
		sh.free = sh.free[:n-1]
	} else {
		local = uint32(sh.size)
		if sh.size%pageSize == 0 {
			sh.pages = append(sh.pages, make([]entry[V], pageSize))
		}
		sh.size++
	}
	e := &sh.pages[local/pageSize][local%pageSize]
	e.gen++
	if e.gen == 0 { // wrapped; zero is reserved
		e.gen = 1
	}
	e.live = true
	e.val = v
	h := Handle{Index: local*s.n + id, Gen: e.gen}
	sh.mu.Unlock()
	s.live.Add(1)
	return h
}

// locate returns the shard and the entry for h, or nil when the index was
// never allocated. The caller holds the shard lock.
func (s *Slab[V]) locate(sh *shard[V], h Handle) *entry[V] {
	local := h.Index / s.n
	if int(local) >= sh.size {
		return nil
	}
	return &sh.pages[local/pageSize][local%pageSize]
}

// Get returns the value stored under h.
func (s *Slab[V]) Get(h Handle) (V, error) {
	sh := &s.shards[h.Index%s.n]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e := s.locate(sh, h)
	if e == nil || e.gen != h.Gen || !e.live {
		var zero V
		return zero, ErrStaleHandle
	}
	return e.val, nil
}

// Remove retires h and returns its value. The index is reused by a later
// Insert under a new generation.
func (s *Slab[V]) Remove(h Handle) (V, error) {
	var zero V
	sh := &s.shards[h.Index%s.n]
	sh.mu.Lock()
	e := s.locate(sh, h)
	if e == nil || e.gen != h.Gen || h.Gen == 0 {
		sh.mu.Unlock()
		return zero, ErrStaleHandle
	}
	if !e.live {
		sh.mu.Unlock()
		return zero, ErrDoubleRetire
	}
	v := e.val
	e.val = zero
	e.live = false
	sh.free = append(sh.free, h.Index/s.n)
	sh.mu.Unlock()
	s.live.Add(-1)
	return v, nil
}

// Range calls fn for every live entry until fn returns false. Entries
// inserted or removed during Range may or may not be visited. fn must not
// call back into s.
func (s *Slab[V]) Range(fn func(h Handle, v V) bool) {
	for id := range s.shards {
		sh := &s.shards[id]
		sh.mu.Lock()
		for local := 0; local < sh.size; local++ {
			e := &sh.pages[local/pageSize][local%pageSize]
			if !e.live {
				continue
			}
			if !fn(Handle{Index: uint32(local)*s.n + uint32(id), Gen: e.gen}, e.val) {
				sh.mu.Unlock()
				return
			}
		}
		sh.mu.Unlock()
	}
}
