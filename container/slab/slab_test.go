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

package slab

import (
	"sync"
	"testing"

	"github.com/bytedance/gopkg/lang/fastrand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleToken(t *testing.T) {
	h := Handle{Index: 7, Gen: 3}
	assert.Equal(t, uint64(3)<<32|7, h.Token())
	assert.Equal(t, h, HandleOf(h.Token()))
	assert.True(t, Handle{}.IsZero())
	assert.Equal(t, "7#3", h.String())
}

func TestInsertGetRemove(t *testing.T) {
	s := New[string](4)
	h := s.Insert("a")
	assert.False(t, h.IsZero())
	assert.NotZero(t, h.Token())

	v, err := s.Get(h)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	assert.Equal(t, 1, s.Len())

	v, err = s.Remove(h)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	assert.Equal(t, 0, s.Len())

	_, err = s.Get(h)
	assert.ErrorIs(t, err, ErrStaleHandle)
	_, err = s.Remove(h)
	assert.ErrorIs(t, err, ErrDoubleRetire)
}

func TestReuseBumpsGeneration(t *testing.T) {
	s := New[int](1)
	h1 := s.Insert(1)
	_, err := s.Remove(h1)
	require.NoError(t, err)

	h2 := s.Insert(2)
	assert.Equal(t, h1.Index, h2.Index)
	assert.NotEqual(t, h1.Gen, h2.Gen)

	// the old handle must not alias the new entry
	_, err = s.Get(h1)
	assert.ErrorIs(t, err, ErrStaleHandle)
	_, err = s.Remove(h1)
	assert.ErrorIs(t, err, ErrStaleHandle)

	v, err := s.Get(h2)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestUnknownHandle(t *testing.T) {
	s := New[int](2)
	_, err := s.Get(Handle{Index: 1000, Gen: 1})
	assert.ErrorIs(t, err, ErrStaleHandle)
	_, err = s.Remove(Handle{})
	assert.ErrorIs(t, err, ErrStaleHandle)
}

func TestGrowthKeepsHandles(t *testing.T) {
	s := New[int](2)
	hs := make([]Handle, 5*pageSize)
	for i := range hs {
		hs[i] = s.Insert(i)
	}
	for i, h := range hs {
		v, err := s.Get(h)
		require.NoError(t, err)
		require.Equal(t, i, v)
	}

	seen := 0
	s.Range(func(h Handle, v int) bool {
		seen++
		return true
	})
	assert.Equal(t, len(hs), seen)

	stopped := 0
	s.Range(func(h Handle, v int) bool {
		stopped++
		return stopped < 3
	})
	assert.Equal(t, 3, stopped)
}

func TestConcurrentNoAliasing(t *testing.T) {
	const workers = 8
	const rounds = 2000

	s := New[uint64](4)
	var owners sync.Map // token -> worker id
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			var mine []Handle
			for i := 0; i < rounds; i++ {
				if len(mine) == 0 || fastrand.Intn(3) > 0 {
					h := s.Insert(uint64(w))
					_, loaded := owners.LoadOrStore(h.Token(), w)
					if !assert.False(t, loaded, "live handle %s issued twice", h) {
						return
					}
					mine = append(mine, h)
					continue
				}
				k := fastrand.Intn(len(mine))
				h := mine[k]
				mine[k] = mine[len(mine)-1]
				mine = mine[:len(mine)-1]

				v, err := s.Get(h)
				if !assert.NoError(t, err) || !assert.Equal(t, uint64(w), v) {
					return
				}
				owners.Delete(h.Token())
				_, err = s.Remove(h)
				assert.NoError(t, err)
				// the index may already be reused, so either error is fine
				_, err = s.Remove(h)
				assert.Error(t, err)
			}
			for _, h := range mine {
				owners.Delete(h.Token())
				_, err := s.Remove(h)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()
	assert.Equal(t, 0, s.Len())
}
