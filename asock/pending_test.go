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

package asock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inlinePending[T any]() *Pending[T] {
	return &Pending[T]{done: make(chan struct{}), run: func(f func()) { f() }}
}

func TestPendingThen(t *testing.T) {
	p := inlinePending[int]()
	var got []int
	p.Then(func(v int, err error) {
		require.NoError(t, err)
		got = append(got, v)
	})
	p.resolve(3, nil)
	p.Then(func(v int, err error) { got = append(got, v*2) })
	assert.Equal(t, []int{3, 6}, got)

	v, err := p.Await(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestPendingResolveTwice(t *testing.T) {
	p := inlinePending[int]()
	p.resolve(1, nil)
	assert.Panics(t, func() { p.resolve(2, nil) })
}

func TestPendingAwaitCancels(t *testing.T) {
	p := inlinePending[int]()
	var cancelled atomic.Bool
	p.cancel = func() {
		cancelled.Store(true)
		go p.resolve(0, ErrCancelled)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Await(ctx)
	assert.True(t, cancelled.Load())
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestPendingAwaitKeepsRealResult(t *testing.T) {
	p := inlinePending[int]()
	// the operation completes before the cancel can take effect
	p.cancel = func() { go p.resolve(9, nil) }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v, err := p.Await(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 9, v)
}

func TestPendingConcurrentThen(t *testing.T) {
	p := inlinePending[string]()
	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Then(func(string, error) { n.Add(1) })
		}()
	}
	go p.resolve("x", errors.New("e"))
	wg.Wait()
	<-p.Done()
	require.Eventually(t, func() bool { return n.Load() == 32 }, time.Second, time.Millisecond)
}

func TestResolvedPending(t *testing.T) {
	p := resolvedPending(5, nil)
	select {
	case <-p.Done():
	default:
		t.Fatal("resolved pending not done")
	}
	called := false
	p.Then(func(v int, _ error) { called = v == 5 })
	assert.True(t, called)
	p.Cancel()
}
