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
	"sync"
)

// Pending is the eventual result of a socket operation.
//
// It resolves exactly once. Callers either block in Await or register
// callbacks with Then, which run on the Reactor Loop (or its callback
// workers) when the operation retires.
type Pending[T any] struct {
	done chan struct{}

	mu    sync.Mutex
	fired bool
	val   T
	err   error
	cbs   []func(T, error)

	cancel func()
	run    func(func())
}

func newPending[T any](r *Reactor) *Pending[T] {
	return &Pending[T]{done: make(chan struct{}), run: r.runCallback}
}

func resolvedPending[T any](v T, err error) *Pending[T] {
	p := &Pending[T]{done: make(chan struct{}), fired: true, val: v, err: err}
	close(p.done)
	return p
}

func (p *Pending[T]) resolve(v T, err error) {
	p.mu.Lock()
	if p.fired {
		p.mu.Unlock()
		panic("asock: pending resolved twice")
	}
	p.fired, p.val, p.err = true, v, err
	cbs := p.cbs
	p.cbs = nil
	close(p.done)
	p.mu.Unlock()

	for _, cb := range cbs {
		p.run(func() { cb(v, err) })
	}
}

// Done is closed once the result is available.
func (p *Pending[T]) Done() <-chan struct{} { return p.done }

// Await blocks until the operation retires. If ctx ends first the operation
// is cancelled, and Await still waits for its terminal result, which is
// either the real outcome or ErrCancelled.
func (p *Pending[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		p.Cancel()
		<-p.done
	}
	return p.val, p.err
}

// Then registers fn to receive the result. If the result is already
// available fn runs immediately on the calling goroutine.
func (p *Pending[T]) Then(fn func(T, error)) {
	p.mu.Lock()
	if p.fired {
		p.mu.Unlock()
		fn(p.val, p.err)
		return
	}
	p.cbs = append(p.cbs, fn)
	p.mu.Unlock()
}

// Cancel requests cancellation. It is a no-op once the operation retired.
func (p *Pending[T]) Cancel() {
	if p.cancel != nil {
		p.cancel()
	}
}
