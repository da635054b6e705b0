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
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const callbackWorkerMaxAge = time.Minute

// dispatcher runs Pending callbacks off the Reactor Loop, so a slow callback
// does not hold up completions of other sockets.
type dispatcher struct {
	tasks   chan func()
	workers int32
	maxIdle int32
	log     logrus.FieldLogger

	// mu orders stop against the running count; Go holds it shared.
	mu      sync.RWMutex
	stopped bool
	running sync.WaitGroup
	quit    chan struct{}

	createWorker func()
}

func newDispatcher(workers int, log logrus.FieldLogger) *dispatcher {
	d := &dispatcher{
		tasks:   make(chan func(), workers*16),
		maxIdle: int32(workers),
		log:     log,
		quit:    make(chan struct{}),
	}
	// built once so Go does not allocate a closure per worker
	d.createWorker = func() {
		d.runWorker()
	}
	return d
}

// Go runs f on a worker. Once the dispatcher is stopped f runs on a goroutine
// of its own.
func (d *dispatcher) Go(f func()) {
	d.mu.RLock()
	if d.stopped {
		d.mu.RUnlock()
		go runCallback(d.log, f)
		return
	}
	d.running.Add(1)
	d.mu.RUnlock()

	task := func() {
		defer d.running.Done()
		runCallback(d.log, f)
	}
	select {
	case d.tasks <- task:
	default:
		// full? fall back to use go directly
		go task()
		return
	}
	if len(d.tasks) == 0 {
		return
	}
	// all workers are busy
	go d.createWorker()
}

func (d *dispatcher) runWorker() {
	id := atomic.AddInt32(&d.workers, 1)
	defer atomic.AddInt32(&d.workers, -1)

	if id > d.maxIdle {
		// drain and exit without waiting
		for {
			select {
			case f := <-d.tasks:
				runCallback(d.log, f)
			default:
				return
			}
		}
	}

	idle := time.NewTimer(callbackWorkerMaxAge)
	defer idle.Stop()
	for {
		select {
		case f := <-d.tasks:
			runCallback(d.log, f)
			idle.Reset(callbackWorkerMaxAge)
		case <-idle.C:
			return
		case <-d.quit:
			for {
				select {
				case f := <-d.tasks:
					runCallback(d.log, f)
				default:
					return
				}
			}
		}
	}
}

// stop waits for every callback handed to Go before the call, then lets the
// workers exit.
func (d *dispatcher) stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.running.Wait()
		close(done)
	}()
	defer close(d.quit)
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runCallback runs f, logging instead of propagating a panic so that a
// faulty callback can not take a Reactor Loop down.
func runCallback(log logrus.FieldLogger, f func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Errorf("asock: callback panicked: %v: %s", r, debug.Stack())
		}
	}()
	f()
}
