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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cloudwego/asyncsock/ring"
)

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// adapter serializes access to the ring driver. Submissions share sqMu,
// polls share cqMu; the two sides run in parallel.
type adapter struct {
	d      ring.Driver
	waiter ring.Waiter // nil if the driver can not block

	sqMu    sync.Mutex
	pending int // submitted since the last flush
	batch   int
	retry   time.Duration

	cqMu sync.Locker

	m *metrics
}

func newAdapter(d ring.Driver, cfg *Config, m *metrics) *adapter {
	a := &adapter{
		d:     d,
		batch: cfg.SubmitBatch,
		retry: cfg.SubmitRetryTimeout,
		cqMu:  &sync.Mutex{},
		m:     m,
	}
	if w, ok := d.(ring.Waiter); ok {
		a.waiter = w
	}
	if cfg.Mode == ModeSingle {
		a.cqMu = noopLocker{}
	}
	return a
}

// submit hands sl's request to the ring. A full ring is flushed and retried
// until SubmitRetryTimeout elapses.
func (a *adapter) submit(sl *slot) error {
	a.sqMu.Lock()
	defer a.sqMu.Unlock()

	err := a.d.Submit(&sl.req)
	if errors.Is(err, ring.ErrFull) {
		a.m.ringFull.Inc()
		err = a.retryFullLocked(&sl.req)
	}
	switch {
	case err == nil:
	case errors.Is(err, ring.ErrFull):
		return ErrSubmissionFull
	case errors.Is(err, ring.ErrClosed):
		return ErrReactorClosed
	default:
		return fmt.Errorf("asock: submit %s: %w", sl.req.Op, err)
	}

	a.m.submitted.WithLabelValues(sl.req.Op.String()).Inc()
	a.pending++
	if a.pending >= a.batch {
		// req is queued either way; a failed flush is retried by the loops
		_ = a.flushLocked()
	}
	return nil
}

func (a *adapter) retryFullLocked(req *ring.Request) error {
	op := func() error {
		if err := a.flushLocked(); err != nil && !errors.Is(err, ring.ErrFull) {
			return backoff.Permanent(err)
		}
		err := a.d.Submit(req)
		if err != nil && !errors.Is(err, ring.ErrFull) {
			return backoff.Permanent(err)
		}
		return err
	}
	if a.retry <= 0 {
		return op()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = time.Millisecond
	b.MaxElapsedTime = a.retry
	err := backoff.Retry(op, b)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

// flush hands every queued submission to the kernel. It is run by each loop
// iteration so that batched submissions never wait for a full batch.
func (a *adapter) flush() error {
	a.sqMu.Lock()
	defer a.sqMu.Unlock()
	if a.pending == 0 {
		return nil
	}
	return a.flushLocked()
}

func (a *adapter) flushLocked() error {
	err := a.d.Flush()
	switch {
	case err == nil:
		a.pending = 0
		return nil
	case errors.Is(err, ring.ErrFull):
		// entries stay queued until the kernel drains its backlog
		return nil
	case errors.Is(err, ring.ErrClosed):
		return ErrReactorClosed
	}
	return fmt.Errorf("asock: flush: %w", err)
}

// poll appends at most max completions to dst without blocking.
func (a *adapter) poll(dst []ring.Completion, max int) []ring.Completion {
	a.cqMu.Lock()
	dst = a.d.Reap(dst, max)
	a.cqMu.Unlock()
	return dst
}

// wait blocks up to d for a completion.
func (a *adapter) wait(d time.Duration) {
	if a.waiter != nil {
		a.waiter.Wait(d)
		return
	}
	time.Sleep(d)
}

func (a *adapter) close() error {
	a.sqMu.Lock()
	defer a.sqMu.Unlock()
	return a.d.Close()
}
