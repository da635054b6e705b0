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
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/eapache/queue"
	"github.com/sirupsen/logrus"

	"github.com/cloudwego/asyncsock/container/slab"
	"github.com/cloudwego/asyncsock/ring"
)

// canceller tracks the handles with a cancel in flight.
//
// A cancel never retires its target. The target's own completion does that,
// either with its real result or with ECANCELED, so each handle still has a
// single terminal result no matter who wins.
type canceller struct {
	log logrus.FieldLogger

	mu      sync.Mutex
	pending map[slab.Handle]struct{}
	backlog *queue.Queue // of cancelRequest, refused by a full ring
	queued  atomic.Int32
}

type cancelRequest struct {
	sock   *Socket
	target slab.Handle
}

func newCanceller(log logrus.FieldLogger) *canceller {
	return &canceller{
		log:     log,
		pending: make(map[slab.Handle]struct{}),
		backlog: queue.New(),
	}
}

// requestLocked asks the ring to cancel target, an outstanding handle of s.
// s.mu must be held.
func (c *canceller) requestLocked(s *Socket, target slab.Handle) {
	if _, ok := s.handles[target]; !ok {
		return
	}
	c.mu.Lock()
	if _, ok := c.pending[target]; ok {
		c.mu.Unlock()
		return
	}
	c.pending[target] = struct{}{}
	c.mu.Unlock()

	c.submitLocked(s, target)
}

func (c *canceller) submitLocked(s *Socket, target slab.Handle) {
	sl := newSlot(ring.OpCancel, s)
	sl.req.Target = target.Token()
	sl.target = target
	_, err := s.startLocked(sl, 0)
	switch {
	case err == nil:
	case errors.Is(err, ErrSubmissionFull):
		c.mu.Lock()
		c.backlog.Add(cancelRequest{sock: s, target: target})
		c.queued.Add(1)
		c.mu.Unlock()
	default:
		c.log.WithFields(logrus.Fields{"socket": s.id, "handle": target}).
			WithError(err).Debug("asock: cancel dropped")
		c.done(target)
	}
}

// retry resubmits the cancels that found the ring full. Targets that retired
// in the meantime are dropped.
func (c *canceller) retry() {
	if c.queued.Load() == 0 {
		return
	}
	c.mu.Lock()
	reqs := make([]cancelRequest, 0, c.backlog.Length())
	for c.backlog.Length() > 0 {
		reqs = append(reqs, c.backlog.Remove().(cancelRequest))
	}
	c.queued.Store(0)
	c.mu.Unlock()

	for _, req := range reqs {
		s := req.sock
		s.mu.Lock()
		if _, ok := s.handles[req.target]; ok {
			c.submitLocked(s, req.target)
		} else {
			c.done(req.target)
		}
		s.unlock()
	}
}

// finished records the outcome of a cancel op. ENOENT and EALREADY mean the
// target had already completed, or was past the point of cancelling; its own
// completion delivers the result.
func (c *canceller) finished(sl *slot, res int32) {
	c.done(sl.target)
	if res >= 0 {
		return
	}
	switch errno := syscall.Errno(-res); errno {
	case syscall.ENOENT, syscall.EALREADY:
		c.log.WithFields(logrus.Fields{"socket": sl.sock.id, "handle": sl.target}).
			Debugf("asock: cancel lost the race: %v", errno)
	default:
		c.log.WithFields(logrus.Fields{"socket": sl.sock.id, "handle": sl.target}).
			Warnf("asock: cancel failed: %v", errno)
	}
}

func (c *canceller) done(target slab.Handle) {
	c.mu.Lock()
	delete(c.pending, target)
	c.mu.Unlock()
}

// inFlight reports how many targets have a cancel pending.
func (c *canceller) inFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
