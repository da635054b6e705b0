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
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cloudwego/asyncsock/ring"
)

// maxPrepostedAccepts caps the accepts a listening socket keeps on the ring.
const maxPrepostedAccepts = 16

// accepted is a connection the kernel handed over that no Accept took yet.
type accepted struct {
	fd     int
	remote netip.AddrPort
	err    error
}

type acceptWaiter struct {
	p     *Pending[*Socket]
	timer *time.Timer
}

func acceptDepth(backlog, limit int) int {
	return min(backlog, maxPrepostedAccepts, limit)
}

// postAcceptsLocked tops the socket up to its accept depth. It returns the
// first submission error, leaving the rest for the next Accept.
func (s *Socket) postAcceptsLocked() error {
	for s.state == StateListening && s.acceptsPosted < s.acceptDepth {
		sl := newSlot(ring.OpAccept, s)
		sl.req.Flags = unix.SOCK_CLOEXEC
		if s.r.nonblock {
			sl.req.Flags |= unix.SOCK_NONBLOCK
		}
		sl.onDone = func(res int32, err error) {
			s.accepted(int(res), ring.Addr(&sl.req.Addr), err)
		}
		if _, err := s.startLocked(sl, 0); err != nil {
			s.r.log.WithField("socket", s.id).WithError(err).Debug("asock: accept not posted")
			return err
		}
		s.acceptsPosted++
	}
	return nil
}

// accepted takes the result of a posted accept. A failed accept is not
// reposted until the next Accept, so a persistent error such as EMFILE does
// not spin the ring.
func (s *Socket) accepted(fd int, remote netip.AddrPort, err error) {
	s.mu.Lock()
	defer s.unlock()
	s.acceptsPosted--
	if s.state != StateListening {
		if err == nil {
			_ = unix.Close(fd)
		}
		return
	}
	c := accepted{fd: fd, remote: remote, err: err}
	if len(s.acceptWaiters) > 0 {
		w := s.acceptWaiters[0]
		s.acceptWaiters[0] = nil
		s.acceptWaiters = s.acceptWaiters[1:]
		if w.timer != nil {
			w.timer.Stop()
		}
		s.afterUnlock(func() { w.p.resolve(s.take(c)) })
	} else {
		s.acceptQ = append(s.acceptQ, c)
	}
	if err == nil {
		_ = s.postAcceptsLocked()
	}
}

// take wraps c in a Socket. It runs without s.mu, since the state hook may
// call back into the listener.
func (s *Socket) take(c accepted) (*Socket, error) {
	if c.err != nil {
		return nil, c.err
	}
	return s.r.adopt(c.fd, s.family, c.remote), nil
}

// dropWaiter resolves w with err unless a connection already reached it.
func (s *Socket) dropWaiter(w *acceptWaiter, err error) {
	s.mu.Lock()
	defer s.unlock()
	for i, x := range s.acceptWaiters {
		if x != w {
			continue
		}
		s.acceptWaiters = append(s.acceptWaiters[:i], s.acceptWaiters[i+1:]...)
		if w.timer != nil {
			w.timer.Stop()
		}
		s.afterUnlock(func() { w.p.resolve(nil, err) })
		return
	}
}

// stopAcceptingLocked closes the connections nobody took and fails the
// waiting Accepts with err. The posted accepts are cancelled with the rest of
// the socket's operations.
func (s *Socket) stopAcceptingLocked(err error) {
	for _, c := range s.acceptQ {
		if c.err == nil {
			_ = unix.Close(c.fd)
		}
	}
	s.acceptQ = nil
	for _, w := range s.acceptWaiters {
		if w.timer != nil {
			w.timer.Stop()
		}
		s.afterUnlock(func() { w.p.resolve(nil, err) })
	}
	s.acceptWaiters = nil
}
