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

package ring

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// emulatorPollInterval bounds how long an emulated request waits on its fd
// before rechecking for cancellation.
const emulatorPollInterval = 2 * time.Millisecond

// emulator completes requests with non-blocking syscalls, one goroutine per
// request, for kernels without io_uring. Sockets must be O_NONBLOCK.
type emulator struct {
	mu       sync.Mutex
	inflight map[uint64]*emuOp
	done     []Completion
	entries  int
	closed   bool

	notify chan struct{}
	wg     sync.WaitGroup
}

type emuOp struct {
	req *Request

	mu         sync.Mutex
	cancelled  bool
	finished   bool
	connecting bool
}

// NewEmulator returns a Driver that emulates a completion ring with at most
// entries requests in flight.
func NewEmulator(entries uint32) Driver {
	if entries == 0 {
		entries = 1
	}
	return &emulator{
		inflight: make(map[uint64]*emuOp, entries),
		entries:  int(entries),
		notify:   make(chan struct{}, 1),
	}
}

func (e *emulator) Submit(req *Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if len(e.inflight) >= e.entries {
		return ErrFull
	}
	switch req.Op {
	case OpNop:
		e.postLocked(Completion{Token: req.Token})
		return nil
	case OpCancel:
		res := -int32(unix.ENOENT)
		if op, ok := e.inflight[req.Target]; ok {
			op.mu.Lock()
			if op.finished || op.cancelled {
				res = -int32(unix.EALREADY)
			} else {
				op.cancelled = true
				res = 0
			}
			op.mu.Unlock()
		}
		e.postLocked(Completion{Token: req.Token, Res: res})
		return nil
	}
	op := &emuOp{req: req}
	e.inflight[req.Token] = op
	e.wg.Add(1)
	go e.run(op)
	return nil
}

func (e *emulator) run(op *emuOp) {
	defer e.wg.Done()
	for {
		op.mu.Lock()
		if op.cancelled {
			op.finished = true
			op.mu.Unlock()
			e.finish(op, -int32(unix.ECANCELED))
			return
		}
		res, events := op.attempt()
		if events == 0 {
			op.finished = true
			op.mu.Unlock()
			e.finish(op, res)
			return
		}
		op.mu.Unlock()
		waitFd(op.req.Fd, events)
	}
}

// attempt runs the syscall once. A non-zero events means it would block and
// must be retried once the fd reports those events.
func (op *emuOp) attempt() (int32, int16) {
	req := op.req
	switch req.Op {
	case OpRecv:
		n, err := unix.Read(req.Fd, req.Buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return 0, unix.POLLIN
			}
			return errnoRes(err), 0
		}
		return int32(n), 0
	case OpSend:
		n, err := unix.SendmsgN(req.Fd, req.Buf, nil, nil, int(req.Flags))
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return 0, unix.POLLOUT
			}
			return errnoRes(err), 0
		}
		return int32(n), 0
	case OpAccept:
		nfd, sa, err := unix.Accept4(req.Fd, int(req.Flags))
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR || err == unix.ECONNABORTED {
				return 0, unix.POLLIN
			}
			return errnoRes(err), 0
		}
		req.AddrLen = PutAddr(&req.Addr, FromSockaddr(sa))
		return int32(nfd), 0
	case OpConnect:
		if op.connecting {
			soerr, err := unix.GetsockoptInt(req.Fd, unix.SOL_SOCKET, unix.SO_ERROR)
			if err != nil {
				return errnoRes(err), 0
			}
			if soerr != 0 {
				return -int32(soerr), 0
			}
			if _, err := unix.Getpeername(req.Fd); err != nil {
				// not connected yet
				return 0, unix.POLLOUT
			}
			return 0, 0
		}
		err := unix.Connect(req.Fd, Sockaddr(Addr(&req.Addr)))
		switch err {
		case nil, unix.EISCONN:
			return 0, 0
		case unix.EINPROGRESS, unix.EALREADY, unix.EINTR, unix.EAGAIN:
			op.connecting = true
			return 0, unix.POLLOUT
		}
		return errnoRes(err), 0
	case OpClose:
		return errnoRes(unix.Close(req.Fd)), 0
	}
	return -int32(unix.EINVAL), 0
}

func (e *emulator) finish(op *emuOp, res int32) {
	e.mu.Lock()
	delete(e.inflight, op.req.Token)
	if !e.closed {
		e.postLocked(Completion{Token: op.req.Token, Res: res})
	}
	e.mu.Unlock()
}

func (e *emulator) postLocked(c Completion) {
	e.done = append(e.done, c)
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *emulator) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return nil
}

func (e *emulator) Reap(dst []Completion, max int) []Completion {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.done)
	if n > max {
		n = max
	}
	dst = append(dst, e.done[:n]...)
	rest := copy(e.done, e.done[n:])
	e.done = e.done[:rest]
	return dst
}

func (e *emulator) Wait(d time.Duration) bool {
	e.mu.Lock()
	ready := len(e.done) > 0
	e.mu.Unlock()
	if ready {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-e.notify:
		return true
	case <-t.C:
		return false
	}
}

func (e *emulator) NonblockingSockets() bool { return true }

func (e *emulator) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, op := range e.inflight {
		op.mu.Lock()
		op.cancelled = true
		op.mu.Unlock()
	}
	e.done = nil
	e.mu.Unlock()
	e.wg.Wait()
	return nil
}

func waitFd(fd int, events int16) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	_, _ = unix.Poll(fds, int(emulatorPollInterval/time.Millisecond))
}

func errnoRes(err error) int32 {
	if err == nil {
		return 0
	}
	if errno, ok := err.(unix.Errno); ok {
		return -int32(errno)
	}
	return -int32(unix.EIO)
}
