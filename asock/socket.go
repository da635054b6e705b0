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
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cloudwego/asyncsock/container/slab"
	"github.com/cloudwego/asyncsock/ring"
)

const maxBacklog = 4096

// Socket is a TCP endpoint driven by a Reactor.
//
// Every method is safe for concurrent use. Operations issued in sequence are
// submitted in that sequence, but their completions may arrive in any order.
type Socket struct {
	r      *Reactor
	id     uint64
	family int
	limit  int

	mu       sync.Mutex
	fd       int
	state    State
	handles  map[slab.Handle]ring.Op
	inflight int // handles counted against limit
	reason   error
	eof      bool

	releasing bool
	local     netip.AddrPort
	remote    netip.AddrPort

	// listening sockets only
	acceptDepth   int
	acceptsPosted int
	acceptQ       []accepted
	acceptWaiters []*acceptWaiter

	closeP   *Pending[struct{}]
	released chan struct{}

	// deferred runs after mu is released, see unlock.
	deferred []func()
}

func newSocket(r *Reactor, fd, family int) *Socket {
	return &Socket{
		r:        r,
		id:       r.nextID.Add(1),
		family:   family,
		limit:    r.cfg.MaxOutstandingPerSocket,
		fd:       fd,
		handles:  make(map[slab.Handle]ring.Op),
		released: make(chan struct{}),
	}
}

// ID returns an identifier unique within the Reactor.
func (s *Socket) ID() uint64 { return s.id }

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the socket to StateErrored, if any.
func (s *Socket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Socket) LocalAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Socket) RemoteAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Released is closed once the fd has been given back to the kernel.
func (s *Socket) Released() <-chan struct{} { return s.released }

func (s *Socket) String() string { return fmt.Sprintf("socket(%d)", s.id) }

// Connect starts a connection to addr.
func (s *Socket) Connect(addr netip.AddrPort, opts ...OpOption) (*Pending[struct{}], error) {
	o := applyOptions(opts)
	addr, err := s.peerAddr(addr)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.unlock()
	if s.state != StateCreated {
		return nil, &StateError{Op: "connect", State: s.state}
	}
	p := newPending[struct{}](s.r)
	sl := newSlot(ring.OpConnect, s)
	sl.req.AddrLen = ring.PutAddr(&sl.req.Addr, addr)
	sl.onDone = func(_ int32, err error) { p.resolve(struct{}{}, err) }
	h, err := s.startLocked(sl, o.timeout)
	if err != nil {
		return nil, err
	}
	s.remote = addr
	s.transitionLocked(StateConnecting)
	p.cancel = func() { s.cancel(h) }
	return p, nil
}

func (s *Socket) peerAddr(addr netip.AddrPort) (netip.AddrPort, error) {
	a := addr.Addr()
	switch {
	case !addr.IsValid():
		return addr, fmt.Errorf("asock: invalid address %v", addr)
	case s.family == unix.AF_INET && !a.Unmap().Is4():
		return addr, fmt.Errorf("asock: %v is not an IPv4 address", addr)
	case s.family == unix.AF_INET:
		return netip.AddrPortFrom(a.Unmap(), addr.Port()), nil
	case a.Is4():
		// v4-mapped for an AF_INET6 socket
		return netip.AddrPortFrom(netip.AddrFrom16(a.As16()), addr.Port()), nil
	}
	return addr, nil
}

// BindAndListen binds the socket to addr and starts listening. It runs
// synchronously; a failure leaves the socket in StateCreated.
//
// backlog is clamped to [1, 4096] for the kernel queue. The socket also keeps
// up to 16 accepts posted on the ring, fewer for a smaller backlog, so
// connections are taken off the kernel queue before Accept is called.
func (s *Socket) BindAndListen(addr netip.AddrPort, backlog int) error {
	addr, err := s.peerAddr(addr)
	if err != nil {
		return err
	}
	if backlog < 1 {
		backlog = 1
	} else if backlog > maxBacklog {
		backlog = maxBacklog
	}

	s.mu.Lock()
	defer s.unlock()
	if s.state != StateCreated {
		return &StateError{Op: "listen", State: s.state}
	}
	if err := unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("asock: setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(s.fd, ring.Sockaddr(addr)); err != nil {
		return fmt.Errorf("asock: bind %s: %w", addr, err)
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return fmt.Errorf("asock: listen %s: %w", addr, err)
	}
	s.local = s.sockname()
	s.transitionLocked(StateListening)
	s.acceptDepth = acceptDepth(backlog, s.limit)
	_ = s.postAcceptsLocked()
	return nil
}

// Accept takes one inbound connection, oldest first. The returned Socket is
// Established and owned by the caller. If a connection was accepted already
// the Pending is resolved on return.
func (s *Socket) Accept(opts ...OpOption) (*Pending[*Socket], error) {
	o := applyOptions(opts)
	s.mu.Lock()
	if s.state != StateListening {
		err := &StateError{Op: "accept", State: s.state}
		s.unlock()
		return nil, err
	}
	err := s.postAcceptsLocked()
	if len(s.acceptQ) > 0 {
		c := s.acceptQ[0]
		s.acceptQ = s.acceptQ[1:]
		s.unlock()
		return resolvedPending[*Socket](s.take(c)), nil
	}
	if s.acceptsPosted == 0 {
		// nothing on the ring could ever complete it
		s.unlock()
		return nil, err
	}

	w := &acceptWaiter{p: newPending[*Socket](s.r)}
	s.acceptWaiters = append(s.acceptWaiters, w)
	if o.timeout > 0 {
		w.timer = time.AfterFunc(o.timeout, func() { s.dropWaiter(w, ErrTimeout) })
	}
	w.p.cancel = func() { s.dropWaiter(w, ErrCancelled) }
	s.unlock()
	return w.p, nil
}

// Read reads up to len(buf) bytes into buf. The kernel fills a buffer owned
// by the socket; buf is written only when the read completes. End of stream
// is reported as (0, io.EOF), and every later Read reports it again.
func (s *Socket) Read(buf []byte, opts ...OpOption) (*Pending[int], error) {
	o := applyOptions(opts)
	s.mu.Lock()
	defer s.unlock()
	if s.state != StateEstablished {
		return nil, &StateError{Op: "read", State: s.state}
	}
	if s.eof {
		return resolvedPending(0, io.EOF), nil
	}
	if len(buf) == 0 {
		return resolvedPending(0, nil), nil
	}
	p := newPending[int](s.r)
	sl := newSlot(ring.OpRecv, s)
	sl.req.Buf = sl.allocBuf(len(buf))
	sl.onDone = func(res int32, err error) {
		switch {
		case err != nil:
			p.resolve(0, err)
		case res == 0:
			p.resolve(0, io.EOF)
		default:
			p.resolve(copy(buf, sl.buf[:res]), nil)
		}
	}
	h, err := s.startLocked(sl, o.timeout)
	if err != nil {
		return nil, err
	}
	p.cancel = func() { s.cancel(h) }
	return p, nil
}

// Write sends buf. buf is copied before Write returns, so the caller may
// reuse it at once. A completed Write may have sent fewer bytes than
// len(buf); see WriteAll.
func (s *Socket) Write(buf []byte, opts ...OpOption) (*Pending[int], error) {
	o := applyOptions(opts)
	s.mu.Lock()
	defer s.unlock()
	if s.state != StateEstablished {
		return nil, &StateError{Op: "write", State: s.state}
	}
	if len(buf) == 0 {
		return resolvedPending(0, nil), nil
	}
	p := newPending[int](s.r)
	sl := newSlot(ring.OpSend, s)
	sl.req.Buf = sl.allocBuf(len(buf))
	copy(sl.req.Buf, buf)
	sl.req.Flags = unix.MSG_NOSIGNAL
	sl.onDone = func(res int32, err error) {
		if err != nil {
			p.resolve(0, err)
			return
		}
		p.resolve(int(res), nil)
	}
	h, err := s.startLocked(sl, o.timeout)
	if err != nil {
		return nil, err
	}
	p.cancel = func() { s.cancel(h) }
	return p, nil
}

// WriteAll sends the whole of buf, issuing one Write after another until
// every byte is accepted. It resolves with the number of bytes sent, which
// is len(buf) unless an error is returned. Writes issued concurrently on the
// same socket may interleave with it.
func (s *Socket) WriteAll(buf []byte, opts ...OpOption) (*Pending[int], error) {
	first, err := s.Write(buf, opts...)
	if err != nil || len(buf) == 0 {
		return first, err
	}
	w := &allWriter{s: s, buf: buf, opts: opts, p: newPending[int](s.r)}
	w.cur.Store(first)
	w.p.cancel = w.cancel
	first.Then(w.step)
	return w.p, nil
}

type allWriter struct {
	s     *Socket
	buf   []byte
	opts  []OpOption
	total int

	p       *Pending[int]
	cur     atomic.Pointer[Pending[int]]
	stopped atomic.Bool
}

func (w *allWriter) step(n int, err error) {
	w.total += n
	switch {
	case err != nil:
		w.p.resolve(w.total, err)
		return
	case w.total >= len(w.buf):
		w.p.resolve(w.total, nil)
		return
	case n == 0:
		w.p.resolve(w.total, io.ErrShortWrite)
		return
	case w.stopped.Load():
		w.p.resolve(w.total, ErrCancelled)
		return
	}
	next, err := w.s.Write(w.buf[w.total:], w.opts...)
	if err != nil {
		w.p.resolve(w.total, err)
		return
	}
	w.cur.Store(next)
	if w.stopped.Load() {
		// cancelled after the check above, against the previous write
		next.Cancel()
	}
	next.Then(w.step)
}

func (w *allWriter) cancel() {
	w.stopped.Store(true)
	if p := w.cur.Load(); p != nil {
		p.Cancel()
	}
}

// Shutdown shuts down one or both halves of the connection; how is one of
// unix.SHUT_RD, unix.SHUT_WR or unix.SHUT_RDWR.
func (s *Socket) Shutdown(how int) error {
	s.mu.Lock()
	defer s.unlock()
	if s.state != StateEstablished {
		return &StateError{Op: "shutdown", State: s.state}
	}
	if err := unix.Shutdown(s.fd, how); err != nil {
		return fmt.Errorf("asock: shutdown socket %d: %w", s.id, err)
	}
	return nil
}

// Close cancels every outstanding operation and releases the fd once they
// all retired. It may be called any number of times; every call returns the
// same Pending.
func (s *Socket) Close() *Pending[struct{}] {
	s.mu.Lock()
	defer s.unlock()
	if s.closeP == nil {
		if s.fd < 0 {
			s.closeP = resolvedPending(struct{}{}, nil)
		} else {
			s.closeP = newPending[struct{}](s.r)
		}
	}
	switch s.state {
	case StateListening:
		s.stopAcceptingLocked(ErrCancelled)
		fallthrough
	case StateCreated, StateConnecting, StateEstablished:
		s.transitionLocked(StateClosing)
		s.cancelAllLocked()
	}
	s.maybeReleaseLocked()
	return s.closeP
}

// unlock releases mu, then runs whatever was deferred while it was held.
func (s *Socket) unlock() {
	fns := s.deferred
	s.deferred = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (s *Socket) afterUnlock(fn func()) { s.deferred = append(s.deferred, fn) }

// startLocked registers sl and submits it. When it fails nothing of sl
// remains: the handle is retired and the slot released.
func (s *Socket) startLocked(sl *slot, timeout time.Duration) (slab.Handle, error) {
	counted := sl.counted()
	if counted && s.inflight >= s.limit {
		sl.release()
		return slab.Handle{}, ErrTooManyOutstanding
	}
	h := s.r.slots.allocate(sl)
	s.handles[h] = sl.req.Op
	if counted {
		s.inflight++
	}
	if timeout > 0 {
		sl.timer = time.AfterFunc(timeout, func() { s.timeout(h) })
	}
	s.r.metrics.outstanding.Inc()

	if err := s.r.adapter.submit(sl); err != nil {
		s.r.metrics.outstanding.Dec()
		if sl.timer != nil {
			sl.timer.Stop()
		}
		delete(s.handles, h)
		if counted {
			s.inflight--
		}
		if _, rerr := s.r.slots.retire(h); rerr != nil {
			panic(rerr)
		}
		sl.release()
		return slab.Handle{}, err
	}
	return h, nil
}

// cancel requests cancellation of h if it is still outstanding.
func (s *Socket) cancel(h slab.Handle) {
	s.mu.Lock()
	s.r.cancels.requestLocked(s, h)
	s.unlock()
}

func (s *Socket) timeout(h slab.Handle) {
	s.mu.Lock()
	defer s.unlock()
	if _, ok := s.handles[h]; !ok {
		return
	}
	sl, err := s.r.slots.resolve(h)
	if err != nil {
		// retired, waiting for s.mu to apply the result
		return
	}
	sl.timedOut.Store(true)
	s.r.cancels.requestLocked(s, h)
}

func (s *Socket) cancelAllLocked() {
	targets := make([]slab.Handle, 0, len(s.handles))
	for h, op := range s.handles {
		if op != ring.OpCancel && op != ring.OpClose {
			targets = append(targets, h)
		}
	}
	for _, h := range targets {
		s.r.cancels.requestLocked(s, h)
	}
}

// finish applies the result of sl, whose handle h the caller has retired.
// A non-nil override replaces the kernel result.
func (s *Socket) finish(h slab.Handle, sl *slot, res int32, override error) {
	op := sl.req.Op
	err := override
	if err == nil && res < 0 {
		err = s.errorOf(op, sl, syscall.Errno(-res))
	}

	s.mu.Lock()
	delete(s.handles, h)
	if sl.counted() {
		s.inflight--
	}
	switch op {
	case ring.OpConnect:
		if s.state == StateConnecting {
			if err == nil {
				s.local = s.sockname()
				s.transitionLocked(StateEstablished)
			} else {
				s.failLocked(err)
			}
		}
	case ring.OpRecv:
		if err == nil && res == 0 {
			s.eof = true
		} else if fatal(err) {
			s.failLocked(err)
		}
	case ring.OpSend, ring.OpAccept:
		if fatal(err) {
			s.failLocked(err)
		}
	case ring.OpClose:
		if err != nil && override == nil {
			s.r.log.WithFields(logrus.Fields{"socket": s.id, "op": op}).
				WithError(err).Debug("asock: close reported an error")
		}
		s.releasedLocked()
	}
	s.maybeReleaseLocked()
	s.unlock()

	if sl.timer != nil {
		sl.timer.Stop()
	}
	s.r.metrics.outstanding.Dec()
	outcome := outcomeOf(err)
	if op == ring.OpRecv && err == nil && res == 0 {
		outcome = outcomeEOF
	}
	s.r.metrics.completed.WithLabelValues(op.String(), outcome).Inc()
	if op == ring.OpCancel {
		s.r.cancels.finished(sl, res)
	}
	if sl.onDone != nil {
		sl.onDone(res, err)
	}
	sl.release()
}

func (s *Socket) errorOf(op ring.Op, sl *slot, errno syscall.Errno) error {
	if errno == syscall.ECANCELED {
		if sl.timedOut.Load() {
			return ErrTimeout
		}
		return ErrCancelled
	}
	return &IoError{Op: op.String(), Socket: s.id, Errno: errno}
}

func fatal(err error) bool {
	var ioe *IoError
	return errors.As(err, &ioe) && ioe.Fatal()
}

// failLocked moves the socket to StateErrored and cancels what is left.
func (s *Socket) failLocked(err error) {
	switch s.state {
	case StateListening:
		s.stopAcceptingLocked(err)
		fallthrough
	case StateCreated, StateConnecting, StateEstablished:
		s.reason = err
		s.transitionLocked(StateErrored)
		s.cancelAllLocked()
	}
}

// maybeReleaseLocked gives the fd back once a closing or errored socket has
// nothing outstanding. The close goes through the ring; if the ring refuses
// it, close(2) is called directly.
func (s *Socket) maybeReleaseLocked() {
	if s.releasing || len(s.handles) > 0 {
		return
	}
	if s.state != StateClosing && s.state != StateErrored {
		return
	}
	s.releasing = true
	sl := newSlot(ring.OpClose, s)
	if _, err := s.startLocked(sl, 0); err != nil {
		s.r.log.WithField("socket", s.id).WithError(err).Warn("asock: ring refused close, closing directly")
		_ = unix.Close(s.fd)
		s.releasedLocked()
	}
}

func (s *Socket) releasedLocked() {
	if s.fd < 0 {
		return
	}
	s.fd = -1
	if s.state == StateClosing {
		s.transitionLocked(StateClosed)
	}
	close(s.released)
	p := s.closeP
	if p == nil {
		s.closeP = resolvedPending(struct{}{}, nil)
	}
	s.afterUnlock(func() {
		s.r.forget(s)
		if p != nil {
			p.resolve(struct{}{}, nil)
		}
	})
}

func (s *Socket) transitionLocked(to State) {
	from := s.state
	if !ValidTransition(from, to) {
		panic(fmt.Sprintf("asock: %s: illegal transition %s -> %s", s, from, to))
	}
	s.state = to
	if hook := s.r.cfg.StateHook; hook != nil {
		hook(s, from, to)
	}
	s.r.log.WithField("socket", s.id).Debugf("asock: %s -> %s", from, to)
}

func (s *Socket) sockname() netip.AddrPort {
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}
	}
	return ring.FromSockaddr(sa)
}
