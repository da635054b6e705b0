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

// Package asock implements asynchronous TCP sockets over a completion ring.
//
// A Reactor owns one ring and the loops that reap it. Every socket operation
// takes a slot from the reactor's slot table, is submitted to the ring, and
// resolves a Pending once the loop that reaps its completion retires the
// slot. Cancellation and timeouts never retire a slot themselves, so each
// operation delivers exactly one result and its buffer stays with the kernel
// until then.
package asock

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/cloudwego/asyncsock/container/slab"
	"github.com/cloudwego/asyncsock/ring"
)

const (
	reactorRunning int32 = iota
	reactorDraining
	reactorStopped
)

var reactorSeq atomic.Uint64

// Reactor runs the completion loops of one ring.
type Reactor struct {
	cfg *Config
	log logrus.FieldLogger

	adapter  *adapter
	slots    slotTable
	cancels  *canceller
	metrics  *metrics
	dispatch *dispatcher
	nonblock bool

	sockets cmap.ConcurrentMap[uint64, *Socket]
	nextID  atomic.Uint64

	state atomic.Int32
	stop  context.CancelFunc
	group *errgroup.Group
	turns []chan struct{}
	gone  chan struct{}
}

// Start creates the ring and starts the Reactor Loops. A nil cfg means
// DefaultConfig(). cfg is copied.
func Start(cfg *Config) (*Reactor, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	} else {
		c := *cfg
		cfg = &c
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	newDriver := cfg.NewDriver
	if newDriver == nil {
		newDriver = func(entries uint32) (ring.Driver, error) {
			return ring.New(cfg.Driver, entries)
		}
	}
	d, err := newDriver(cfg.RingEntries)
	if err != nil {
		return nil, fmt.Errorf("asock: create ring: %w", err)
	}

	m := newMetrics()
	if cfg.Registerer != nil {
		if err := m.register(cfg.Registerer); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("asock: register metrics: %w", err)
		}
	}

	id := reactorSeq.Add(1)
	log := cfg.Logger.WithField("reactor", id)
	r := &Reactor{
		cfg:      cfg,
		log:      log,
		adapter:  newAdapter(d, cfg, m),
		slots:    newSlotTable(cfg.SlabShards),
		cancels:  newCanceller(log),
		metrics:  m,
		nonblock: d.NonblockingSockets(),
		sockets: cmap.NewWithCustomShardingFunction[uint64, *Socket](func(k uint64) uint32 {
			return uint32(k) ^ uint32(k>>32)
		}),
		gone: make(chan struct{}),
	}
	if cfg.CallbackWorkers > 0 {
		r.dispatch = newDispatcher(cfg.CallbackWorkers, log)
	}
	if cfg.PollPolicy == PolicyRoundRobin && cfg.Loops > 1 {
		r.turns = make([]chan struct{}, cfg.Loops)
		for i := range r.turns {
			r.turns[i] = make(chan struct{}, 1)
		}
		r.turns[0] <- struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.stop = cancel
	r.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < cfg.Loops; i++ {
		r.group.Go(func() error { return r.runLoop(ctx, i) })
	}
	log.WithFields(logrus.Fields{
		"mode":   cfg.Mode,
		"loops":  cfg.Loops,
		"policy": cfg.PollPolicy,
		"ring":   fmt.Sprintf("%T", d),
	}).Info("asock: reactor started")
	return r, nil
}

// Outstanding returns the number of operations currently owned by the kernel.
func (r *Reactor) Outstanding() int { return r.slots.Len() }

// Sockets returns the number of sockets whose fd has not been released.
func (r *Reactor) Sockets() int { return r.sockets.Count() }

// NewSocket creates an unconnected TCP socket. family is unix.AF_INET or
// unix.AF_INET6.
func (r *Reactor) NewSocket(family int) (*Socket, error) {
	if r.state.Load() != reactorRunning {
		return nil, ErrReactorClosed
	}
	if family != unix.AF_INET && family != unix.AF_INET6 {
		return nil, fmt.Errorf("asock: unsupported address family %d", family)
	}
	typ := unix.SOCK_STREAM | unix.SOCK_CLOEXEC
	if r.nonblock {
		typ |= unix.SOCK_NONBLOCK
	}
	fd, err := unix.Socket(family, typ, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("asock: socket: %w", err)
	}
	return r.register(newSocket(r, fd, family)), nil
}

// Listen returns a listening socket bound to addr.
func (r *Reactor) Listen(addr netip.AddrPort, backlog int) (*Socket, error) {
	s, err := r.NewSocket(familyOf(addr))
	if err != nil {
		return nil, err
	}
	if err := s.BindAndListen(addr, backlog); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Dial connects to addr and waits for the connection. If ctx ends first the
// connect is cancelled and the socket closed.
func (r *Reactor) Dial(ctx context.Context, addr netip.AddrPort, opts ...OpOption) (*Socket, error) {
	s, err := r.NewSocket(familyOf(addr))
	if err != nil {
		return nil, err
	}
	p, err := s.Connect(addr, opts...)
	if err != nil {
		s.Close()
		return nil, err
	}
	if _, err := p.Await(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func familyOf(addr netip.AddrPort) int {
	if addr.Addr().Unmap().Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func (r *Reactor) register(s *Socket) *Socket {
	r.sockets.Set(s.id, s)
	r.metrics.sockets.Inc()
	return s
}

// adopt wraps an accepted fd in an Established socket.
func (r *Reactor) adopt(fd, family int, remote netip.AddrPort) *Socket {
	s := newSocket(r, fd, family)
	s.state = StateEstablished
	s.remote = remote
	s.local = s.sockname()
	if hook := r.cfg.StateHook; hook != nil {
		hook(s, StateListening, StateEstablished)
	}
	return r.register(s)
}

func (r *Reactor) forget(s *Socket) {
	r.sockets.Remove(s.id)
	r.metrics.sockets.Dec()
}

func (r *Reactor) runCallback(f func()) {
	if r.dispatch != nil {
		r.dispatch.Go(f)
		return
	}
	runCallback(r.log, f)
}

// Shutdown closes every socket and waits until all of them are released,
// then stops the loops and closes the ring. Callbacks already handed to the
// callback workers have run by the time it returns, unless ctx ends first.
//
// If ctx ends before the sockets drain, the loops and the ring are stopped
// anyway and every remaining operation resolves with ErrReactorClosed. Its
// buffer is abandoned rather than reused, since the kernel may still hold
// it. Shutdown then returns ctx.Err().
func (r *Reactor) Shutdown(ctx context.Context) error {
	if !r.state.CompareAndSwap(reactorRunning, reactorDraining) {
		select {
		case <-r.gone:
			return ErrReactorClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer close(r.gone)
	r.log.Info("asock: reactor draining")

	drained := r.drain(ctx)
	r.stop()
	errs := []error{r.group.Wait(), r.adapter.close()}
	if !drained {
		n := r.forceRetire()
		r.log.WithField("slots", n).Warn("asock: forced shutdown")
		errs = append(errs, ctx.Err())
	}
	if r.dispatch != nil {
		if err := r.dispatch.stop(ctx); err != nil && drained {
			errs = append(errs, err)
		}
	}
	r.state.Store(reactorStopped)
	r.log.Info("asock: reactor stopped")
	return errors.Join(errs...)
}

// drain closes sockets until none is left. Sockets accepted while draining
// are picked up by the next pass.
func (r *Reactor) drain(ctx context.Context) bool {
	for {
		items := r.sockets.Items()
		if len(items) == 0 {
			return true
		}
		for _, s := range items {
			s.Close()
		}
		for _, s := range items {
			select {
			case <-s.released:
			case <-ctx.Done():
				return false
			}
		}
	}
}

// forceRetire resolves every slot left after the ring was closed, then
// releases the sockets that still hold an fd.
func (r *Reactor) forceRetire() int {
	var hs []slab.Handle
	r.slots.Range(func(h slab.Handle, _ *slot) bool {
		hs = append(hs, h)
		return true
	})
	n := 0
	for _, h := range hs {
		sl, err := r.slots.retire(h)
		if err != nil {
			continue
		}
		n++
		sl.abandon()
		// A close slot retired here marks its fd released without calling
		// close(2): the ring may already have run it and the number may be
		// reused, so a leaked fd is the lesser risk.
		sl.sock.finish(h, sl, 0, ErrReactorClosed)
	}
	for _, s := range r.sockets.Items() {
		s.mu.Lock()
		if !s.state.Terminal() && s.state != StateClosing {
			s.transitionLocked(StateClosing)
		}
		if s.fd >= 0 {
			_ = unix.Close(s.fd)
			s.releasedLocked()
		}
		s.unlock()
	}
	return n
}
