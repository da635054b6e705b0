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
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cloudwego/asyncsock/ring"
)

// fakeDriver is a ring whose operations only complete when the test says so.
// Cancels and closes complete on their own.
type fakeDriver struct {
	mu     sync.Mutex
	subs   []*ring.Request
	done   []ring.Completion
	closed bool

	limit  int // in-flight cap, 0 means none
	refuse int // Submit calls to refuse with ring.ErrFull

	// lateCancel makes every cancel lose the race: the cancel reports
	// EALREADY and the target stays in flight.
	lateCancel bool

	// onSubmit sees every accepted request, with mu held.
	onSubmit func(req *ring.Request)
}

func (f *fakeDriver) Submit(req *ring.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ring.ErrClosed
	}
	if f.refuse > 0 {
		f.refuse--
		return ring.ErrFull
	}
	if f.limit > 0 && len(f.subs) >= f.limit {
		return ring.ErrFull
	}
	if f.onSubmit != nil {
		f.onSubmit(req)
	}
	switch req.Op {
	case ring.OpClose:
		f.done = append(f.done, ring.Completion{Token: req.Token, Res: errnoOf(unix.Close(req.Fd))})
	case ring.OpCancel:
		res := -int32(unix.ENOENT)
		for i, sub := range f.subs {
			if sub.Token != req.Target {
				continue
			}
			if f.lateCancel {
				res = -int32(unix.EALREADY)
				break
			}
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			f.done = append(f.done, ring.Completion{Token: sub.Token, Res: -int32(unix.ECANCELED)})
			res = 0
			break
		}
		f.done = append(f.done, ring.Completion{Token: req.Token, Res: res})
	default:
		f.subs = append(f.subs, req)
	}
	return nil
}

func (f *fakeDriver) Flush() error { return nil }

func (f *fakeDriver) Reap(dst []ring.Completion, max int) []ring.Completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.done)
	if n > max {
		n = max
	}
	dst = append(dst, f.done[:n]...)
	f.done = append(f.done[:0], f.done[n:]...)
	return dst
}

func (f *fakeDriver) NonblockingSockets() bool { return false }

func (f *fakeDriver) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.subs, f.done = nil, nil
	return nil
}

// first returns the oldest in-flight request of op, or nil.
func (f *fakeDriver) first(op ring.Op) *ring.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		if sub.Op == op {
			return sub
		}
	}
	return nil
}

func (f *fakeDriver) inFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeDriver) inFlightOf(op ring.Op) []*ring.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var reqs []*ring.Request
	for _, sub := range f.subs {
		if sub.Op == op {
			reqs = append(reqs, sub)
		}
	}
	return reqs
}

// complete finishes token with res, filling a read buffer with data first.
// It reports false when the request is no longer in flight.
func (f *fakeDriver) complete(token uint64, res int32, data []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, sub := range f.subs {
		if sub.Token != token {
			continue
		}
		if data != nil {
			copy(sub.Buf, data)
		}
		f.subs = append(f.subs[:i], f.subs[i+1:]...)
		f.done = append(f.done, ring.Completion{Token: token, Res: res})
		return true
	}
	return false
}

func errnoOf(err error) int32 {
	if errno, ok := err.(unix.Errno); ok {
		return -int32(errno)
	}
	return 0
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(mod func(c *Config)) *Config {
	cfg := DefaultConfig()
	cfg.Driver = ring.KindEmulated
	cfg.Loops = 2
	cfg.IdleSpins = 8
	cfg.IdleSleepMax = 500 * time.Microsecond
	cfg.Logger = quietLogger()
	if mod != nil {
		mod(cfg)
	}
	return cfg
}

// forEachDriver runs fn once per ring driver the host supports.
func forEachDriver(t *testing.T, fn func(t *testing.T, kind ring.Kind)) {
	for _, kind := range []ring.Kind{ring.KindEmulated, ring.KindIOUring} {
		t.Run(string(kind), func(t *testing.T) {
			if kind == ring.KindIOUring {
				d, err := ring.New(kind, 8)
				if err != nil {
					t.Skipf("io_uring unavailable: %v", err)
				}
				_ = d.Close()
			}
			fn(t, kind)
		})
	}
}

func withDriver(kind ring.Kind) func(c *Config) {
	return func(c *Config) { c.Driver = kind }
}

func startReactor(t *testing.T, cfg *Config) *Reactor {
	t.Helper()
	r, err := Start(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func startFake(t *testing.T, f *fakeDriver, mod func(c *Config)) *Reactor {
	t.Helper()
	return startReactor(t, testConfig(func(c *Config) {
		c.NewDriver = func(uint32) (ring.Driver, error) { return f, nil }
		if mod != nil {
			mod(c)
		}
	}))
}

func await[T any](t *testing.T, p *Pending[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-p.Done():
	case <-ctx.Done():
		t.Fatal("pending did not resolve in time")
	}
	return p.Await(ctx)
}

var loopback = netip.MustParseAddrPort("127.0.0.1:0")

// establishFake returns a socket the fake driver reports as connected.
func establishFake(t *testing.T, r *Reactor, f *fakeDriver) *Socket {
	t.Helper()
	s, err := r.NewSocket(unix.AF_INET)
	require.NoError(t, err)
	p, err := s.Connect(netip.MustParseAddrPort("127.0.0.1:9"))
	require.NoError(t, err)
	req := f.first(ring.OpConnect)
	require.NotNil(t, req)
	require.True(t, f.complete(req.Token, 0, nil))
	_, err = await(t, p)
	require.NoError(t, err)
	require.Equal(t, StateEstablished, s.State())
	return s
}

// connectedPair returns both ends of a loopback connection.
func connectedPair(t *testing.T, r *Reactor) (client, server *Socket) {
	t.Helper()
	l, err := r.Listen(loopback, 16)
	require.NoError(t, err)
	ap, err := l.Accept()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err = r.Dial(ctx, l.LocalAddr())
	require.NoError(t, err)
	server, err = await(t, ap)
	require.NoError(t, err)
	_, err = await(t, l.Close())
	require.NoError(t, err)
	return client, server
}

func waitState(t *testing.T, s *Socket, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 5*time.Second, time.Millisecond,
		"socket %d: want %s, have %s", s.ID(), want, s.State())
}
