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
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/cloudwego/asyncsock/ring"
)

// forEachMode runs fn on every driver in every loop configuration.
func forEachMode(t *testing.T, fn func(t *testing.T, r *Reactor)) {
	cases := []struct {
		name string
		mod  func(c *Config)
	}{
		{"single", func(c *Config) { c.Mode = ModeSingle }},
		{"concurrent", func(c *Config) { c.Loops = 4 }},
		{"round-robin", func(c *Config) { c.Loops = 3; c.PollPolicy = PolicyRoundRobin }},
		{"callback-workers", func(c *Config) { c.CallbackWorkers = 2 }},
	}
	forEachDriver(t, func(t *testing.T, kind ring.Kind) {
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				fn(t, startReactor(t, testConfig(func(c *Config) {
					c.Driver = kind
					tc.mod(c)
				})))
			})
		}
	})
}

func readFull(t *testing.T, s *Socket, n, bufSize int) []byte {
	t.Helper()
	got := make([]byte, 0, n)
	buf := make([]byte, bufSize)
	for len(got) < n {
		m, err := await(t, mustPending(s.Read(buf)))
		require.NoError(t, err)
		got = append(got, buf[:m]...)
	}
	return got
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func TestReadWrite(t *testing.T) {
	forEachMode(t, func(t *testing.T, r *Reactor) {
		c, s := connectedPair(t, r)
		assert.Equal(t, s.LocalAddr(), c.RemoteAddr())
		assert.Equal(t, c.LocalAddr(), s.RemoteAddr())

		payload := pattern(1024, 3)
		n, err := await(t, mustPending(c.WriteAll(payload)))
		require.NoError(t, err)
		require.Equal(t, 1024, n)

		got := readFull(t, s, 1024, 2048)
		assert.Equal(t, payload, got)

		require.NoError(t, c.Shutdown(unix.SHUT_WR))
		_, err = await(t, mustPending(s.Read(make([]byte, 16))))
		assert.Equal(t, io.EOF, err)

		for _, sock := range []*Socket{c, s} {
			_, err := await(t, sock.Close())
			require.NoError(t, err)
			assert.Equal(t, StateClosed, sock.State())
		}
	})
}

func echo(s *Socket) {
	buf := make([]byte, 512)
	var next func(n int, err error)
	next = func(n int, err error) {
		if err != nil {
			s.Close()
			return
		}
		if n > 0 {
			w, err := s.WriteAll(buf[:n])
			if err != nil {
				s.Close()
				return
			}
			w.Then(func(_ int, err error) {
				if err != nil {
					s.Close()
					return
				}
				next(0, nil)
			})
			return
		}
		p, err := s.Read(buf)
		if err != nil {
			s.Close()
			return
		}
		p.Then(next)
	}
	next(0, nil)
}

func serveEcho(t *testing.T, r *Reactor) netip.AddrPort {
	l, err := r.Listen(loopback, 64)
	require.NoError(t, err)
	var accept func(ns *Socket, err error)
	accept = func(ns *Socket, err error) {
		if err != nil {
			return
		}
		if ns != nil {
			echo(ns)
		}
		p, err := l.Accept()
		if err != nil {
			return
		}
		p.Then(accept)
	}
	accept(nil, nil)
	return l.LocalAddr()
}

func TestEchoConcurrentClients(t *testing.T) {
	forEachMode(t, func(t *testing.T, r *Reactor) {
		addr := serveEcho(t, r)

		var wg sync.WaitGroup
		errs := make(chan error, 3)
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(seed byte) {
				defer wg.Done()
				errs <- func() error {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					c, err := r.Dial(ctx, addr)
					if err != nil {
						return err
					}
					defer c.Close()
					payload := pattern(64, seed)
					if _, err := c.WriteAll(payload); err != nil {
						return err
					}
					got := make([]byte, 0, 64)
					buf := make([]byte, 64)
					for len(got) < 64 {
						p, err := c.Read(buf)
						if err != nil {
							return err
						}
						n, err := p.Await(ctx)
						if err != nil {
							return err
						}
						got = append(got, buf[:n]...)
					}
					if !bytes.Equal(payload, got) {
						return fmt.Errorf("client %d: got %v", seed, got)
					}
					return nil
				}()
			}(byte(i * 50))
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}
	})
}

func TestEchoRoundTrip2048(t *testing.T) {
	r := startReactor(t, testConfig(nil))
	addr := serveEcho(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := r.Dial(ctx, addr)
	require.NoError(t, err)
	payload := pattern(2048, 11)
	_, err = await(t, mustPending(c.WriteAll(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, readFull(t, c, 2048, 2048))
}

func TestConnectRefused(t *testing.T) {
	forEachDriver(t, func(t *testing.T, kind ring.Kind) {
		r := startReactor(t, testConfig(withDriver(kind)))

		// grab a free port, then close it
		l, err := r.Listen(loopback, 1)
		require.NoError(t, err)
		addr := l.LocalAddr()
		_, err = await(t, l.Close())
		require.NoError(t, err)

		s, err := r.NewSocket(unix.AF_INET)
		require.NoError(t, err)
		p, err := s.Connect(addr)
		require.NoError(t, err)
		_, err = await(t, p)
		require.ErrorIs(t, err, syscall.ECONNREFUSED)
		var ioe *IoError
		require.True(t, errors.As(err, &ioe))
		assert.Equal(t, "connect", ioe.Op)
		assert.Equal(t, StateErrored, s.State())
		<-s.Released()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err = r.Dial(ctx, addr)
		assert.ErrorIs(t, err, syscall.ECONNREFUSED)
	})
}

func TestReadTimeout(t *testing.T) {
	forEachDriver(t, func(t *testing.T, kind ring.Kind) {
		r := startReactor(t, testConfig(withDriver(kind)))
		c, _ := connectedPair(t, r)

		start := time.Now()
		_, err := await(t, mustPending(c.Read(make([]byte, 8), WithTimeout(30*time.Millisecond))))
		assert.ErrorIs(t, err, ErrTimeout)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
		assert.Equal(t, StateEstablished, c.State())
	})
}

func TestAwaitCancel(t *testing.T) {
	forEachDriver(t, func(t *testing.T, kind ring.Kind) {
		r := startReactor(t, testConfig(withDriver(kind)))
		c, s := connectedPair(t, r)
		base := r.Outstanding()

		p, err := c.Read(make([]byte, 8))
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = p.Await(ctx)
		assert.ErrorIs(t, err, ErrCancelled)
		require.Eventually(t, func() bool { return r.Outstanding() == base }, 5*time.Second, time.Millisecond)

		// the socket is still usable
		_, err = await(t, mustPending(s.Write([]byte("ok"))))
		require.NoError(t, err)
		assert.Equal(t, []byte("ok"), readFull(t, c, 2, 8))
	})
}

func TestCloseCancelsOutstanding(t *testing.T) {
	forEachDriver(t, func(t *testing.T, kind ring.Kind) {
		r := startReactor(t, testConfig(withDriver(kind)))
		base := r.Outstanding()
		c, _ := connectedPair(t, r)

		r1 := mustPending(c.Read(make([]byte, 8)))
		r2 := mustPending(c.Read(make([]byte, 8)))
		cp := c.Close()
		for _, p := range []*Pending[int]{r1, r2} {
			_, err := await(t, p)
			assert.ErrorIs(t, err, ErrCancelled)
		}
		_, err := await(t, cp)
		require.NoError(t, err)
		assert.Equal(t, StateClosed, c.State())
		assert.Equal(t, base, r.Outstanding())
	})
}

func TestListenBacklogAndReuse(t *testing.T) {
	r := startReactor(t, testConfig(nil))
	l, err := r.Listen(loopback, 1<<20)
	require.NoError(t, err)
	addr := l.LocalAddr()
	assert.NotZero(t, addr.Port())
	assert.Equal(t, StateListening, l.State())
	assert.Equal(t, maxPrepostedAccepts, r.Outstanding())

	s, err := r.NewSocket(unix.AF_INET)
	require.NoError(t, err)
	// address in use; the socket stays usable
	require.Error(t, s.BindAndListen(addr, 0))
	assert.Equal(t, StateCreated, s.State())
	_, err = await(t, s.Close())
	require.NoError(t, err)
}

func TestIPv6(t *testing.T) {
	forEachDriver(t, func(t *testing.T, kind ring.Kind) {
		r := startReactor(t, testConfig(withDriver(kind)))
		l, err := r.Listen(netip.MustParseAddrPort("[::1]:0"), 4)
		if err != nil {
			t.Skipf("no IPv6 loopback: %v", err)
		}
		ap := mustPending(l.Accept())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c, err := r.Dial(ctx, l.LocalAddr())
		require.NoError(t, err)
		s, err := await(t, ap)
		require.NoError(t, err)
		assert.True(t, s.RemoteAddr().Addr().Is6())
		assert.Equal(t, c.LocalAddr(), s.RemoteAddr())
	})
}

func TestShutdownWaitsForRelease(t *testing.T) {
	r, err := Start(testConfig(nil))
	require.NoError(t, err)
	c, s := connectedPair(t, r)
	p := mustPending(c.Read(make([]byte, 8)))
	_ = mustPending(s.Read(make([]byte, 8)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))

	for _, sock := range []*Socket{c, s} {
		select {
		case <-sock.Released():
		default:
			t.Fatalf("%s not released", sock)
		}
		assert.Equal(t, StateClosed, sock.State())
	}
	assert.True(t, isDone(p.Done()))
	assert.Zero(t, r.Sockets())
	assert.Zero(t, r.Outstanding())

	_, err = r.Listen(loopback, 1)
	assert.ErrorIs(t, err, ErrReactorClosed)
}

func TestCallbackPanicIsContained(t *testing.T) {
	r := startReactor(t, testConfig(nil))
	c, s := connectedPair(t, r)

	p := mustPending(c.Read(make([]byte, 1)))
	p.Then(func(int, error) { panic("boom") })
	done := make(chan struct{})
	p.Then(func(int, error) { close(done) })
	_, err := await(t, mustPending(s.Write([]byte("x"))))
	require.NoError(t, err)
	<-done

	// the loop survived
	_, err = await(t, mustPending(s.Write([]byte("y"))))
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), readFull(t, c, 1, 1))
}

func queuedAccepts(s *Socket) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.acceptQ)
}

func TestAcceptQueuedBeforeAccept(t *testing.T) {
	forEachDriver(t, func(t *testing.T, kind ring.Kind) {
		r := startReactor(t, testConfig(withDriver(kind)))
		l, err := r.Listen(loopback, 4)
		require.NoError(t, err)
		assert.Equal(t, 4, r.Outstanding())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		clients := map[netip.AddrPort]bool{}
		for i := 0; i < 4; i++ {
			c, err := r.Dial(ctx, l.LocalAddr())
			require.NoError(t, err)
			clients[c.LocalAddr()] = true
		}
		require.Eventually(t, func() bool { return queuedAccepts(l) == 4 }, 5*time.Second, time.Millisecond)
		// taken connections are replaced on the ring
		require.Eventually(t, func() bool { return r.Outstanding() == 4 }, 5*time.Second, time.Millisecond)

		for i := 0; i < 4; i++ {
			p := mustPending(l.Accept())
			require.True(t, isDone(p.Done()))
			s, err := await(t, p)
			require.NoError(t, err)
			assert.Equal(t, StateEstablished, s.State())
			assert.True(t, clients[s.RemoteAddr()], "unknown peer %s", s.RemoteAddr())
			delete(clients, s.RemoteAddr())
		}
		assert.Empty(t, clients)

		// a connection nobody took is closed with the listener
		c, err := r.Dial(ctx, l.LocalAddr())
		require.NoError(t, err)
		require.Eventually(t, func() bool { return queuedAccepts(l) == 1 }, 5*time.Second, time.Millisecond)
		_, err = await(t, l.Close())
		require.NoError(t, err)
		_, err = await(t, mustPending(c.Read(make([]byte, 8))))
		assert.Equal(t, io.EOF, err)
	})
}

func TestShutdownRunsQueuedCallbacks(t *testing.T) {
	r, err := Start(testConfig(func(c *Config) { c.CallbackWorkers = 1 }))
	require.NoError(t, err)
	c, _ := connectedPair(t, r)

	var ran atomic.Bool
	mustPending(c.Read(make([]byte, 8))).Then(func(int, error) {
		time.Sleep(50 * time.Millisecond)
		ran.Store(true)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Shutdown(ctx))
	assert.True(t, ran.Load())
	require.Eventually(t, func() bool { return atomic.LoadInt32(&r.dispatch.workers) == 0 }, 5*time.Second, time.Millisecond)
}

func TestStartErrors(t *testing.T) {
	_, err := Start(&Config{Mode: "bogus"})
	assert.Error(t, err)

	_, err = Start(testConfig(func(c *Config) {
		c.NewDriver = func(uint32) (ring.Driver, error) { return nil, errors.New("no ring") }
	}))
	assert.Error(t, err)
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
