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
	"sync"

	"golang.org/x/sys/unix"
)

const defaultStreamBufSize = 16 << 10

// Stream adds read-ahead and write-behind buffering to an Established Socket.
//
// While the receive buffer has room one Read is kept on the ring, so data
// that arrived is returned without a round trip. Writes are copied into the
// send buffer and flushed by one Write at a time.
//
// Stream implements io.ReadWriter. Its methods are safe for concurrent use,
// but concurrent Reads, or concurrent Writes, interleave at arbitrary points.
// Socket operations issued directly while a Stream is in use interleave with
// the Stream's own.
type Stream struct {
	s *Socket

	mu sync.Mutex
	// changed is closed and replaced whenever buffered state changes.
	changed chan struct{}
	closed  bool

	in      circBuf
	reading bool
	rerr    error // sticky, io.EOF included

	out        circBuf
	writing    bool
	werr       error // sticky
	closeWrite bool
	shut       bool
}

// NewStream wraps s, which must be Established. A size <= 0 picks 16 KiB.
func NewStream(s *Socket, readSize, writeSize int) (*Stream, error) {
	if st := s.State(); st != StateEstablished {
		return nil, &StateError{Op: "stream", State: st}
	}
	if readSize <= 0 {
		readSize = defaultStreamBufSize
	}
	if writeSize <= 0 {
		writeSize = defaultStreamBufSize
	}
	st := &Stream{
		s:       s,
		changed: make(chan struct{}),
		in:      circBuf{b: make([]byte, readSize)},
		out:     circBuf{b: make([]byte, writeSize)},
	}
	st.mu.Lock()
	p := st.fillLocked()
	st.mu.Unlock()
	subscribe(p, st.filled)
	return st, nil
}

// Socket returns the wrapped socket.
func (st *Stream) Socket() *Socket { return st.s }

// Buffered returns the number of received bytes not read yet.
func (st *Stream) Buffered() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.in.n
}

func (st *Stream) Read(p []byte) (int, error) { return st.ReadContext(context.Background(), p) }

// ReadContext reads buffered data into p, waiting for some to arrive if
// none is buffered. Data received before end of stream or an error is
// returned first; the error is reported once the buffer is empty.
func (st *Stream) ReadContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		st.mu.Lock()
		if st.closed {
			st.mu.Unlock()
			return 0, ErrStreamClosed
		}
		if st.in.n > 0 {
			n := st.in.read(p)
			fp := st.fillLocked()
			st.mu.Unlock()
			subscribe(fp, st.filled)
			return n, nil
		}
		if err := st.rerr; err != nil {
			st.mu.Unlock()
			return 0, err
		}
		fp := st.fillLocked()
		ch := st.changed
		st.mu.Unlock()
		subscribe(fp, st.filled)

		select {
		case <-ch:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (st *Stream) fillLocked() *Pending[int] {
	if st.reading || st.rerr != nil || st.closed {
		return nil
	}
	space := st.in.space()
	if len(space) == 0 {
		return nil
	}
	p, err := st.s.Read(space)
	if err != nil {
		st.rerr = err
		st.signalLocked()
		return nil
	}
	st.reading = true
	return p
}

func (st *Stream) filled(n int, err error) {
	st.mu.Lock()
	st.reading = false
	if err != nil {
		st.rerr = err
	} else {
		st.in.produced(n)
	}
	fp := st.fillLocked()
	st.signalLocked()
	st.mu.Unlock()
	subscribe(fp, st.filled)
}

func (st *Stream) Write(p []byte) (int, error) { return st.WriteContext(context.Background(), p) }

// WriteContext copies p into the send buffer, waiting for room as needed,
// and starts flushing it. A nil error means all of p is buffered, not that
// it was sent; see Flush.
func (st *Stream) WriteContext(ctx context.Context, p []byte) (int, error) {
	total := 0
	for {
		st.mu.Lock()
		if err := st.writableLocked(); err != nil {
			st.mu.Unlock()
			return total, err
		}
		total += st.out.write(p[total:])
		fp := st.flushLocked()
		ch := st.changed
		st.mu.Unlock()
		subscribe(fp, st.flushed)
		if total == len(p) {
			return total, nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return total, ctx.Err()
		}
	}
}

func (st *Stream) writableLocked() error {
	switch {
	case st.closed:
		return ErrStreamClosed
	case st.werr != nil:
		return st.werr
	case st.closeWrite:
		return &StateError{Op: "write", State: StateClosing}
	}
	return nil
}

// Flush waits until everything written so far was accepted by the kernel.
func (st *Stream) Flush(ctx context.Context) error {
	for {
		st.mu.Lock()
		if st.werr != nil || (st.out.n == 0 && !st.writing) {
			err := st.werr
			st.mu.Unlock()
			return err
		}
		ch := st.changed
		st.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CloseWrite shuts down the sending half once the send buffer has drained.
// Later Writes fail.
func (st *Stream) CloseWrite() {
	st.mu.Lock()
	st.closeWrite = true
	fp := st.flushLocked()
	st.mu.Unlock()
	subscribe(fp, st.flushed)
}

func (st *Stream) flushLocked() *Pending[int] {
	if st.writing || st.werr != nil || st.closed {
		return nil
	}
	data := st.out.data()
	if len(data) == 0 {
		if st.closeWrite && !st.shut {
			st.shut = true
			if err := st.s.Shutdown(unix.SHUT_WR); err != nil {
				st.werr = err
			}
			st.signalLocked()
		}
		return nil
	}
	p, err := st.s.Write(data)
	if err != nil {
		st.failWriteLocked(err)
		return nil
	}
	st.writing = true
	return p
}

func (st *Stream) flushed(n int, err error) {
	st.mu.Lock()
	st.writing = false
	switch {
	case err != nil:
		st.failWriteLocked(err)
	case n == 0:
		st.failWriteLocked(io.ErrShortWrite)
	default:
		st.out.consumed(n)
	}
	fp := st.flushLocked()
	st.signalLocked()
	st.mu.Unlock()
	subscribe(fp, st.flushed)
}

// failWriteLocked records err and drops whatever is still buffered.
func (st *Stream) failWriteLocked(err error) {
	st.werr = err
	st.out.consumed(st.out.n)
	st.signalLocked()
}

// Close closes the socket. Buffered output that was not flushed is dropped.
func (st *Stream) Close() *Pending[struct{}] {
	st.mu.Lock()
	st.closed = true
	st.signalLocked()
	st.mu.Unlock()
	return st.s.Close()
}

func (st *Stream) signalLocked() {
	close(st.changed)
	st.changed = make(chan struct{})
}

func subscribe(p *Pending[int], fn func(int, error)) {
	if p != nil {
		p.Then(fn)
	}
}

// circBuf is a fixed-size ring of bytes: n bytes starting at r are
// buffered, and the free space starts at w.
type circBuf struct {
	b       []byte
	r, w, n int
}

// space returns the free bytes after w, up to the end of b or to r.
func (c *circBuf) space() []byte {
	switch {
	case c.n == len(c.b):
		return nil
	case c.w >= c.r:
		return c.b[c.w:]
	}
	return c.b[c.w:c.r]
}

// data returns the buffered bytes from r, up to the end of b or to w.
func (c *circBuf) data() []byte {
	switch {
	case c.n == 0:
		return nil
	case c.r < c.w:
		return c.b[c.r:c.w]
	}
	return c.b[c.r:]
}

func (c *circBuf) produced(k int) {
	c.w = (c.w + k) % len(c.b)
	c.n += k
}

func (c *circBuf) consumed(k int) {
	c.r = (c.r + k) % len(c.b)
	c.n -= k
}

func (c *circBuf) read(p []byte) int {
	total := 0
	for total < len(p) {
		k := copy(p[total:], c.data())
		if k == 0 {
			break
		}
		c.consumed(k)
		total += k
	}
	return total
}

func (c *circBuf) write(p []byte) int {
	total := 0
	for total < len(p) {
		k := copy(c.space(), p[total:])
		if k == 0 {
			break
		}
		c.produced(k)
		total += k
	}
	return total
}
