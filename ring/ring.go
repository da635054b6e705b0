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

// Package ring defines the completion ring driver consumed by package asock,
// together with a native io_uring driver and a portable emulator.
//
// A Driver accepts Requests tagged with an opaque 64-bit token and later
// reports one Completion per Request, carrying the same token. Completions
// are not ordered with respect to submission.
package ring

import (
	"errors"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrFull is returned by Submit when no submission entry is free.
	ErrFull = errors.New("ring: submission queue full")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("ring: driver closed")
)

// Op is the kind of operation carried by a Request.
type Op uint8

const (
	OpNop Op = iota
	OpAccept
	OpConnect
	OpRecv
	OpSend
	OpClose
	OpCancel
)

var opNames = [...]string{
	OpNop:     "nop",
	OpAccept:  "accept",
	OpConnect: "connect",
	OpRecv:    "read",
	OpSend:    "write",
	OpClose:   "close",
	OpCancel:  "cancel",
}

func (o Op) String() string {
	if int(o) < len(opNames) {
		return opNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Request describes one operation.
//
// The driver may keep a pointer to the Request, its Buf, and its Addr until
// the matching Completion has been reaped. Callers must not reuse any of them
// before then.
type Request struct {
	Op    Op
	Token uint64
	Fd    int
	Buf   []byte

	// Target is the token of the request to cancel, for OpCancel.
	Target uint64

	// Addr holds the peer for OpConnect, and receives the peer for OpAccept.
	Addr    unix.RawSockaddrAny
	AddrLen uint32

	// Flags holds msg flags for OpRecv/OpSend and accept4 flags for OpAccept.
	Flags uint32
}

// Completion is the outcome of one Request.
type Completion struct {
	Token uint64
	Res   int32 // bytes, new fd, or -errno
	Flags uint32
}

// Errno returns the error carried by a negative Res, or 0.
func (c Completion) Errno() syscall.Errno {
	if c.Res < 0 {
		return syscall.Errno(-c.Res)
	}
	return 0
}

// Driver is a completion ring.
//
// Drivers are not required to be safe for concurrent use of Submit and Flush,
// nor of Reap; callers serialize each side. Submit may run concurrently with
// Reap.
type Driver interface {
	// Submit queues req. It returns ErrFull when the submission queue has
	// no free entry; flushing may free entries.
	Submit(req *Request) error

	// Flush hands queued requests to the kernel.
	Flush() error

	// Reap appends at most max completions to dst without blocking.
	Reap(dst []Completion, max int) []Completion

	// NonblockingSockets reports whether sockets driven by this ring must
	// be put in O_NONBLOCK mode.
	NonblockingSockets() bool

	// Close releases the ring. Requests still in flight are abandoned and
	// no further completions are reported.
	Close() error
}

// Waiter is implemented by drivers that can block until a completion is ready.
type Waiter interface {
	// Wait blocks for at most d and reports whether a completion is ready.
	Wait(d time.Duration) bool
}

// Kind selects a driver implementation.
type Kind string

const (
	KindAuto     Kind = "auto"
	KindIOUring  Kind = "io_uring"
	KindEmulated Kind = "emulated"
)

// New creates a driver of the given kind with room for entries in-flight
// submissions. KindAuto picks io_uring when the kernel supports it.
func New(kind Kind, entries uint32) (Driver, error) {
	switch kind {
	case KindIOUring:
		return NewIOUring(entries)
	case KindEmulated:
		return NewEmulator(entries), nil
	case KindAuto, "":
		if d, err := NewIOUring(entries); err == nil {
			return d, nil
		}
		return NewEmulator(entries), nil
	}
	return nil, fmt.Errorf("ring: unknown driver kind %q", kind)
}
