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

//go:build linux

// Package iouring is a thin, allocation-free binding of the Linux io_uring
// submission and completion rings.
//
// The ring itself is not safe for concurrent use: callers serialize access to
// the submission side and the completion side independently.
//
// Requires Linux kernel 5.6+ with IORING_FEAT_SINGLE_MMAP support.
//
// Example usage:
//
//	ring, err := iouring.NewIOUring(32)
//	if err != nil {
//	    // handle error
//	}
//	defer ring.Close()
//
//	sqe := ring.PeekSQE(true)
//	sqe.PrepNop()
//	sqe.UserData = 1
//	ring.AdvanceSQ()
//	ring.Submit()
//
//	cqe, err := ring.WaitCQE()
//	if err != nil {
//	    // handle error
//	}
//	// process cqe.Res
//	ring.AdvanceCQ()
package iouring

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// io_uring opcodes used by this package.
const (
	IORING_OP_NOP          = 0
	IORING_OP_POLL_ADD     = 6
	IORING_OP_ACCEPT       = 13 // Linux 5.5+
	IORING_OP_ASYNC_CANCEL = 14 // Linux 5.5+
	IORING_OP_CONNECT      = 16 // Linux 5.5+
	IORING_OP_CLOSE        = 19 // Linux 5.6+
	IORING_OP_SEND         = 26 // Linux 5.6+
	IORING_OP_RECV         = 27 // Linux 5.6+
)

// setup flags
const IORING_SETUP_CLAMP = 1 << 4

// feature flags
const (
	IORING_FEAT_SINGLE_MMAP = 1 << 0
	IORING_FEAT_EXT_ARG     = 1 << 8 // Linux 5.11+
)

// enter flags
const (
	IORING_ENTER_GETEVENTS = 1 << 0
	IORING_ENTER_EXT_ARG   = 1 << 3 // Linux 5.11+
)

// Poll event flags for IORING_OP_POLL_ADD.
const (
	POLLIN    = 0x0001
	POLLOUT   = 0x0004
	POLLERR   = 0x0008
	POLLHUP   = 0x0010
	POLLRDHUP = 0x2000
)

// sqesOffset is IORING_OFF_SQES, the mmap offset of the SQE array.
const sqesOffset = 0x10000000

// ErrNoExtArg is returned by WaitCQETimeout on kernels without IORING_FEAT_EXT_ARG.
var ErrNoExtArg = errors.New("iouring: IORING_ENTER_EXT_ARG not supported")

// IOUringParams is struct io_uring_params.
type IOUringParams struct {
	SqEntries    uint32
	CqEntries    uint32
	Flags        uint32
	SqThreadCpu  uint32
	SqThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SqOff        SqringOffsets
	CqOff        CqringOffsets
}

// SqringOffsets is struct io_sqring_offsets.
type SqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	UserAddr    uint64
}

// CqringOffsets is struct io_cqring_offsets.
type CqringOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	Cqes        uint32
	Flags       uint32
	Resv1       uint32
	UserAddr    uint64
}

// getEventsArg is struct io_uring_getevents_arg.
type getEventsArg struct {
	Sigmask   uint64
	SigmaskSz uint32
	Pad       uint32
	Ts        uint64
}

// IOUring is one io_uring instance with its mapped rings.
type IOUring struct {
	fd      int
	params  IOUringParams
	sq      submissionQueue
	cq      completionQueue
	sqeMem  []byte
	ringMem []byte

	// waitMu guards waitTs and waitArg, which must live on the heap while the
	// kernel reads them.
	waitMu  sync.Mutex
	waitTs  TimeSpec
	waitArg getEventsArg
}

// submissionQueue: app produces (tail), kernel consumes (head).
type submissionQueue struct {
	head        *uint32
	tail        *uint32
	ringMask    uint32
	ringEntries uint32
	flags       *uint32
	dropped     *uint32
	array       *uint32
	sqes        []IOUringSQE
}

// completionQueue: kernel produces (tail), app consumes (head).
type completionQueue struct {
	head        *uint32
	tail        *uint32
	ringMask    uint32
	ringEntries uint32
	overflow    *uint32
	cqes        []IOUringCQE
}

// NewIOUring creates a ring with at least entries submission slots.
// The kernel rounds entries up to a power of two and clamps it to its limit.
func NewIOUring(entries uint32) (*IOUring, error) {
	params := IOUringParams{Flags: IORING_SETUP_CLAMP}
	fd, err := Setup(entries, &params)
	if err != nil {
		return nil, fmt.Errorf("io_uring_setup failed: %w", err)
	}
	if params.Features&IORING_FEAT_SINGLE_MMAP == 0 {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("kernel does not support IORING_FEAT_SINGLE_MMAP (requires Linux 5.4+)")
	}
	ring := &IOUring{fd: fd, params: params}

	pageSize := uint32(unix.Getpagesize())
	sqRingSize := params.SqOff.Array + params.SqEntries*uint32(unsafe.Sizeof(uint32(0)))
	cqRingSize := params.CqOff.Cqes + params.CqEntries*uint32(unsafe.Sizeof(IOUringCQE{}))
	ringSize := sqRingSize
	if cqRingSize > ringSize {
		ringSize = cqRingSize
	}
	ringSize = (ringSize + pageSize - 1) &^ (pageSize - 1)

	ring.ringMem, err = unix.Mmap(fd, 0, int(ringSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		ring.Close()
		return nil, fmt.Errorf("mmap ring failed: %w", err)
	}
	sqeSize := params.SqEntries * uint32(unsafe.Sizeof(IOUringSQE{}))
	ring.sqeMem, err = unix.Mmap(fd, sqesOffset, int(sqeSize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		ring.Close()
		return nil, fmt.Errorf("mmap sqe failed: %w", err)
	}

	mem := ring.ringMem
	ring.sq.head = (*uint32)(unsafe.Pointer(&mem[params.SqOff.Head]))
	ring.sq.tail = (*uint32)(unsafe.Pointer(&mem[params.SqOff.Tail]))
	ring.sq.ringMask = *(*uint32)(unsafe.Pointer(&mem[params.SqOff.RingMask]))
	ring.sq.ringEntries = *(*uint32)(unsafe.Pointer(&mem[params.SqOff.RingEntries]))
	ring.sq.flags = (*uint32)(unsafe.Pointer(&mem[params.SqOff.Flags]))
	ring.sq.dropped = (*uint32)(unsafe.Pointer(&mem[params.SqOff.Dropped]))
	ring.sq.array = (*uint32)(unsafe.Pointer(&mem[params.SqOff.Array]))
	ring.sq.sqes = unsafe.Slice((*IOUringSQE)(unsafe.Pointer(&ring.sqeMem[0])), params.SqEntries)

	ring.cq.head = (*uint32)(unsafe.Pointer(&mem[params.CqOff.Head]))
	ring.cq.tail = (*uint32)(unsafe.Pointer(&mem[params.CqOff.Tail]))
	ring.cq.ringMask = *(*uint32)(unsafe.Pointer(&mem[params.CqOff.RingMask]))
	ring.cq.ringEntries = *(*uint32)(unsafe.Pointer(&mem[params.CqOff.RingEntries]))
	ring.cq.overflow = (*uint32)(unsafe.Pointer(&mem[params.CqOff.Overflow]))
	ring.cq.cqes = unsafe.Slice((*IOUringCQE)(unsafe.Pointer(&mem[params.CqOff.Cqes])), params.CqEntries)

	runtime.SetFinalizer(ring, func(r *IOUring) {
		r.Close()
	})
	return ring, nil
}

// Supported reports whether the running kernel can create a ring.
func Supported() bool {
	r, err := NewIOUring(2)
	if err != nil {
		return false
	}
	r.Close()
	return true
}

// Fd returns the ring file descriptor.
func (ring *IOUring) Fd() int { return ring.fd }

// SQEntries returns the size of the submission queue.
func (ring *IOUring) SQEntries() uint32 { return ring.sq.ringEntries }

// Features returns the IORING_FEAT_* flags reported by the kernel.
func (ring *IOUring) Features() uint32 { return ring.params.Features }

// PeekSQE returns the next free SQE without publishing it, or nil if the
// submission queue is full. Call AdvanceSQ once it is filled.
func (ring *IOUring) PeekSQE(reset bool) *IOUringSQE {
	q := &ring.sq
	tail := atomic.LoadUint32(q.tail)
	head := atomic.LoadUint32(q.head)
	if tail-head >= q.ringEntries {
		return nil
	}
	idx := tail & q.ringMask
	sqe := &q.sqes[idx]
	if reset {
		*sqe = IOUringSQE{}
	}
	// array[idx] = idx; published by the barrier in AdvanceSQ.
	*(*uint32)(unsafe.Add(unsafe.Pointer(q.array), uintptr(idx)*4)) = idx
	return sqe
}

// AdvanceSQ publishes the SQE returned by the last PeekSQE.
func (ring *IOUring) AdvanceSQ() {
	atomic.AddUint32(ring.sq.tail, 1)
}

// PendingSQEs returns the number of published SQEs not yet consumed by the kernel.
func (ring *IOUring) PendingSQEs() uint32 {
	return atomic.LoadUint32(ring.sq.tail) - atomic.LoadUint32(ring.sq.head)
}

// Submit hands every pending SQE to the kernel.
func (ring *IOUring) Submit() (int, syscall.Errno) {
	toSubmit := ring.PendingSQEs()
	if toSubmit == 0 {
		return 0, 0
	}
	for {
		submitted, errno := Enter(ring.fd, toSubmit, 0, 0, nil)
		if errno == syscall.EINTR {
			continue
		}
		return submitted, errno
	}
}

// PeekCQE returns the CQE at the head without consuming it, or nil.
func (ring *IOUring) PeekCQE() *IOUringCQE {
	q := &ring.cq
	head := atomic.LoadUint32(q.head)
	if head == atomic.LoadUint32(q.tail) {
		return nil
	}
	return &q.cqes[head&q.ringMask]
}

// ReadyCQEs returns the number of CQEs waiting to be consumed.
func (ring *IOUring) ReadyCQEs() uint32 {
	return atomic.LoadUint32(ring.cq.tail) - atomic.LoadUint32(ring.cq.head)
}

// WaitCQE blocks until a CQE is available and returns it without consuming it.
func (ring *IOUring) WaitCQE() (*IOUringCQE, error) {
	for {
		if cqe := ring.PeekCQE(); cqe != nil {
			return cqe, nil
		}
		_, errno := Enter(ring.fd, 0, 1, IORING_ENTER_GETEVENTS, nil)
		if errno == syscall.EINTR || errno == syscall.EAGAIN {
			runtime.Gosched()
			continue
		}
		if errno != 0 {
			return nil, errno
		}
	}
}

// WaitCQETimeout blocks for at most d until a CQE is available.
// It reports whether one is ready; a timeout is not an error.
func (ring *IOUring) WaitCQETimeout(d time.Duration) (bool, error) {
	if ring.PeekCQE() != nil {
		return true, nil
	}
	if ring.params.Features&IORING_FEAT_EXT_ARG == 0 {
		return false, ErrNoExtArg
	}
	ring.waitMu.Lock()
	defer ring.waitMu.Unlock()
	ring.waitTs = TimeSpec{TvSec: int64(d / time.Second), TvNsec: int64(d % time.Second)}
	ring.waitArg = getEventsArg{SigmaskSz: 8, Ts: uint64(uintptr(unsafe.Pointer(&ring.waitTs)))}
	_, errno := EnterArg(ring.fd, 0, 1, IORING_ENTER_GETEVENTS|IORING_ENTER_EXT_ARG,
		unsafe.Pointer(&ring.waitArg), unsafe.Sizeof(ring.waitArg))
	switch errno {
	case 0, unix.ETIME, syscall.EINTR, syscall.EAGAIN, syscall.EBUSY:
		return ring.PeekCQE() != nil, nil
	}
	return false, errno
}

// AdvanceCQ consumes the CQE at the head.
func (ring *IOUring) AdvanceCQ() {
	atomic.AddUint32(ring.cq.head, 1)
}

// Close unmaps the rings and closes the ring fd.
// The kernel cancels every request still in flight.
func (ring *IOUring) Close() error {
	if ring == nil {
		return nil
	}
	runtime.SetFinalizer(ring, nil)
	var firstErr error
	if ring.ringMem != nil {
		if err := unix.Munmap(ring.ringMem); err != nil && firstErr == nil {
			firstErr = err
		}
		ring.ringMem = nil
	}
	if ring.sqeMem != nil {
		if err := unix.Munmap(ring.sqeMem); err != nil && firstErr == nil {
			firstErr = err
		}
		ring.sqeMem = nil
	}
	if ring.fd >= 0 {
		if err := unix.Close(ring.fd); err != nil && firstErr == nil {
			firstErr = err
		}
		ring.fd = -1
	}
	return firstErr
}
