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
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"github.com/cloudwego/asyncsock/internal/iouring"
)

type uringDriver struct {
	r      *iouring.IOUring
	closed atomic.Bool
	noWait atomic.Bool // kernel lacks IORING_ENTER_EXT_ARG
}

// NewIOUring returns a Driver backed by a native io_uring instance.
func NewIOUring(entries uint32) (Driver, error) {
	r, err := iouring.NewIOUring(entries)
	if err != nil {
		return nil, err
	}
	return &uringDriver{r: r}, nil
}

func (d *uringDriver) Submit(req *Request) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if req.Op > OpCancel {
		return fmt.Errorf("ring: unsupported op %s", req.Op)
	}
	sqe := d.r.PeekSQE(true)
	if sqe == nil {
		return ErrFull
	}
	switch req.Op {
	case OpNop:
		sqe.PrepNop()
	case OpAccept:
		req.AddrLen = uint32(unsafe.Sizeof(req.Addr))
		sqe.PrepAccept(req.Fd, unsafe.Pointer(&req.Addr), &req.AddrLen, req.Flags)
	case OpConnect:
		sqe.PrepConnect(req.Fd, unsafe.Pointer(&req.Addr), req.AddrLen)
	case OpRecv:
		sqe.PrepRecv(req.Fd, req.Buf, req.Flags)
	case OpSend:
		sqe.PrepSend(req.Fd, req.Buf, req.Flags)
	case OpClose:
		sqe.PrepClose(req.Fd)
	case OpCancel:
		sqe.PrepCancel(req.Target)
	}
	sqe.UserData = req.Token
	d.r.AdvanceSQ()
	return nil
}

func (d *uringDriver) Flush() error {
	if d.closed.Load() {
		return ErrClosed
	}
	_, errno := d.r.Submit()
	switch errno {
	case 0:
		return nil
	case syscall.EBUSY, syscall.EAGAIN:
		// CQ overflow backlog; entries stay queued for the next flush
		return ErrFull
	}
	return errno
}

func (d *uringDriver) Reap(dst []Completion, max int) []Completion {
	if d.closed.Load() {
		return dst
	}
	for i := 0; i < max; i++ {
		cqe := d.r.PeekCQE()
		if cqe == nil {
			break
		}
		dst = append(dst, Completion{Token: cqe.UserData, Res: cqe.Res, Flags: cqe.Flags})
		d.r.AdvanceCQ()
	}
	return dst
}

func (d *uringDriver) Wait(timeout time.Duration) bool {
	if d.closed.Load() {
		return false
	}
	if d.noWait.Load() {
		time.Sleep(timeout)
		return d.r.ReadyCQEs() > 0
	}
	ready, err := d.r.WaitCQETimeout(timeout)
	if errors.Is(err, iouring.ErrNoExtArg) {
		d.noWait.Store(true)
	}
	return ready
}

func (d *uringDriver) NonblockingSockets() bool { return false }

func (d *uringDriver) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.r.Close()
}
