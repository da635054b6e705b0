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

package iouring

import "unsafe"

// IOUringSQE is struct io_uring_sqe (64 bytes).
type IOUringSQE struct {
	Opcode      uint8
	Flags       uint8
	IoPrio      uint16
	Fd          int32
	Off         uint64 // offset, addr2, or a pointer to the accept addrlen
	Addr        uint64 // buffer, sockaddr, or the user_data to cancel
	Len         uint32
	OpcodeFlags uint32 // msg_flags, accept_flags, cancel_flags, ...
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	_           [2]uint64
}

// IOUringCQE is struct io_uring_cqe (16 bytes).
type IOUringCQE struct {
	UserData uint64
	Res      int32 // bytes, a new fd, or -errno
	Flags    uint32
}

// TimeSpec is struct __kernel_timespec.
type TimeSpec struct {
	TvSec  int64
	TvNsec int64
}

// IsZero returns true if the timespec represents zero time.
func (p *TimeSpec) IsZero() bool {
	return *p == TimeSpec{}
}

func bufAddr(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// PrepNop prepares IORING_OP_NOP.
func (sqe *IOUringSQE) PrepNop() {
	sqe.Opcode = IORING_OP_NOP
	sqe.Fd = -1
}

// PrepRecv prepares recv(2) into buf. buf must stay alive until the CQE.
func (sqe *IOUringSQE) PrepRecv(fd int, buf []byte, msgFlags uint32) {
	sqe.Opcode = IORING_OP_RECV
	sqe.Fd = int32(fd)
	sqe.Addr = bufAddr(buf)
	sqe.Len = uint32(len(buf))
	sqe.OpcodeFlags = msgFlags
}

// PrepSend prepares send(2) from buf. buf must stay alive until the CQE.
func (sqe *IOUringSQE) PrepSend(fd int, buf []byte, msgFlags uint32) {
	sqe.Opcode = IORING_OP_SEND
	sqe.Fd = int32(fd)
	sqe.Addr = bufAddr(buf)
	sqe.Len = uint32(len(buf))
	sqe.OpcodeFlags = msgFlags
}

// PrepAccept prepares accept4(2). addr and addrLen may be nil; when set they
// must stay alive until the CQE, and *addrLen holds the size of addr.
func (sqe *IOUringSQE) PrepAccept(fd int, addr unsafe.Pointer, addrLen *uint32, flags uint32) {
	sqe.Opcode = IORING_OP_ACCEPT
	sqe.Fd = int32(fd)
	sqe.Addr = uint64(uintptr(addr))
	sqe.Off = uint64(uintptr(unsafe.Pointer(addrLen)))
	sqe.OpcodeFlags = flags
}

// PrepConnect prepares connect(2) to the sockaddr at addr.
func (sqe *IOUringSQE) PrepConnect(fd int, addr unsafe.Pointer, addrLen uint32) {
	sqe.Opcode = IORING_OP_CONNECT
	sqe.Fd = int32(fd)
	sqe.Addr = uint64(uintptr(addr))
	sqe.Off = uint64(addrLen)
}

// PrepClose prepares close(2).
func (sqe *IOUringSQE) PrepClose(fd int) {
	sqe.Opcode = IORING_OP_CLOSE
	sqe.Fd = int32(fd)
}

// PrepCancel prepares IORING_OP_ASYNC_CANCEL for the request tagged target.
// The CQE reports 0, -ENOENT or -EALREADY.
func (sqe *IOUringSQE) PrepCancel(target uint64) {
	sqe.Opcode = IORING_OP_ASYNC_CANCEL
	sqe.Fd = -1
	sqe.Addr = target
}
