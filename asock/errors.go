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
	"syscall"

	"github.com/cloudwego/asyncsock/container/slab"
)

var (
	// ErrSubmissionFull means the ring had no free submission entry, even
	// after flushing and retrying. Retry later.
	ErrSubmissionFull = errors.New("asock: ring submission queue full")

	// ErrTooManyOutstanding means the socket already has the configured
	// number of operations in flight. Retry after one completes.
	ErrTooManyOutstanding = errors.New("asock: too many outstanding operations")

	// ErrInvalidState is wrapped by *StateError.
	ErrInvalidState = errors.New("asock: invalid socket state")

	ErrCancelled     = errors.New("asock: operation cancelled")
	ErrTimeout       = errors.New("asock: operation timed out")
	ErrReactorClosed = errors.New("asock: reactor closed")
	ErrStreamClosed  = errors.New("asock: stream closed")

	// ErrStaleHandle and ErrDoubleRetire come from the slot table. Neither
	// reaches applications: a stale completion is dropped, a double retire
	// panics.
	ErrStaleHandle  = slab.ErrStaleHandle
	ErrDoubleRetire = slab.ErrDoubleRetire
)

// StateError reports an operation issued from a state that does not allow it.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("asock: %s on %s socket", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// IoError is a kernel-reported failure of one operation.
type IoError struct {
	Op     string
	Socket uint64
	Errno  syscall.Errno
}

func (e *IoError) Error() string {
	return fmt.Sprintf("asock: %s socket %d: %v", e.Op, e.Socket, e.Errno)
}

func (e *IoError) Unwrap() error { return e.Errno }

// Timeout reports whether the kernel timed the operation out.
func (e *IoError) Timeout() bool { return e.Errno.Timeout() }

// Temporary reports whether retrying may succeed.
func (e *IoError) Temporary() bool { return e.Errno.Temporary() }

// Fatal reports whether the error breaks the connection, which moves the
// socket to StateErrored.
func (e *IoError) Fatal() bool {
	switch e.Errno {
	case syscall.EBADF, syscall.ENOTSOCK:
		return true
	}
	switch e.Op {
	case "read", "write":
		switch e.Errno {
		case syscall.ECONNRESET, syscall.EPIPE, syscall.ENOTCONN,
			syscall.ECONNABORTED, syscall.ETIMEDOUT, syscall.EHOSTUNREACH:
			return true
		}
	case "connect":
		// a failed connect leaves the socket unusable
		return true
	case "accept":
		switch e.Errno {
		case syscall.EINVAL, syscall.EOPNOTSUPP:
			return true
		}
	}
	return false
}
