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
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/cloudwego/asyncsock/container/slab"
	"github.com/cloudwego/asyncsock/ring"
)

// slot is the bookkeeping of one operation owned by the kernel.
//
// Everything the kernel may touch (req, req.Addr, buf) belongs to the slot
// until its handle is retired by the loop that reaps the completion.
type slot struct {
	req ring.Request
	buf []byte // from mcache; returned on release

	sock   *Socket
	target slab.Handle // OpCancel only

	// onDone runs on the loop after the socket has applied the result.
	onDone func(res int32, err error)

	timer    *time.Timer
	timedOut atomic.Bool
}

var slotPool = sync.Pool{New: func() interface{} { return &slot{} }}

func newSlot(op ring.Op, s *Socket) *slot {
	sl := slotPool.Get().(*slot)
	sl.req = ring.Request{Op: op, Fd: s.fd}
	sl.sock = s
	return sl
}

// counted reports whether the op counts against MaxOutstandingPerSocket.
// Cancels and the final close never do, so a saturated socket can still be
// torn down.
func (sl *slot) counted() bool {
	return sl.req.Op != ring.OpCancel && sl.req.Op != ring.OpClose
}

func (sl *slot) allocBuf(n int) []byte {
	sl.buf = mcache.Malloc(n)
	return sl.buf
}

// release returns the slot to the pool. It must only be called once the
// slot's handle has been retired.
func (sl *slot) release() {
	if sl.buf != nil {
		mcache.Free(sl.buf)
	}
	sl.req = ring.Request{}
	sl.buf = nil
	sl.sock = nil
	sl.target = slab.Handle{}
	sl.onDone = nil
	sl.timer = nil
	sl.timedOut.Store(false)
	slotPool.Put(sl)
}

// abandon drops the slot without recycling its buffer. Used after a forced
// shutdown, when the kernel may still write into it.
func (sl *slot) abandon() {
	sl.buf = nil
	sl.req.Buf = nil
}

// slotTable maps handles to in-flight slots.
type slotTable struct {
	*slab.Slab[*slot]
}

func newSlotTable(shards int) slotTable {
	return slotTable{slab.New[*slot](shards)}
}

// allocate registers sl and tags its request with the handle token.
func (t slotTable) allocate(sl *slot) slab.Handle {
	h := t.Insert(sl)
	sl.req.Token = h.Token()
	return h
}

func (t slotTable) resolve(h slab.Handle) (*slot, error) { return t.Get(h) }

func (t slotTable) retire(h slab.Handle) (*slot, error) { return t.Remove(h) }
