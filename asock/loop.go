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
	"errors"
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/cloudwego/asyncsock/container/slab"
	"github.com/cloudwego/asyncsock/ring"
)

// runLoop drives the ring until ctx is done.
func (r *Reactor) runLoop(ctx context.Context, id int) error {
	if r.cfg.Mode == ModeSingle {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	log := r.log.WithField("loop", id)
	log.Debug("asock: loop started")
	defer log.Debug("asock: loop stopped")

	cqes := make([]ring.Completion, 0, r.cfg.PollBatch)
	idle := newIdler(r.cfg, r.adapter)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := r.adapter.flush(); err != nil && !errors.Is(err, ErrReactorClosed) {
			log.WithError(err).Warn("asock: flush failed")
		}
		r.cancels.retry()

		cqes = r.pollTurn(ctx, id, cqes[:0])
		if len(cqes) == 0 {
			idle.wait()
			continue
		}
		idle.reset()
		r.metrics.pollBatch.Observe(float64(len(cqes)))
		for i := range cqes {
			r.complete(log, cqes[i])
		}
	}
}

// pollTurn polls once. Under PolicyRoundRobin it first waits for the poll
// token, and hands it on before the batch is processed.
func (r *Reactor) pollTurn(ctx context.Context, id int, dst []ring.Completion) []ring.Completion {
	if r.turns == nil {
		return r.adapter.poll(dst, r.cfg.PollBatch)
	}
	select {
	case <-r.turns[id]:
	case <-ctx.Done():
		return dst
	}
	dst = r.adapter.poll(dst, r.cfg.PollBatch)
	r.turns[(id+1)%len(r.turns)] <- struct{}{}
	return dst
}

func (r *Reactor) complete(log logrus.FieldLogger, c ring.Completion) {
	h := slab.HandleOf(c.Token)
	sl, err := r.slots.retire(h)
	switch {
	case err == nil:
	case errors.Is(err, ErrStaleHandle):
		r.metrics.stale.Inc()
		log.WithFields(logrus.Fields{"handle": h, "res": c.Res}).Debug("asock: stale completion dropped")
		return
	default:
		panic(err)
	}
	sl.sock.finish(h, sl, c.Res, nil)
}

// idler decides how an empty loop iteration waits: a few yields first, then
// exponentially longer waits up to IdleSleepMax.
type idler struct {
	spins int
	n     int
	b     *backoff.ExponentialBackOff
	a     *adapter
}

func newIdler(cfg *Config, a *adapter) *idler {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.IdleSleepMin
	b.MaxInterval = cfg.IdleSleepMax
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return &idler{spins: cfg.IdleSpins, b: b, a: a}
}

func (i *idler) wait() {
	if i.n < i.spins {
		i.n++
		runtime.Gosched()
		return
	}
	i.n++
	d := i.b.NextBackOff()
	if d == backoff.Stop || d <= 0 {
		d = time.Millisecond
	}
	i.a.wait(d)
}

func (i *idler) reset() {
	if i.n > 0 {
		i.n = 0
		i.b.Reset()
	}
}
