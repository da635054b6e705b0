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
	"io"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK        = "ok"
	outcomeEOF       = "eof"
	outcomeError     = "error"
	outcomeCancelled = "cancelled"
	outcomeTimeout   = "timeout"
)

type metrics struct {
	submitted   *prometheus.CounterVec
	completed   *prometheus.CounterVec
	outstanding prometheus.Gauge
	sockets     prometheus.Gauge
	ringFull    prometheus.Counter
	stale       prometheus.Counter
	pollBatch   prometheus.Histogram
}

func newMetrics() *metrics {
	const ns, sub = "asyncsock", "reactor"
	return &metrics{
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "submitted_total",
			Help: "Operations submitted to the ring, by kind.",
		}, []string{"op"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "completed_total",
			Help: "Operations retired, by kind and outcome.",
		}, []string{"op", "outcome"}),
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "outstanding_slots",
			Help: "Operations currently owned by the kernel.",
		}),
		sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Subsystem: sub, Name: "sockets",
			Help: "Sockets not yet released.",
		}),
		ringFull: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "ring_full_total",
			Help: "Submissions that found the ring full at least once.",
		}),
		stale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "stale_completions_total",
			Help: "Completions whose handle no longer resolved.",
		}),
		pollBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: sub, Name: "poll_batch_size",
			Help:    "Completions taken per non-empty poll.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 9),
		}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.submitted, m.completed, m.outstanding, m.sockets, m.ringFull, m.stale, m.pollBatch,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case err == io.EOF:
		return outcomeEOF
	case errors.Is(err, ErrTimeout):
		return outcomeTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, ErrReactorClosed):
		return outcomeCancelled
	}
	return outcomeError
}
