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
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/asyncsock/ring"
)

func testutilValue(c prometheus.Collector) float64 { return testutil.ToFloat64(c) }

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := startReactor(t, testConfig(func(c *Config) { c.Registerer = reg }))
	c, s := connectedPair(t, r)

	_, err := await(t, mustPending(c.Write([]byte("metrics"))))
	require.NoError(t, err)
	readFull(t, s, 7, 16)

	m := r.metrics
	assert.GreaterOrEqual(t, testutilValue(m.submitted.WithLabelValues("write")), 1.0)
	assert.GreaterOrEqual(t, testutilValue(m.submitted.WithLabelValues("connect")), 1.0)
	assert.GreaterOrEqual(t, testutilValue(m.completed.WithLabelValues("read", outcomeOK)), 1.0)
	// the outstanding gauge drops after the results are delivered
	require.Eventually(t, func() bool { return testutilValue(m.sockets) == 2 }, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return testutilValue(m.outstanding) == 0 }, 5*time.Second, time.Millisecond)

	_, err = await(t, c.Close())
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutilValue(m.sockets))
	require.Eventually(t, func() bool {
		return testutilValue(m.completed.WithLabelValues("close", outcomeOK)) >= 2
	}, 5*time.Second, time.Millisecond)

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	// a second reactor can not register the same collectors
	_, err = Start(testConfig(func(c *Config) { c.Registerer = reg }))
	assert.Error(t, err)
}

func TestStaleCompletionCounted(t *testing.T) {
	f := &fakeDriver{}
	r := startFake(t, f, nil)
	f.mu.Lock()
	f.done = append(f.done, ring.Completion{Token: 12345})
	f.mu.Unlock()
	require.Eventually(t, func() bool { return testutilValue(r.metrics.stale) == 1 }, 5*time.Second, time.Millisecond)
}

func TestEOFReadCounted(t *testing.T) {
	f := &fakeDriver{}
	r := startFake(t, f, nil)
	s := establishFake(t, r, f)

	p := mustPending(s.Read(make([]byte, 8)))
	require.True(t, f.complete(f.first(ring.OpRecv).Token, 0, nil))
	_, err := await(t, p)
	require.Equal(t, io.EOF, err)
	m := r.metrics.completed
	assert.Equal(t, 1.0, testutilValue(m.WithLabelValues("read", outcomeEOF)))
	assert.Zero(t, testutilValue(m.WithLabelValues("read", outcomeOK)))
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, outcomeOK, outcomeOf(nil))
	assert.Equal(t, outcomeEOF, outcomeOf(io.EOF))
	assert.Equal(t, outcomeTimeout, outcomeOf(ErrTimeout))
	assert.Equal(t, outcomeCancelled, outcomeOf(ErrCancelled))
	assert.Equal(t, outcomeCancelled, outcomeOf(ErrReactorClosed))
	assert.Equal(t, outcomeError, outcomeOf(errors.New("x")))
}
