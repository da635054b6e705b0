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
	"fmt"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/cloudwego/asyncsock/ring"
)

// Mode selects how many Reactor Loops drive the ring.
type Mode string

const (
	// ModeSingle runs one loop locked to its OS thread, with an unsharded
	// slot table.
	ModeSingle Mode = "single"

	// ModeConcurrent runs Config.Loops loops sharing the ring.
	ModeConcurrent Mode = "concurrent"
)

// PollPolicy decides which loop polls the ring next in ModeConcurrent.
type PollPolicy string

const (
	// PolicyFirstReady lets any idle loop poll.
	PolicyFirstReady PollPolicy = "first-ready"

	// PolicyRoundRobin passes a poll token from loop to loop in order.
	PolicyRoundRobin PollPolicy = "round-robin"
)

// Config configures a Reactor. The zero value of every field means its default.
type Config struct {
	// Driver picks the ring implementation. Ignored when NewDriver is set.
	Driver ring.Kind

	// NewDriver, when set, creates the ring instead of Driver.
	NewDriver func(entries uint32) (ring.Driver, error)

	// RingEntries is the submission queue size.
	RingEntries uint32

	// SubmitBatch is how many submissions are queued before the ring is
	// entered. Loops flush whatever is queued on every iteration.
	SubmitBatch int

	// SubmitRetryTimeout bounds the backoff spent on a full ring before
	// ErrSubmissionFull is returned. Zero retries once after a flush.
	SubmitRetryTimeout time.Duration

	Mode       Mode
	Loops      int
	PollPolicy PollPolicy

	// PollBatch is the max number of completions taken per poll.
	PollBatch int

	// IdleSpins is how many empty polls yield before the loop starts
	// sleeping between IdleSleepMin and IdleSleepMax.
	IdleSpins    int
	IdleSleepMin time.Duration
	IdleSleepMax time.Duration

	// MaxOutstandingPerSocket bounds the read, write, accept and connect
	// operations in flight on one socket.
	MaxOutstandingPerSocket int

	// SlabShards is the slot table shard count. ModeSingle forces 1.
	SlabShards int

	// CallbackWorkers > 0 runs Pending callbacks on a worker pool instead
	// of on the loop that delivered the completion.
	CallbackWorkers int

	Logger logrus.FieldLogger

	// Registerer receives the reactor metrics when set.
	Registerer prometheus.Registerer

	// StateHook observes every socket state change. It runs with the socket
	// locked and must not call back into it.
	StateHook func(s *Socket, from, to State)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Driver:                  ring.KindAuto,
		RingEntries:             1024,
		SubmitBatch:             1,
		SubmitRetryTimeout:      5 * time.Millisecond,
		Mode:                    ModeConcurrent,
		Loops:                   runtime.GOMAXPROCS(0),
		PollPolicy:              PolicyFirstReady,
		PollBatch:               128,
		IdleSpins:               64,
		IdleSleepMin:            50 * time.Microsecond,
		IdleSleepMax:            2 * time.Millisecond,
		MaxOutstandingPerSocket: 64,
		SlabShards:              16,
		Logger:                  logrus.StandardLogger(),
	}
}

// Validate fills zero fields with defaults and rejects invalid values.
func (c *Config) Validate() error {
	d := DefaultConfig()
	if c.Driver == "" {
		c.Driver = d.Driver
	}
	if c.RingEntries == 0 {
		c.RingEntries = d.RingEntries
	}
	if c.SubmitBatch <= 0 {
		c.SubmitBatch = d.SubmitBatch
	}
	if c.SubmitRetryTimeout < 0 {
		return fmt.Errorf("asock: negative SubmitRetryTimeout %v", c.SubmitRetryTimeout)
	}
	if c.Mode == "" {
		c.Mode = d.Mode
	}
	if c.PollPolicy == "" {
		c.PollPolicy = d.PollPolicy
	}
	if c.PollBatch <= 0 {
		c.PollBatch = d.PollBatch
	}
	if c.IdleSpins < 0 {
		c.IdleSpins = 0
	}
	if c.IdleSleepMin <= 0 {
		c.IdleSleepMin = d.IdleSleepMin
	}
	if c.IdleSleepMax < c.IdleSleepMin {
		c.IdleSleepMax = c.IdleSleepMin
	}
	if c.MaxOutstandingPerSocket <= 0 {
		c.MaxOutstandingPerSocket = d.MaxOutstandingPerSocket
	}
	if c.SlabShards <= 0 {
		c.SlabShards = d.SlabShards
	}
	if c.Logger == nil {
		c.Logger = d.Logger
	}
	switch c.Mode {
	case ModeSingle:
		c.Loops = 1
		c.SlabShards = 1
	case ModeConcurrent:
		if c.Loops <= 0 {
			c.Loops = d.Loops
		}
	default:
		return fmt.Errorf("asock: unknown mode %q", c.Mode)
	}
	switch c.PollPolicy {
	case PolicyFirstReady, PolicyRoundRobin:
	default:
		return fmt.Errorf("asock: unknown poll policy %q", c.PollPolicy)
	}
	return nil
}

// duration decodes TOML strings such as "2ms".
type duration time.Duration

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// fileConfig is the TOML form of Config.
type fileConfig struct {
	Driver                  string   `toml:"driver"`
	RingEntries             uint32   `toml:"ring_entries"`
	SubmitBatch             int      `toml:"submit_batch"`
	SubmitRetryTimeout      duration `toml:"submit_retry_timeout"`
	Mode                    string   `toml:"mode"`
	Loops                   int      `toml:"loops"`
	PollPolicy              string   `toml:"poll_policy"`
	PollBatch               int      `toml:"poll_batch"`
	IdleSpins               int      `toml:"idle_spins"`
	IdleSleepMin            duration `toml:"idle_sleep_min"`
	IdleSleepMax            duration `toml:"idle_sleep_max"`
	MaxOutstandingPerSocket int      `toml:"max_outstanding_per_socket"`
	SlabShards              int      `toml:"slab_shards"`
	CallbackWorkers         int      `toml:"callback_workers"`
	LogLevel                string   `toml:"log_level"`
}

// LoadConfig reads a TOML file into a Config. Keys that are absent keep
// their defaults.
func LoadConfig(path string) (*Config, error) {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return nil, fmt.Errorf("asock: load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("asock: load config %s: unknown keys %v", path, undecoded)
	}
	c := DefaultConfig()
	if fc.Driver != "" {
		c.Driver = ring.Kind(fc.Driver)
	}
	if fc.Mode != "" {
		c.Mode = Mode(fc.Mode)
	}
	if fc.PollPolicy != "" {
		c.PollPolicy = PollPolicy(fc.PollPolicy)
	}
	if fc.RingEntries > 0 {
		c.RingEntries = fc.RingEntries
	}
	if fc.SubmitBatch > 0 {
		c.SubmitBatch = fc.SubmitBatch
	}
	if md.IsDefined("submit_retry_timeout") {
		c.SubmitRetryTimeout = time.Duration(fc.SubmitRetryTimeout)
	}
	if fc.Loops > 0 {
		c.Loops = fc.Loops
	}
	if fc.PollBatch > 0 {
		c.PollBatch = fc.PollBatch
	}
	if md.IsDefined("idle_spins") {
		c.IdleSpins = fc.IdleSpins
	}
	if fc.IdleSleepMin > 0 {
		c.IdleSleepMin = time.Duration(fc.IdleSleepMin)
	}
	if fc.IdleSleepMax > 0 {
		c.IdleSleepMax = time.Duration(fc.IdleSleepMax)
	}
	if fc.MaxOutstandingPerSocket > 0 {
		c.MaxOutstandingPerSocket = fc.MaxOutstandingPerSocket
	}
	if fc.SlabShards > 0 {
		c.SlabShards = fc.SlabShards
	}
	c.CallbackWorkers = fc.CallbackWorkers
	if fc.LogLevel != "" {
		lvl, err := logrus.ParseLevel(fc.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("asock: load config %s: %w", path, err)
		}
		l := logrus.New()
		l.SetLevel(lvl)
		c.Logger = l
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}
