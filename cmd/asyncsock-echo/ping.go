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


package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/subcommands"

	"github.com/cloudwego/asyncsock/asock"
)

// Ping implements subcommands.Command for the "ping" command.
type Ping struct {
	addr    string
	size    int
	count   int
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Ping) Name() string {
	return "ping"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Ping) Synopsis() string {
	return "send a buffer to an echo server and check what comes back"
}

// Usage implements subcommands.Command.Usage.
func (*Ping) Usage() string {
	return "ping [-addr host:port] [-size bytes] [-n count]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Ping) SetFlags(f *flag.FlagSet) {
	f.StringVar(&p.addr, "addr", defaultAddr, "echo server address.")
	f.IntVar(&p.size, "size", 2048, "payload size in bytes.")
	f.IntVar(&p.count, "n", 1, "number of round trips.")
	f.DurationVar(&p.timeout, "timeout", 5*time.Second, "per round trip timeout.")
}

// Execute implements subcommands.Command.Execute.
func (p *Ping) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg := args[0].(*asock.Config)
	addr, err := netip.ParseAddrPort(p.addr)
	if err != nil || p.size <= 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	r, err := asock.Start(cfg)
	if err != nil {
		Fatalf("starting reactor: %v", err)
	}
	defer r.Shutdown(context.Background())

	dctx, cancel := context.WithTimeout(ctx, p.timeout)
	c, err := r.Dial(dctx, addr)
	cancel()
	if err != nil {
		Fatalf("dial %s: %v", addr, err)
	}
	defer c.Close()

	payload := make([]byte, p.size)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	got := make([]byte, p.size)
	for i := 0; i < p.count; i++ {
		rtt, err := p.roundTrip(ctx, c, payload, got)
		if err != nil {
			Fatalf("round trip %d: %v", i, err)
		}
		fmt.Printf("%d bytes from %s: seq=%d time=%v\n", p.size, addr, i, rtt)
	}
	return subcommands.ExitSuccess
}

func (p *Ping) roundTrip(ctx context.Context, c *asock.Socket, payload, got []byte) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	start := time.Now()
	w, err := c.WriteAll(payload)
	if err != nil {
		return 0, err
	}
	if _, err := w.Await(ctx); err != nil {
		return 0, err
	}
	for n := 0; n < len(got); {
		rp, err := c.Read(got[n:])
		if err != nil {
			return 0, err
		}
		m, err := rp.Await(ctx)
		if err != nil {
			return 0, err
		}
		n += m
	}
	if !bytes.Equal(payload, got) {
		return 0, fmt.Errorf("payload mismatch")
	}
	return time.Since(start), nil
}
