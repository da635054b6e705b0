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
	"context"
	"errors"
	"flag"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"time"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cloudwego/asyncsock/asock"
)

// Serve implements subcommands.Command for the "serve" command.
type Serve struct {
	addr    string
	backlog int
	bufSize int
	stream  bool
}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string {
	return "serve"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string {
	return "echo every connection back to its peer"
}

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return "serve [-addr host:port] [-backlog n] [-buf n] [-stream]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Serve) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.addr, "addr", defaultAddr, "address to listen on.")
	f.IntVar(&s.backlog, "backlog", 16, "listen backlog.")
	f.IntVar(&s.bufSize, "buf", 2048, "per-connection read buffer size.")
	f.BoolVar(&s.stream, "stream", false, "echo through a buffered asock.Stream.")
}

// Execute implements subcommands.Command.Execute.
func (s *Serve) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg := args[0].(*asock.Config)
	addr, err := netip.ParseAddrPort(s.addr)
	if err != nil {
		f.Usage()
		return subcommands.ExitUsageError
	}

	r, err := asock.Start(cfg)
	if err != nil {
		Fatalf("starting reactor: %v", err)
	}
	l, err := r.Listen(addr, s.backlog)
	if err != nil {
		Fatalf("%v", err)
	}
	log := cfg.Logger.WithField("addr", l.LocalAddr())
	log.Info("serving")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()
	go func() {
		for {
			p, err := l.Accept()
			if err != nil {
				log.WithError(err).Error("accept")
				return
			}
			c, err := p.Await(ctx)
			var ioe *asock.IoError
			if errors.As(err, &ioe) && !ioe.Fatal() {
				// out of fds or similar; the listener is still good
				log.WithError(err).Warn("accept")
				time.Sleep(10 * time.Millisecond)
				continue
			}
			if err != nil {
				if !errors.Is(err, asock.ErrCancelled) {
					log.WithError(err).Error("accept")
				}
				return
			}
			go s.echo(ctx, log, c)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Shutdown(sctx); err != nil {
		log.WithError(err).Warn("shutdown")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func (s *Serve) echo(ctx context.Context, log logrus.FieldLogger, c *asock.Socket) {
	defer c.Close()
	log = log.WithField("peer", c.RemoteAddr())
	log.Debug("connected")
	if s.stream {
		s.echoStream(ctx, log, c)
		return
	}
	buf := make([]byte, s.bufSize)
	for {
		p, err := c.Read(buf)
		if err != nil {
			return
		}
		n, err := p.Await(ctx)
		if err == io.EOF {
			log.Debug("peer closed")
			return
		}
		if err != nil {
			log.WithError(err).Debug("read")
			return
		}
		w, err := c.WriteAll(buf[:n])
		if err != nil {
			return
		}
		if _, err := w.Await(ctx); err != nil {
			log.WithError(err).Debug("write")
			return
		}
	}
}

func (s *Serve) echoStream(ctx context.Context, log logrus.FieldLogger, c *asock.Socket) {
	st, err := asock.NewStream(c, s.bufSize, s.bufSize)
	if err != nil {
		log.WithError(err).Debug("stream")
		return
	}
	n, err := io.Copy(st, st)
	if err != nil {
		log.WithError(err).Debug("copy")
		return
	}
	st.CloseWrite()
	if err := st.Flush(ctx); err != nil {
		log.WithError(err).Debug("flush")
		return
	}
	log.WithField("bytes", n).Debug("peer closed")
}
