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


// Command asyncsock-echo is an echo server and client over asock.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/cloudwego/asyncsock/asock"
)

const defaultAddr = "127.0.0.1:3456"

var (
	configPath = flag.String("config", "", "TOML reactor configuration file.")
	debug      = flag.Bool("debug", false, "enable debug logging.")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Serve), "")
	subcommands.Register(new(Ping), "")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "asyncsock-echo: %v\n", err)
		os.Exit(int(subcommands.ExitFailure))
	}
	os.Exit(int(subcommands.Execute(context.Background(), cfg)))
}

func loadConfig() (*asock.Config, error) {
	cfg := asock.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = asock.LoadConfig(*configPath); err != nil {
			return nil, err
		}
	}
	if *debug {
		l := logrus.New()
		l.SetLevel(logrus.DebugLevel)
		cfg.Logger = l
	}
	return cfg, nil
}

// Fatalf logs to stderr and exits with a failure status.
func Fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "asyncsock-echo: "+format+"\n", args...)
	os.Exit(int(subcommands.ExitFailure))
}
