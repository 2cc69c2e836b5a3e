// Copyright 2026 The Insntrace Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Binary insntrace drives the Intel Processor Trace control plane from the
// command line.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"insntrace.dev/insntrace/pkg/log"
)

var (
	debug   = flag.Bool("debug", false, "enable debug logging")
	logJSON = flag.Bool("log-json", false, "write logs in json format")
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(probeCmd), "")
	subcommands.Register(new(traceCmd), "")

	flag.Parse()

	if *logJSON {
		log.SetTarget(log.JSONEmitter{Writer: &log.Writer{Next: os.Stderr}})
	}
	if *debug {
		log.SetLevel(log.Debug)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}

// fatalf logs the error the way the log target is configured and returns
// the failure exit status.
func fatalf(format string, args ...any) subcommands.ExitStatus {
	log.Warningf(format, args...)
	return subcommands.ExitFailure
}
