// Copyright 2025 The gVisor Authors.
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

// Package cli is the main entrypoint for bootsim.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"

	"bootvm.dev/bootvm/bootsim/cmd"
	"bootvm.dev/bootvm/pkg/log"
	"github.com/google/subcommands"
)

var (
	// Logging flags.
	debug     = flag.Bool("debug", false, "enable debug logging. Same as -log-level=debug.")
	logLevel  = flag.String("log-level", "info", "minimum level logged: warning, info or debug.")
	logFormat = flag.String("log-format", "text", "log format: text (default) or json.")
	logFile   = flag.String("log", "", "file path where logs are written. %COMMAND% is replaced with the command name. Logs go to stderr when empty.")
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	subcommand := flag.CommandLine.Arg(0)
	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		cmd.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	if *debug {
		level = log.Debug
	}
	log.SetLevel(level)

	var w io.Writer = os.Stderr
	f, err := log.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{"COMMAND": subcommand})
	if err != nil {
		cmd.Fatalf("error opening log file %q: %v", *logFile, err)
	}
	if f != nil {
		w = f
	}
	log.SetTarget(newEmitter(*logFormat, w))

	log.Infof("bootsim %s, %s/%s, args: %v", runtime.Version(), runtime.GOOS, runtime.GOARCH, os.Args)

	subcmdCode := subcommands.Execute(context.Background())
	if f != nil {
		f.Close()
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// bootsim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Boot), "")
	cb(new(cmd.Check), "")
	cb(new(cmd.Dump), "")
	cb(new(cmd.Layout), "")
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
