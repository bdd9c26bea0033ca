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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
)

// Layout implements subcommands.Command for the "layout" command.
type Layout struct {
	machine machineFlags
}

// Name implements subcommands.Command.Name.
func (*Layout) Name() string {
	return "layout"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Layout) Synopsis() string {
	return "print the kernel virtual memory layout"
}

// Usage implements subcommands.Command.Usage.
func (*Layout) Usage() string {
	return `layout [flags] - boots a simulated machine and prints its virtual memory regions.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Layout) SetFlags(f *flag.FlagSet) {
	l.machine.register(f)
}

// Execute implements subcommands.Command.Execute.
func (l *Layout) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	c, err := l.machine.load()
	if err != nil {
		Fatalf("loading configuration: %v", err)
	}
	res, err := BootConfig(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot halted: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := res.Layout.Print(os.Stdout, res.HighMemory); err != nil {
		Fatalf("writing layout: %v", err)
	}
	return subcommands.ExitSuccess
}
