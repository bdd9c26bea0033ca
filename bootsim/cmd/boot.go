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
	"io"
	"os"
	"text/tabwriter"

	"bootvm.dev/bootvm/pkg/log"
	"github.com/google/subcommands"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	machine machineFlags
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot a simulated machine and summarize its address space"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [flags] - runs the page table bootstrap from reset to the page allocator.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	b.machine.register(f)
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	c, err := b.machine.load()
	if err != nil {
		Fatalf("loading configuration: %v", err)
	}
	res, err := BootConfig(c)
	if err != nil {
		log.Warningf("Boot failed: %v", err)
		fmt.Fprintf(os.Stderr, "boot halted: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := writeSummary(os.Stdout, res); err != nil {
		Fatalf("writing summary: %v", err)
	}
	return subcommands.ExitSuccess
}

func writeSummary(w io.Writer, res *Result) error {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	fmt.Fprintf(tw, "mode:\t%s\n", res.Mode)
	fmt.Fprintf(tw, "satp:\t%#x\n", res.SATP)
	fmt.Fprintf(tw, "high memory:\t%#x\n", res.HighMemory)
	fmt.Fprintf(tw, "mappings:\t%d\n", len(res.Ranges))
	fmt.Fprintf(tw, "reserved ranges:\t%d\n", len(res.Reserved))
	fmt.Fprintf(tw, "free pages:\t%d\n", res.FreePages)
	fmt.Fprintf(tw, "table walks:\t%d\n", res.Stats.Walks)
	fmt.Fprintf(tw, "tlb flushes:\t%d\n", res.Stats.Flushes)
	return tw.Flush()
}
