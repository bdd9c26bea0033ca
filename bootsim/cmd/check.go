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

	"bootvm.dev/bootvm/bootsim/config"
	"bootvm.dev/bootvm/pkg/log"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
)

// Check implements subcommands.Command for the "check" command.
type Check struct {
	path string
}

// Name implements subcommands.Command.Name.
func (*Check) Name() string {
	return "check"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Check) Synopsis() string {
	return "boot a machine with every supported page table format"
}

// Usage implements subcommands.Command.Usage.
func (*Check) Usage() string {
	return `check [flags] - boots the machine with 3, 4 and 5 levels concurrently and verifies each.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *Check) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.path, "config", "", "machine description in TOML or YAML. The reference machine is used when empty. Its levels are ignored.")
}

// Execute implements subcommands.Command.Execute.
func (c *Check) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf, err := config.Load(c.path)
	if err != nil {
		Fatalf("loading configuration: %v", err)
	}
	results, err := CheckAll(ctx, conf)
	if err != nil {
		fmt.Fprintf(os.Stderr, "check failed: %v\n", err)
		return subcommands.ExitFailure
	}
	for _, res := range results {
		fmt.Printf("%s: ok, satp %#x, %d mappings, %d free pages\n", res.Mode, res.SATP, len(res.Ranges), res.FreePages)
	}
	return subcommands.ExitSuccess
}

// CheckAll boots the machine described by conf once per supported number of
// levels. Boots run concurrently; results are ordered by levels.
func CheckAll(ctx context.Context, conf *config.Config) ([]*Result, error) {
	levels := []int{3, 4, 5}
	results := make([]*Result, len(levels))
	g, ctx := errgroup.WithContext(ctx)
	for i, l := range levels {
		i, l := i, l
		c := *conf
		c.Levels = l
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := BootConfig(&c)
			if err != nil {
				return fmt.Errorf("%d levels: %w", l, err)
			}
			log.Infof("check: %s booted, %d free pages", res.Mode, res.FreePages)
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
