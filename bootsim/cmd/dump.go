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

	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	machine machineFlags
	format  string
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "boot a simulated machine and print its final page tables"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump [flags] - prints every mapping of the permanent root, coalesced into ranges.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	d.machine.register(f)
	f.StringVar(&d.format, "format", "text", "output format: text or yaml.")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	out, ok := dumpFormats[d.format]
	if !ok {
		Fatalf("unsupported output format %q", d.format)
	}
	c, err := d.machine.load()
	if err != nil {
		Fatalf("loading configuration: %v", err)
	}
	res, err := BootConfig(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot halted: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := out(os.Stdout, res); err != nil {
		Fatalf("writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

var dumpFormats = map[string]func(io.Writer, *Result) error{
	"text": dumpText,
	"yaml": dumpYAML,
}

func dumpText(w io.Writer, res *Result) error {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "VA\tPA\tLENGTH\tPAGE\tPROT\n")
	for _, r := range res.Ranges {
		fmt.Fprintf(tw, "%#x\t%#x\t%#x\t%#x\t%v\n", r.VA, r.PA, r.Length, r.PageSize, r.Prot)
	}
	return tw.Flush()
}

// rangeReport is a mapping as written to YAML.
type rangeReport struct {
	VA       string `yaml:"va"`
	PA       string `yaml:"pa"`
	Length   string `yaml:"length"`
	PageSize string `yaml:"page_size"`
	Prot     string `yaml:"prot"`
}

// report is a boot result as written to YAML.
type report struct {
	Mode       string        `yaml:"mode"`
	SATP       string        `yaml:"satp"`
	HighMemory string        `yaml:"high_memory"`
	FreePages  uint64        `yaml:"free_pages"`
	Reserved   []string      `yaml:"reserved"`
	Ranges     []rangeReport `yaml:"ranges"`
}

func newReport(res *Result) report {
	rep := report{
		Mode:       res.Mode,
		SATP:       fmt.Sprintf("%#x", res.SATP),
		HighMemory: fmt.Sprintf("%#x", res.HighMemory),
		FreePages:  res.FreePages,
	}
	for _, r := range res.Reserved {
		rep.Reserved = append(rep.Reserved, r.String())
	}
	for _, r := range res.Ranges {
		rep.Ranges = append(rep.Ranges, rangeReport{
			VA:       fmt.Sprintf("%#x", r.VA),
			PA:       fmt.Sprintf("%#x", r.PA),
			Length:   fmt.Sprintf("%#x", r.Length),
			PageSize: fmt.Sprintf("%#x", r.PageSize),
			Prot:     r.Prot.String(),
		})
	}
	return rep
}

func dumpYAML(w io.Writer, res *Result) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(newReport(res)); err != nil {
		return err
	}
	return enc.Close()
}
