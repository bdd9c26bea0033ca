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

// Package cmd holds implementations of the bootsim commands.
package cmd

import (
	"flag"
	"fmt"
	"os"

	"bootvm.dev/bootvm/bootsim/config"
	"bootvm.dev/bootvm/pkg/bootvm"
	"bootvm.dev/bootvm/pkg/log"
	"bootvm.dev/bootvm/pkg/memblock"
	"bootvm.dev/bootvm/pkg/pagetables"
	"bootvm.dev/bootvm/pkg/riscv"
)

// Fatalf logs the same message to the log and stderr, and exits.
func Fatalf(format string, args ...any) {
	log.Warningf(format, args...)
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}

// machineFlags are the flags shared by every command that boots a machine.
type machineFlags struct {
	path   string
	levels int
}

func (m *machineFlags) register(f *flag.FlagSet) {
	f.StringVar(&m.path, "config", "", "machine description in TOML or YAML. The reference machine is used when empty.")
	f.IntVar(&m.levels, "levels", 0, "number of translation levels (3, 4 or 5), overriding the configuration.")
}

func (m *machineFlags) load() (*config.Config, error) {
	c, err := config.Load(m.path)
	if err != nil {
		return nil, err
	}
	if m.levels != 0 {
		c.Levels = m.levels
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Result is the state of a machine after a complete boot.
type Result struct {
	// Mode is the name of the page table format.
	Mode string

	SATP       uint64
	Layout     bootvm.Layout
	Ranges     []pagetables.Range
	Reserved   []memblock.Region
	HighMemory uintptr
	FreePages  uint64
	Stats      mmuStats
}

type mmuStats struct {
	Walks   uint64
	Flushes uint64
}

// BootConfig boots the machine described by c.
func BootConfig(c *config.Config) (*Result, error) {
	switch c.Levels {
	case 3:
		return bootWith[pagetables.Sv39](c.Params())
	case 4:
		return bootWith[pagetables.Sv48](c.Params())
	case 5:
		return bootWith[pagetables.Sv57](c.Params())
	default:
		return nil, fmt.Errorf("unsupported number of levels %d", c.Levels)
	}
}

func bootWith[D pagetables.Depth](p bootvm.Params) (*Result, error) {
	m, err := bootvm.NewMachine(p)
	if err != nil {
		return nil, err
	}
	defer m.Release()

	s, err := bootvm.NewSequencer[D](m, p)
	if err != nil {
		return nil, err
	}
	if err := bootvm.Run(s.Boot); err != nil {
		return nil, err
	}
	if err := verify(s, p); err != nil {
		return nil, err
	}

	var d D
	st := m.Hart.Stats()
	return &Result{
		Mode:       d.Name(),
		SATP:       m.Hart.SATP(),
		Layout:     s.Layout(),
		Ranges:     s.Ranges(),
		Reserved:   s.Memblock().Reserved(),
		HighMemory: s.HighMemory(),
		FreePages:  s.PageAlloc().FreePages(),
		Stats:      mmuStats{Walks: st.Walks, Flushes: st.Flushes},
	}, nil
}

// verify checks through the hart that the kernel and every byte of mapped
// memory translate where the final tables say they should.
func verify[D pagetables.Depth](s *bootvm.Sequencer[D], p bootvm.Params) error {
	h := s.Machine().Hart
	text := p.LoadPA
	if p.XIP.Enabled() {
		text = p.XIP.PA
	}
	if pa, err := h.Translate(bootvm.KernelLinkAddr, riscv.ReadExec); err != nil || pa != text {
		return fmt.Errorf("kernel text translates to %#x, %v; wanted %#x", pa, err, text)
	}

	off := s.Offsets().Linear
	for _, r := range s.Memblock().Memory() {
		if r.End() <= p.LoadPA {
			continue
		}
		for _, pa := range []uintptr{max(r.Base, p.LoadPA), r.End() - riscv.PageSize} {
			at := riscv.ReadWrite
			if !p.XIP.Enabled() && pa < p.LoadPA+uintptr(p.TextSize+p.RODataSize) {
				// The linear alias of text and read-only data is read-only.
				at = riscv.Read
			}
			if got, err := h.Translate(pa+off, at); err != nil || got != pa {
				return fmt.Errorf("linear address %#x translates to %#x, %v; wanted %#x", pa+off, got, err, pa)
			}
		}
	}
	return nil
}
