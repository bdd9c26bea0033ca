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

package bootvm

import (
	"fmt"

	"bootvm.dev/bootvm/pkg/cleanup"
	"bootvm.dev/bootvm/pkg/fdt"
	"bootvm.dev/bootvm/pkg/mmu"
	"bootvm.dev/bootvm/pkg/physmem"
)

// Machine is the hardware a boot runs on: physical memory as left by
// firmware and the boot hart.
type Machine struct {
	Mem  *physmem.Memory
	Hart *mmu.Hart
}

// NewMachine returns a machine with the memory described by p, translation
// disabled and the device tree written where firmware hands it over.
func NewMachine(p Params) (*Machine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	regions := make([]physmem.Region, 0, len(p.Banks)+1)
	for _, b := range p.Banks {
		regions = append(regions, physmem.Region{Base: b.Base, Size: b.Size, Kind: physmem.RAM})
	}
	if p.XIP.Enabled() {
		regions = append(regions, physmem.Region{Base: p.XIP.PA, Size: p.XIP.Size, Kind: physmem.Flash})
	}
	mem, err := physmem.New(regions...)
	if err != nil {
		return nil, fmt.Errorf("creating physical memory: %w", err)
	}
	cu := cleanup.Make(mem.Release)
	defer cu.Clean()

	if err := fdt.WriteHeader(mem, int64(p.DTBPA), fdt.NewHeader(p.DTBSize)); err != nil {
		return nil, fmt.Errorf("writing device tree: %w", err)
	}

	cu.Release()
	return &Machine{Mem: mem, Hart: mmu.New(mem)}, nil
}

// Release frees the machine's memory.
func (m *Machine) Release() {
	m.Mem.Release()
}
