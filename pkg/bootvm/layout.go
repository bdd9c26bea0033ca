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
	"io"

	"bootvm.dev/bootvm/pkg/fixmap"
	"bootvm.dev/bootvm/pkg/pagetables"
)

const (
	// KernelLinkAddr is the virtual address the kernel is linked at: the
	// last 2GiB of the address space.
	KernelLinkAddr uintptr = 0xffffffff80000000

	// AddressSpaceEnd is the last virtual address.
	AddressSpaceEnd = ^uintptr(0)

	// XIPOffset is the distance between the flash resident text of an
	// execute-in-place kernel and its data in RAM.
	XIPOffset = 8 << 20

	// PCIIOSize is the size of the PCI I/O window.
	PCIIOSize = 16 << 20

	// structPageMaxShift is the log of the largest page descriptor the
	// vmemmap region is sized for.
	structPageMaxShift = 6
)

// Layout is the virtual memory layout of one address space format.
type Layout struct {
	// Name is the format name.
	Name string

	// PageOffset is the start of the linear mapping of physical memory.
	PageOffset uintptr

	KernelLinkAddr uintptr

	// KernVirtSize is the size of the region above PageOffset.
	KernVirtSize uint64

	VmallocStart uintptr
	VmallocEnd   uintptr
	VmemmapStart uintptr
	VmemmapEnd   uintptr
	PCIIOStart   uintptr
	PCIIOEnd     uintptr
	FixaddrStart uintptr
	FixaddrTop   uintptr

	// DTBEarlyVA is where the device tree is mapped before the linear
	// mapping exists: the second root entry.
	DTBEarlyVA uintptr
}

// NewLayout returns the layout of D. The linear mapping takes the upper half
// of the kernel half of the address space and the other regions are placed
// below it.
func NewLayout[D pagetables.Depth]() Layout {
	var d D
	vaBits := pagetables.VABits[D]()
	pageOffset := -(uintptr(1) << (vaBits - 2))
	kernVirtSize := uint64(-pageOffset)
	vmallocStart := pageOffset - uintptr(kernVirtSize>>1)
	vmemmapSize := uintptr(1) << (vaBits - 12 - 1 + structPageMaxShift)
	vmemmapStart := vmallocStart - vmemmapSize
	pciIOStart := vmemmapStart - PCIIOSize
	return Layout{
		Name:           d.Name(),
		PageOffset:     pageOffset,
		KernelLinkAddr: KernelLinkAddr,
		KernVirtSize:   kernVirtSize,
		VmallocStart:   vmallocStart,
		VmallocEnd:     pageOffset - 1,
		VmemmapStart:   vmemmapStart,
		VmemmapEnd:     vmallocStart - 1,
		PCIIOStart:     pciIOStart,
		PCIIOEnd:       vmemmapStart,
		FixaddrStart:   pciIOStart - fixmap.Size,
		FixaddrTop:     pciIOStart,
		DTBEarlyVA:     pagetables.RootLevel[D]().Size(),
	}
}

// Region is one named range of a Layout.
type Region struct {
	Name  string
	Start uintptr
	End   uintptr

	// Shift is the log of the unit the size is reported in.
	Shift uint
}

// Regions returns the regions of l, with the linear mapping ending at
// highMemory.
func (l Layout) Regions(highMemory uintptr) []Region {
	return []Region{
		{"fixmap", l.FixaddrStart, l.FixaddrTop, 10},
		{"pci io", l.PCIIOStart, l.PCIIOEnd, 20},
		{"vmemmap", l.VmemmapStart, l.VmemmapEnd, 20},
		{"vmalloc", l.VmallocStart, l.VmallocEnd, 20},
		{"lowmem", l.PageOffset, highMemory, 20},
		{"kernel", l.KernelLinkAddr, AddressSpaceEnd, 20},
	}
}

// Print writes l in the format of the kernel's boot banner.
func (l Layout) Print(w io.Writer, highMemory uintptr) error {
	if _, err := fmt.Fprintf(w, "Virtual kernel memory layout (%s):\n", l.Name); err != nil {
		return err
	}
	for _, r := range l.Regions(highMemory) {
		unit := "kB"
		if r.Shift == 20 {
			unit = "MB"
		}
		if _, err := fmt.Fprintf(w, "%12s : 0x%08x - 0x%08x   (%4d %s)\n", r.Name, r.Start, r.End, (r.End-r.Start)>>r.Shift, unit); err != nil {
			return err
		}
	}
	return nil
}
