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
	"errors"
	"fmt"

	"bootvm.dev/bootvm/pkg/bits"
	"bootvm.dev/bootvm/pkg/fdt"
	"bootvm.dev/bootvm/pkg/riscv"
)

// ErrBadParams is returned for an inconsistent boot configuration.
var ErrBadParams = errors.New("bootvm: invalid boot parameters")

// Bank is a range of physical RAM reported by firmware.
type Bank struct {
	Base uintptr
	Size uint64
}

// End returns the first address after b.
func (b Bank) End() uintptr {
	return b.Base + uintptr(b.Size)
}

// XIP describes the flash holding the text of an execute-in-place kernel.
// A zero Size means the kernel runs entirely from RAM.
type XIP struct {
	PA   uintptr
	Size uint64
}

// Enabled returns true if the kernel executes in place.
func (x XIP) Enabled() bool {
	return x.Size != 0
}

// Params are the boot parameters of one machine.
type Params struct {
	// Banks are the RAM banks.
	Banks []Bank

	// LoadPA is where the kernel image, or its writable part for an XIP
	// kernel, was loaded. It must be aligned to a megapage.
	LoadPA uintptr

	// LoadSize is the size of the loaded image including its static page
	// tables.
	LoadSize uint64

	XIP XIP

	// TextSize and RODataSize are the lengths of the text and read-only
	// data at the start of the image, or of the flash for an XIP kernel.
	// Once memory is handed to the page allocator, text loses write
	// permission, read-only data loses write and execute permission and
	// the rest of the image loses execute permission. A zero TextSize
	// leaves the image mapped as loaded.
	TextSize   uint64
	RODataSize uint64

	// DTBPA is the physical address of the device tree handed over by
	// firmware.
	DTBPA uintptr

	// DTBSize is the size of the blob firmware writes.
	DTBSize uint32

	// BuiltinDTB means the device tree is linked into the kernel image at
	// DTBPA.
	BuiltinDTB bool

	// MemoryLimit caps usable memory. Zero is no limit.
	MemoryLimit uint64
}

// DefaultParams returns the reference machine: 128MiB of RAM at 0x80000000
// and a 1MiB kernel loaded at 0x80200000.
func DefaultParams() Params {
	return Params{
		Banks:    []Bank{{Base: 0x80000000, Size: 128 << 20}},
		LoadPA:   0x80200000,
		LoadSize: 1 << 20,
		DTBPA:    0x87e00000,
		DTBSize:  0x2000,
	}
}

// Validate checks p for consistency.
func (p *Params) Validate() error {
	if len(p.Banks) == 0 {
		return fmt.Errorf("%w: no memory banks", ErrBadParams)
	}
	for i, b := range p.Banks {
		if b.Size == 0 || !riscv.Addr(b.Base).IsPageAligned() || !bits.IsAligned(b.Size, riscv.PageSize) {
			return fmt.Errorf("%w: bank %d [%#x, +%#x) is empty or not page aligned", ErrBadParams, i, b.Base, b.Size)
		}
		if _, ok := riscv.Addr(b.Base).AddLength(b.Size); !ok {
			return fmt.Errorf("%w: bank %d [%#x, +%#x) overflows", ErrBadParams, i, b.Base, b.Size)
		}
		for j := 0; j < i; j++ {
			o := p.Banks[j]
			if b.Base < o.End() && o.Base < b.End() {
				return fmt.Errorf("%w: banks %d and %d overlap", ErrBadParams, j, i)
			}
		}
	}
	if p.LoadSize < symbolsSize {
		return fmt.Errorf("%w: kernel size %#x cannot hold the static page tables (%#x)", ErrBadParams, p.LoadSize, symbolsSize)
	}
	if !bits.IsAligned(p.LoadSize, riscv.PageSize) {
		return fmt.Errorf("%w: kernel size %#x is not page aligned", ErrBadParams, p.LoadSize)
	}
	if !p.inBank(p.LoadPA, p.LoadSize) {
		return fmt.Errorf("%w: kernel [%#x, +%#x) is outside RAM", ErrBadParams, p.LoadPA, p.LoadSize)
	}
	if p.XIP.Enabled() {
		if p.XIP.Size > XIPOffset || !riscv.Addr(p.XIP.PA).IsPageAligned() {
			return fmt.Errorf("%w: XIP flash [%#x, +%#x) is misaligned or larger than %#x", ErrBadParams, p.XIP.PA, p.XIP.Size, XIPOffset)
		}
		x := Bank{Base: p.XIP.PA, Size: p.XIP.Size}
		for i, b := range p.Banks {
			if x.Base < b.End() && b.Base < x.End() {
				return fmt.Errorf("%w: XIP flash overlaps bank %d", ErrBadParams, i)
			}
		}
	}
	if err := p.validateSections(); err != nil {
		return err
	}
	if p.DTBSize < fdt.MinSize {
		return fmt.Errorf("%w: device tree size %#x is smaller than an empty tree", ErrBadParams, p.DTBSize)
	}
	if p.BuiltinDTB {
		if p.DTBPA < p.LoadPA || uint64(p.DTBPA-p.LoadPA)+uint64(p.DTBSize) > p.LoadSize-symbolsSize {
			return fmt.Errorf("%w: builtin device tree at %#x is outside the kernel image", ErrBadParams, p.DTBPA)
		}
	} else if !p.inBank(p.DTBPA, uint64(p.DTBSize)) {
		return fmt.Errorf("%w: device tree [%#x, +%#x) is outside RAM", ErrBadParams, p.DTBPA, p.DTBSize)
	}
	return nil
}

func (p *Params) validateSections() error {
	if p.TextSize == 0 {
		if p.RODataSize != 0 {
			return fmt.Errorf("%w: read-only data size %#x without a text size", ErrBadParams, p.RODataSize)
		}
		return nil
	}
	if !bits.IsAligned(p.TextSize, riscv.PageSize) || !bits.IsAligned(p.RODataSize, riscv.PageSize) {
		return fmt.Errorf("%w: text size %#x or read-only data size %#x is not page aligned", ErrBadParams, p.TextSize, p.RODataSize)
	}
	// Static page tables live at the end of the image and stay writable.
	limit := p.LoadSize - symbolsSize
	if p.XIP.Enabled() {
		limit = p.XIP.Size
	}
	if p.TextSize > limit || p.RODataSize > limit-p.TextSize {
		return fmt.Errorf("%w: text and read-only data (%#x + %#x) exceed %#x", ErrBadParams, p.TextSize, p.RODataSize, limit)
	}
	return nil
}

func (p *Params) inBank(pa uintptr, size uint64) bool {
	for _, b := range p.Banks {
		if pa >= b.Base && uint64(pa-b.Base)+size <= b.Size {
			return true
		}
	}
	return false
}
