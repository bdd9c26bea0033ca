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

package fixmap

import (
	"fmt"

	"bootvm.dev/bootvm/pkg/pagetables"
	"bootvm.dev/bootvm/pkg/riscv"
)

// Slot is a fixmap window index.
type Slot int

// Permanent slots.
const (
	// Hole is never bound.
	Hole Slot = iota

	// PTE through PGD view one page-table page of the corresponding level
	// while the kernel page tables are under construction.
	PTE
	PMD
	PUD
	P4D
	PGD

	TextPoke1
	TextPoke0
	EarlyconMemBase

	// EndOfPermanent is the first boot-time slot.
	EndOfPermanent
)

const (
	// PagesPerWindow is the number of slots in one boot-time window.
	PagesPerWindow = (256 << 10) / riscv.PageSize

	// Windows is the number of boot-time windows.
	Windows = 7

	// BTMapEnd is the first slot of the boot-time pool.
	BTMapEnd = EndOfPermanent

	// BTMapBegin is the last slot of the boot-time pool.
	BTMapBegin = BTMapEnd + PagesPerWindow*Windows - 1

	// End is one past the last slot.
	End = BTMapBegin + 1

	// Size is the size of the fixmap region.
	Size = riscv.PMDSize
)

// Every slot, and so the boot-time pool, fits in the single leaf table
// covering the region.
const _ = uint(riscv.EntriesPerTable - int(End))

var slotNames = [...]string{
	Hole:            "hole",
	PTE:             "pte",
	PMD:             "pmd",
	PUD:             "pud",
	P4D:             "p4d",
	PGD:             "pgd",
	TextPoke1:       "text_poke1",
	TextPoke0:       "text_poke0",
	EarlyconMemBase: "earlycon_mem_base",
}

// String implements fmt.Stringer.String.
func (s Slot) String() string {
	switch {
	case s >= 0 && int(s) < len(slotNames):
		return slotNames[s]
	case s >= BTMapEnd && s <= BTMapBegin:
		i := int(s - BTMapEnd)
		return fmt.Sprintf("btmap%d.%d", i/PagesPerWindow, i%PagesPerWindow)
	default:
		return fmt.Sprintf("Slot(%d)", int(s))
	}
}

// IsBootTime returns true if s belongs to the boot-time pool.
func (s Slot) IsBootTime() bool {
	return s >= BTMapEnd && s <= BTMapBegin
}

// TableSlot returns the slot used to view a page-table page of level l.
func TableSlot(l pagetables.Level) Slot {
	if l < pagetables.PTELevel || l > pagetables.MaxLevel {
		panic(&SlotError{Slot: Hole, Msg: fmt.Sprintf("no table slot for level %d", l)})
	}
	return PTE + Slot(l)
}
