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

	"bootvm.dev/bootvm/pkg/fixmap"
	"bootvm.dev/bootvm/pkg/memblock"
	"bootvm.dev/bootvm/pkg/mmu"
	"bootvm.dev/bootvm/pkg/pagetables"
	"bootvm.dev/bootvm/pkg/pgalloc"
	"bootvm.dev/bootvm/pkg/riscv"
)

// earlyAllocator serves PreMmuBootstrap. The only tables available are the
// static ones of the image, one per level, and since translation is off a
// table is addressed by its physical address.
type earlyAllocator struct {
	hart *mmu.Hart

	// tables are the static tables that may be handed out, by level.
	tables [pagetables.MaxLevel]uintptr

	// used records the levels already handed out.
	used [pagetables.MaxLevel]bool

	// kernelVA is the link address. Every allocation must translate an
	// address sharing its parent entry.
	kernelVA uintptr

	levelName func(pagetables.Level) string
}

func (a *earlyAllocator) fail(level pagetables.Level, va uintptr, format string, v ...any) {
	fatal(&BootError{
		Phase: PreMmuBootstrap,
		Level: a.levelName(level),
		Addr:  va,
		Size:  riscv.PageSize,
		Msg:   fmt.Sprintf(format, v...),
	})
}

// AllocTable implements pagetables.Allocator.AllocTable.
func (a *earlyAllocator) AllocTable(level pagetables.Level, va uintptr) uintptr {
	if level == pagetables.PTELevel || level >= pagetables.MaxLevel {
		a.fail(level, va, "no static table at this level")
	}
	if (va-a.kernelVA)>>(level+1).Shift() != 0 {
		a.fail(level, va, "address is outside the span of the static table")
	}
	if a.used[level] {
		a.fail(level, va, "static table already in use")
	}
	a.used[level] = true
	return a.tables[level]
}

// TableFor implements pagetables.Allocator.TableFor.
func (a *earlyAllocator) TableFor(level pagetables.Level, physical uintptr) *pagetables.PTEs {
	return a.hart.Table(physical)
}

// fixmapAllocator serves MmuEnabledTransitional. Tables come from memblock
// and are reached through the fixmap slot of their level, since the linear
// mapping is still being built.
type fixmapAllocator struct {
	hart      *mmu.Hart
	mb        *memblock.Memblock
	fix       *fixmap.Manager
	levelName func(pagetables.Level) string
}

// AllocTable implements pagetables.Allocator.AllocTable.
func (a *fixmapAllocator) AllocTable(level pagetables.Level, va uintptr) uintptr {
	pa, err := a.mb.PhysAlloc(riscv.PageSize, riscv.PageSize)
	if err != nil {
		fatal(&BootError{
			Phase: MmuEnabledTransitional,
			Level: a.levelName(level),
			Addr:  va,
			Size:  riscv.PageSize,
			Msg:   fmt.Sprintf("allocating table: %v", err),
		})
	}
	return pa
}

// TableFor implements pagetables.Allocator.TableFor.
func (a *fixmapAllocator) TableFor(level pagetables.Level, physical uintptr) *pagetables.PTEs {
	slot := fixmap.TableSlot(level)
	a.fix.Clear(slot)
	return a.hart.Table(a.fix.SetOffset(slot, physical, pagetables.PageKernel))
}

// lateAllocator serves FullyMapped. Tables come from the page allocator and
// are reached through the linear mapping.
type lateAllocator struct {
	hart  *mmu.Hart
	pages *pgalloc.Allocator

	// linear is the linear mapping offset: va = pa + linear.
	linear uintptr

	levelName func(pagetables.Level) string
}

func (a *lateAllocator) fail(level pagetables.Level, va uintptr, err error) {
	fatal(&BootError{
		Phase: FullyMapped,
		Level: a.levelName(level),
		Addr:  va,
		Size:  riscv.PageSize,
		Msg:   fmt.Sprintf("allocating table: %v", err),
	})
}

// AllocTable implements pagetables.Allocator.AllocTable.
func (a *lateAllocator) AllocTable(level pagetables.Level, va uintptr) uintptr {
	pa, err := a.pages.AllocPage()
	if err != nil {
		a.fail(level, va, err)
	}
	if err := a.pages.TableCtor(pa); err != nil {
		a.fail(level, va, err)
	}
	return pa
}

// TableFor implements pagetables.Allocator.TableFor.
func (a *lateAllocator) TableFor(level pagetables.Level, physical uintptr) *pagetables.PTEs {
	return a.hart.Table(physical + a.linear)
}
