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

// Package fixmap manages the fixed virtual windows at the top of the kernel
// address space. Each slot is one page whose translation can be rebound at
// any time, which lets boot code reach physical pages that are not yet part
// of any other mapping.
//
// The slots of a region are translated by a single leaf table owned by the
// caller; the Manager only rewrites that table's entries and invalidates
// the affected translations.
package fixmap

import (
	"fmt"

	"bootvm.dev/bootvm/pkg/log"
	"bootvm.dev/bootvm/pkg/pagetables"
	"bootvm.dev/bootvm/pkg/riscv"
)

// SlotError is a fatal misuse of a slot.
type SlotError struct {
	Slot Slot
	Msg  string
}

// Error implements error.Error.
func (e *SlotError) Error() string {
	return fmt.Sprintf("fixmap slot %v (%d): %s", e.Slot, int(e.Slot), e.Msg)
}

// Hart is the translation context the windows are used from.
type Hart interface {
	// Table returns a writable view of the table page at va.
	Table(va uintptr) *pagetables.PTEs

	// Invalidate drops any cached translation of va.
	Invalidate(va uintptr)
}

// Manager binds physical pages to slots.
type Manager struct {
	// base is the address of slot 0.
	base uintptr

	// leafVA is the address at which the region's leaf table is reachable.
	leafVA uintptr

	hart Hart

	// windows records the size of each boot-time window in use; zero means
	// free.
	windows [Windows]uint64
}

// New returns a Manager for the region starting at base, whose leaf table
// is reachable at leafVA through h.
//
// Precondition: base is aligned to Size.
func New(base, leafVA uintptr, h Hart) *Manager {
	if base&(Size-1) != 0 {
		panic(&SlotError{Slot: Hole, Msg: fmt.Sprintf("region base %#x is not aligned to %#x", base, Size)})
	}
	return &Manager{base: base, leafVA: leafVA, hart: h}
}

// Base returns the address of the region.
func (m *Manager) Base() uintptr {
	return m.base
}

// VirtFor returns the address of slot s.
func (m *Manager) VirtFor(s Slot) uintptr {
	if s < 0 || s >= End {
		panic(&SlotError{Slot: s, Msg: "out of range"})
	}
	return m.base + uintptr(s)*riscv.PageSize
}

// SlotFor returns the slot containing va.
func (m *Manager) SlotFor(va uintptr) (Slot, bool) {
	if va < m.base || va >= m.base+uintptr(End)*riscv.PageSize {
		return 0, false
	}
	return Slot((va - m.base) / riscv.PageSize), true
}

func (m *Manager) entry(s Slot) *pagetables.PTE {
	if s <= Hole || s >= End {
		panic(&SlotError{Slot: s, Msg: "cannot be bound"})
	}
	return &m.hart.Table(m.leafVA)[pagetables.PTELevel.Index(m.VirtFor(s))]
}

// Set binds the page at pa to slot s and returns the slot's address. A zero
// prot unbinds the slot instead.
func (m *Manager) Set(s Slot, pa uintptr, prot pagetables.Prot) uintptr {
	pte := m.entry(s)
	va := m.VirtFor(s)
	if prot == 0 {
		pte.Clear()
	} else {
		if prot&pagetables.Valid == 0 || prot.AccessType() == riscv.NoAccess {
			panic(&SlotError{Slot: s, Msg: fmt.Sprintf("attributes %v do not describe a leaf", prot)})
		}
		pte.Set(uintptr(riscv.Addr(pa).RoundDown()), prot)
	}
	m.hart.Invalidate(va)
	return va
}

// SetOffset binds the page containing pa to slot s and returns the address
// of pa within the window.
func (m *Manager) SetOffset(s Slot, pa uintptr, prot pagetables.Prot) uintptr {
	return m.Set(s, pa, prot) + uintptr(riscv.Addr(pa).PageOffset())
}

// Clear unbinds slot s.
func (m *Manager) Clear(s Slot) {
	m.Set(s, 0, 0)
}

// Bound returns the physical page bound to s.
func (m *Manager) Bound(s Slot) (uintptr, bool) {
	pte := *m.entry(s)
	if !pte.Valid() {
		return 0, false
	}
	return pte.Address(), true
}

// CheckPool verifies that both ends of the boot-time pool are translated by
// the same leaf table. pmd is the table one level above the leaf table. A
// mismatch is reported but is not fatal.
func (m *Manager) CheckPool(pmd *pagetables.PTEs) bool {
	begin, end := m.VirtFor(BTMapBegin), m.VirtFor(BTMapEnd)
	b := pmd[pagetables.PMDLevel.Index(begin)]
	e := pmd[pagetables.PMDLevel.Index(end)]
	if b == e && b.IsPointer() {
		return true
	}
	log.Warningf("fixmap: boot-time pool start entry [%v] != end entry [%v]", b, e)
	log.Warningf("fixmap: slot %d at %#x, slot %d at %#x", int(BTMapBegin), begin, int(BTMapEnd), end)
	return false
}
