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
	"errors"
	"fmt"

	"bootvm.dev/bootvm/pkg/log"
	"bootvm.dev/bootvm/pkg/pagetables"
	"bootvm.dev/bootvm/pkg/riscv"
)

var (
	// ErrNoWindow is returned when every boot-time window is in use.
	ErrNoWindow = errors.New("fixmap: no free boot-time window")

	// ErrTooLarge is returned for a request that does not fit one window.
	ErrTooLarge = errors.New("fixmap: request larger than a boot-time window")

	// ErrNotMapped is returned when unmapping an address that no window
	// maps with the given size.
	ErrNotMapped = errors.New("fixmap: not a boot-time mapping")
)

// IOProt is the attribute set of boot-time device windows.
const IOProt = pagetables.PageKernel

// windowSlot returns the first slot of window i. The pages of a window
// occupy ascending slots and so ascending addresses.
func windowSlot(i int) Slot {
	return BTMapEnd + Slot(i*PagesPerWindow)
}

// EarlyIORemap maps [pa, pa+size) through a free boot-time window and
// returns the address of pa.
func (m *Manager) EarlyIORemap(pa uintptr, size uint64) (uintptr, error) {
	return m.earlyRemap(pa, size, IOProt)
}

// EarlyMemRemap is EarlyIORemap for normal memory with the given attributes.
func (m *Manager) EarlyMemRemap(pa uintptr, size uint64, prot pagetables.Prot) (uintptr, error) {
	return m.earlyRemap(pa, size, prot)
}

func (m *Manager) earlyRemap(pa uintptr, size uint64, prot pagetables.Prot) (uintptr, error) {
	end, ok := riscv.Addr(pa).AddLength(size)
	if size == 0 || !ok {
		return 0, fmt.Errorf("fixmap: invalid range [%#x, +%#x)", pa, size)
	}
	first := riscv.Addr(pa).RoundDown()
	last, ok := end.RoundUp()
	if !ok {
		return 0, fmt.Errorf("fixmap: invalid range [%#x, +%#x)", pa, size)
	}
	pages := uint64(last-first) / riscv.PageSize
	if pages > PagesPerWindow {
		return 0, fmt.Errorf("%w: %d pages for [%#x, +%#x)", ErrTooLarge, pages, pa, size)
	}

	w := -1
	for i, used := range m.windows {
		if used == 0 {
			w = i
			break
		}
	}
	if w < 0 {
		return 0, fmt.Errorf("%w: mapping [%#x, +%#x)", ErrNoWindow, pa, size)
	}
	m.windows[w] = size

	s := windowSlot(w)
	va := m.VirtFor(s) + uintptr(riscv.Addr(pa).PageOffset())
	for p := uintptr(first); p < uintptr(last); p += riscv.PageSize {
		m.Set(s, p, prot)
		s++
	}
	log.Debugf("fixmap: early remap [%#x, +%#x) window %d at %#x", pa, size, w, va)
	return va, nil
}

// EarlyIOUnmap releases the window mapping va, which must have been returned
// by a remap of the same size.
func (m *Manager) EarlyIOUnmap(va uintptr, size uint64) error {
	s, ok := m.SlotFor(va)
	if !ok || !s.IsBootTime() {
		return fmt.Errorf("%w: %#x", ErrNotMapped, va)
	}
	w := int(s-BTMapEnd) / PagesPerWindow
	if s != windowSlot(w) || m.windows[w] != size {
		return fmt.Errorf("%w: %#x size %#x (window %d holds %#x)", ErrNotMapped, va, size, w, m.windows[w])
	}
	pages := (riscv.Addr(va).PageOffset() + size + riscv.PageSize - 1) / riscv.PageSize
	for i := Slot(0); i < Slot(pages); i++ {
		m.Clear(s + i)
	}
	m.windows[w] = 0
	return nil
}

// InUse returns the number of boot-time windows in use.
func (m *Manager) InUse() int {
	n := 0
	for _, used := range m.windows {
		if used != 0 {
			n++
		}
	}
	return n
}
