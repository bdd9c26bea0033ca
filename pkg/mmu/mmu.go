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

// Package mmu models the address translation state of a single RISC-V hart:
// the satp register, a translation cache and the hardware page table walker.
//
// Cached translations survive page table updates until they are explicitly
// invalidated, so software that forgets an sfence.vma observes stale
// mappings exactly as it would on hardware.
package mmu

import (
	"fmt"

	"bootvm.dev/bootvm/pkg/bits"
	"bootvm.dev/bootvm/pkg/log"
	"bootvm.dev/bootvm/pkg/pagetables"
	"bootvm.dev/bootvm/pkg/riscv"
)

// Memory is the physical address space seen by the walker.
type Memory interface {
	// Page returns the host view of the page containing pa.
	Page(pa uintptr) ([]byte, error)
}

// Fault is a failed translation.
type Fault struct {
	VA     uintptr
	Access riscv.AccessType
	Mode   uint64
	Level  int
	Msg    string
}

// Error implements error.Error.
func (f *Fault) Error() string {
	return fmt.Sprintf("page fault: va %#x access %v mode %d level %d: %s", f.VA, f.Access, f.Mode, f.Level, f.Msg)
}

// Stats counts translation events.
type Stats struct {
	// Walks is the number of hardware table walks.
	Walks uint64

	// Hits is the number of translations served from the cache.
	Hits uint64

	// Invalidations is the number of single address invalidations.
	Invalidations uint64

	// Flushes is the number of full invalidations.
	Flushes uint64
}

type tlbEntry struct {
	// physical is the base of the 4K frame.
	physical uintptr
	prot     pagetables.Prot
}

// Hart is the translation state of one hart.
type Hart struct {
	mem   Memory
	satp  uint64
	tlb   map[uintptr]tlbEntry
	stats Stats
}

// New returns a hart with translation disabled.
func New(mem Memory) *Hart {
	return &Hart{
		mem: mem,
		tlb: make(map[uintptr]tlbEntry),
	}
}

// SetRoot writes satp. It does not invalidate cached translations.
func (h *Hart) SetRoot(rootPhysical uintptr, mode uint64) {
	h.satp = mode<<60 | riscv.Addr(rootPhysical).PFN()
	log.Debugf("mmu: satp=%#x", h.satp)
}

// SATP returns the current satp value.
func (h *Hart) SATP() uint64 {
	return h.satp
}

// Mode returns the current satp MODE.
func (h *Hart) Mode() uint64 {
	return bits.Field(h.satp, 60, 4)
}

// Root returns the physical address of the active root table.
func (h *Hart) Root() uintptr {
	return uintptr(bits.Field(h.satp, 0, 44) << riscv.PageShift)
}

// Invalidate drops the cached translation of the page containing va.
func (h *Hart) Invalidate(va uintptr) {
	h.stats.Invalidations++
	delete(h.tlb, va>>riscv.PageShift)
}

// InvalidateAll drops every cached translation.
func (h *Hart) InvalidateAll() {
	h.stats.Flushes++
	clear(h.tlb)
}

// Stats returns the event counters.
func (h *Hart) Stats() Stats {
	return h.stats
}

// Cached returns true if a translation for va is cached.
func (h *Hart) Cached(va uintptr) bool {
	_, ok := h.tlb[va>>riscv.PageShift]
	return ok
}

func levelsFor(mode uint64) int {
	switch mode {
	case 8, 9, 10:
		return int(mode) - 5
	default:
		return 0
	}
}

func permits(prot pagetables.Prot, at riscv.AccessType) bool {
	if prot&pagetables.Accessed == 0 {
		return false
	}
	if at.Write && prot&pagetables.Dirty == 0 {
		return false
	}
	return prot.AccessType().SupersetOf(at)
}

// Translate returns the physical address of va for the given access.
func (h *Hart) Translate(va uintptr, at riscv.AccessType) (uintptr, error) {
	mode := h.Mode()
	if mode == pagetables.ModeBare {
		return va, nil
	}
	levels := levelsFor(mode)
	if levels == 0 {
		return 0, &Fault{VA: va, Access: at, Mode: mode, Msg: "unsupported mode"}
	}

	vpn := va >> riscv.PageShift
	if e, ok := h.tlb[vpn]; ok {
		if !permits(e.prot, at) {
			return 0, &Fault{VA: va, Access: at, Mode: mode, Msg: fmt.Sprintf("cached entry %v denies access", e.prot)}
		}
		h.stats.Hits++
		return e.physical | va&(riscv.PageSize-1), nil
	}

	vaBits := riscv.PageShift + levels*riscv.EntryShift
	if uintptr(bits.SignExtend64(uint64(va), vaBits)) != va {
		return 0, &Fault{VA: va, Access: at, Mode: mode, Level: levels - 1, Msg: "non-canonical address"}
	}

	h.stats.Walks++
	table := h.Root()
	for l := pagetables.Level(levels - 1); l >= pagetables.PTELevel; l-- {
		fault := func(msg string, args ...any) error {
			return &Fault{VA: va, Access: at, Mode: mode, Level: int(l), Msg: fmt.Sprintf(msg, args...)}
		}
		page, err := h.mem.Page(table)
		if err != nil {
			return 0, fault("table at %#x: %v", table, err)
		}
		pte := pagetables.TableAt(page)[l.Index(va)]
		if !pte.Valid() {
			return 0, fault("entry not present")
		}
		prot := pte.Prot()
		if prot&pagetables.Write != 0 && prot&pagetables.Read == 0 {
			return 0, fault("reserved encoding %v", prot)
		}
		if !pte.IsLeaf() {
			table = pte.Address()
			continue
		}
		size := l.Size()
		if !bits.IsAligned(pte.Address(), size) {
			return 0, fault("misaligned superpage at %#x", pte.Address())
		}
		if !permits(prot, at) {
			return 0, fault("entry %v denies access", prot)
		}
		physical := pte.Address() | va&(size-1)
		h.tlb[vpn] = tlbEntry{physical: physical &^ (riscv.PageSize - 1), prot: prot}
		return physical, nil
	}
	return 0, &Fault{VA: va, Access: at, Mode: mode, Msg: "pointer entry at leaf level"}
}

// Table returns a writable view of the page-table page at va. A fault is
// fatal: the caller is addressing its own page tables.
func (h *Hart) Table(va uintptr) *pagetables.PTEs {
	if !riscv.Addr(va).IsPageAligned() {
		panic(&Fault{VA: va, Access: riscv.ReadWrite, Mode: h.Mode(), Msg: "table view is not page aligned"})
	}
	pa, err := h.Translate(va, riscv.ReadWrite)
	if err != nil {
		panic(err)
	}
	page, err := h.mem.Page(pa)
	if err != nil {
		panic(&Fault{VA: va, Access: riscv.ReadWrite, Mode: h.Mode(), Msg: err.Error()})
	}
	return pagetables.TableAt(page)
}

// Read copies len(p) bytes at va into p.
func (h *Hart) Read(va uintptr, p []byte) error {
	return h.copy(va, p, riscv.Read, func(page, p []byte) int { return copy(p, page) })
}

// Write copies p to va.
func (h *Hart) Write(va uintptr, p []byte) error {
	return h.copy(va, p, riscv.ReadWrite, func(page, p []byte) int { return copy(page, p) })
}

func (h *Hart) copy(va uintptr, p []byte, at riscv.AccessType, fn func(page, p []byte) int) error {
	for len(p) > 0 {
		pa, err := h.Translate(va, at)
		if err != nil {
			return err
		}
		page, err := h.mem.Page(pa)
		if err != nil {
			return &Fault{VA: va, Access: at, Mode: h.Mode(), Msg: err.Error()}
		}
		n := fn(page[riscv.Addr(pa).PageOffset():], p)
		p = p[n:]
		va += uintptr(n)
	}
	return nil
}
