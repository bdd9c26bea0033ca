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

// Package bootvm builds the kernel address space during boot.
//
// A Sequencer drives the construction through three phases. Each phase binds
// its own allocation strategy, which decides where new page-table pages come
// from and how they are addressed, while the insertion engine of package
// pagetables stays the same throughout:
//
//   - PreMmuBootstrap: translation is off. The early root maps the kernel
//     image at its link address, the device tree and the fixmap region,
//     using only the static tables of the image.
//   - MmuEnabledTransitional: the early root is installed. The permanent
//     root is built with tables from memblock, written through the fixmap.
//   - FullyMapped: the permanent root is installed and later tables come
//     from the page allocator, written through the linear mapping.
//
// Every failure on this path halts the boot by panicking with a *BootError
// (or the *pagetables.MapError, *fixmap.SlotError or *mmu.Fault that
// caused it). Run converts a halt into an error.
package bootvm

import (
	"fmt"
	"strings"

	"bootvm.dev/bootvm/pkg/bits"
	"bootvm.dev/bootvm/pkg/fdt"
	"bootvm.dev/bootvm/pkg/fixmap"
	"bootvm.dev/bootvm/pkg/log"
	"bootvm.dev/bootvm/pkg/memblock"
	"bootvm.dev/bootvm/pkg/pagetables"
	"bootvm.dev/bootvm/pkg/pgalloc"
	"bootvm.dev/bootvm/pkg/riscv"
)

// stage is the last completed step of the boot sequence.
type stage int

const (
	stageNone stage = iota
	stageSetupVM
	stageRelocated
	stageBootmem
	stagePaging
	stageMemInit
)

var stageNames = [...]string{
	stageNone:      "start",
	stageSetupVM:   "setup_vm",
	stageRelocated: "relocation",
	stageBootmem:   "setup_bootmem",
	stagePaging:    "paging_init",
	stageMemInit:   "mem_init",
}

// Offsets relate the virtual and physical addresses of the kernel.
type Offsets struct {
	// Linear is the linear mapping offset: va = pa + Linear.
	Linear uintptr

	// Kernel is the offset of the kernel image in RAM: va = pa + Kernel.
	Kernel uintptr

	// XIP is the offset of the flash resident text of an execute-in-place
	// kernel. It is zero otherwise.
	XIP uintptr
}

// Sequencer builds the kernel address space of format D on a Machine.
type Sequencer[D pagetables.Depth] struct {
	params  Params
	mach    *Machine
	layout  Layout
	syms    Symbols
	offsets Offsets

	phase Phase
	stage stage

	// alloc is the strategy of the current phase.
	alloc pagetables.Allocator

	early      *pagetables.PageTables[D]
	trampoline *pagetables.PageTables[D]
	swapper    *pagetables.PageTables[D]

	// active receives insertions made through Map.
	active *pagetables.PageTables[D]

	fix   *fixmap.Manager
	mb    *memblock.Memblock
	pages *pgalloc.Allocator

	dtbEarlyVA uintptr

	minLowPFN  uint64
	maxLowPFN  uint64
	highMemory uintptr
}

// NewSequencer returns a sequencer for the machine m described by p, with
// firmware's memory banks registered in memblock.
func NewSequencer[D pagetables.Depth](m *Machine, p Params) (*Sequencer[D], error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	layout := NewLayout[D]()
	offsets := Offsets{
		Linear: layout.PageOffset - p.LoadPA,
		Kernel: KernelLinkAddr - p.LoadPA,
	}
	if p.XIP.Enabled() {
		offsets.Kernel += XIPOffset
		offsets.XIP = KernelLinkAddr - p.XIP.PA
	}
	mb := memblock.New()
	for _, b := range p.Banks {
		if err := mb.AddMemory(b.Base, b.Size); err != nil {
			return nil, fmt.Errorf("registering bank %#x: %w", b.Base, err)
		}
	}
	return &Sequencer[D]{
		params:  p,
		mach:    m,
		layout:  layout,
		syms:    newSymbols(p.LoadPA, p.LoadSize),
		offsets: offsets,
		phase:   PreMmuBootstrap,
		mb:      mb,
	}, nil
}

func (s *Sequencer[D]) fatalf(level string, addr uintptr, size uint64, format string, v ...any) {
	fatal(&BootError{Phase: s.phase, Level: level, Addr: addr, Size: size, Msg: fmt.Sprintf(format, v...)})
}

// enter checks that the step following prev is being run.
func (s *Sequencer[D]) enter(prev stage) {
	if s.stage != prev {
		s.fatalf("", 0, 0, "%s requested after %s", stageNames[prev+1], stageNames[s.stage])
	}
}

func (s *Sequencer[D]) levelName(l pagetables.Level) string {
	return pagetables.LevelName[D](l)
}

// kernelVA returns the kernel mapping address of pa in the RAM part of the
// image.
func (s *Sequencer[D]) kernelVA(pa uintptr) uintptr {
	return pa + s.offsets.Kernel
}

// linearVA returns the linear mapping address of pa.
func (s *Sequencer[D]) linearVA(pa uintptr) uintptr {
	return pa + s.offsets.Linear
}

// linkChain links the static tables of chain below the root of pt so that
// they translate va, down to the table at level bottom.
func (s *Sequencer[D]) linkChain(pt *pagetables.PageTables[D], va uintptr, chain []uintptr, bottom pagetables.Level) {
	va = bits.AlignDown(va, riscv.PageSize)
	for l := pagetables.RootLevel[D](); l > bottom; l-- {
		pt.Map(s.alloc, va, chain[l-1], l.Size(), pagetables.PageTable)
	}
}

// mapKernel maps the kernel image at its link address with megapages.
func (s *Sequencer[D]) mapKernel(pt *pagetables.PageTables[D]) {
	p := &s.params
	if p.XIP.Enabled() {
		pt.MapRange(s.alloc, KernelLinkAddr, p.XIP.PA, roundUpPMD(p.XIP.Size), riscv.PMDSize, pagetables.PageKernelExec)
		pt.MapRange(s.alloc, KernelLinkAddr+XIPOffset, p.LoadPA, roundUpPMD(p.LoadSize), riscv.PMDSize, pagetables.PageKernel)
		return
	}
	pt.MapRange(s.alloc, KernelLinkAddr, p.LoadPA, roundUpPMD(p.LoadSize), riscv.PMDSize, pagetables.PageKernelExec)
}

func roundUpPMD(size uint64) uint64 {
	r, _ := bits.AlignUp(size, riscv.PMDSize)
	return r
}

// SetupVM builds the early and trampoline roots with translation disabled.
func (s *Sequencer[D]) SetupVM() {
	s.enter(stageNone)
	p := &s.params
	h := s.mach.Hart
	if h.Mode() != pagetables.ModeBare {
		s.fatalf("", uintptr(h.SATP()), 0, "translation is already enabled")
	}
	if !bits.IsAligned(p.LoadPA, riscv.PMDSize) {
		s.fatalf("", p.LoadPA, riscv.PMDSize, "kernel load address is not megapage aligned")
	}
	if p.XIP.Enabled() && !bits.IsAligned(p.XIP.PA, riscv.PMDSize) {
		s.fatalf("", p.XIP.PA, riscv.PMDSize, "kernel flash address is not megapage aligned")
	}

	s.alloc = &earlyAllocator{
		hart:      h,
		tables:    s.syms.Early,
		kernelVA:  KernelLinkAddr,
		levelName: s.levelName,
	}

	// The loader leaves the image's static pages zeroed.
	for _, pa := range s.syms.Tables() {
		clear(h.Table(pa)[:])
	}
	s.early = pagetables.New[D](h.Table(s.syms.EarlyRoot), s.syms.EarlyRoot)
	s.trampoline = pagetables.New[D](h.Table(s.syms.TrampolineRoot), s.syms.TrampolineRoot)
	s.active = s.early

	s.linkChain(s.early, s.layout.FixaddrStart, s.syms.Fixmap[:], pagetables.PTELevel)

	textPA := p.LoadPA
	if p.XIP.Enabled() {
		textPA = p.XIP.PA
	}
	s.linkChain(s.trampoline, KernelLinkAddr, s.syms.Trampoline[:], pagetables.PMDLevel)
	s.trampoline.Map(s.alloc, KernelLinkAddr, textPA, riscv.PMDSize, pagetables.PageKernelExec)

	s.mapKernel(s.early)

	if p.BuiltinDTB {
		s.dtbEarlyVA = s.kernelVA(p.DTBPA)
	} else {
		// Two megapages, so that a blob crossing a megapage boundary
		// is still reachable. Both leaves live in the one EarlyDTB table.
		const _ = uint(riscv.PMDSize*riscv.EntriesPerTable - 2*riscv.PMDSize)
		base := s.layout.DTBEarlyVA
		pa := bits.AlignDown(p.DTBPA, riscv.PMDSize)
		s.linkChain(s.early, base, s.syms.EarlyDTB[:], pagetables.PMDLevel)
		s.early.Map(s.alloc, base, pa, riscv.PMDSize, pagetables.PageKernel)
		s.early.Map(s.alloc, base+riscv.PMDSize, pa+riscv.PMDSize, riscv.PMDSize, pagetables.PageKernel)
		s.dtbEarlyVA = base + p.DTBPA&(riscv.PMDSize-1)
	}

	s.fix = fixmap.New(s.layout.FixaddrStart, s.kernelVA(s.syms.Fixmap[pagetables.PTELevel]), h)
	s.fix.CheckPool(h.Table(s.syms.Fixmap[pagetables.PMDLevel]))

	s.stage = stageSetupVM
	log.Infof("bootvm: early page tables built (%s): kernel %#x -> %#x, device tree at %#x", s.layout.Name, KernelLinkAddr, textPA, s.dtbEarlyVA)
}

// Relocate enables translation, first on the trampoline root and then on
// the early root, and binds the fixmap strategy.
func (s *Sequencer[D]) Relocate() {
	s.enter(stageSetupVM)
	var d D
	h := s.mach.Hart

	h.SetRoot(s.trampoline.RootPhysical(), d.Mode())
	h.InvalidateAll()
	if _, err := h.Translate(KernelLinkAddr, riscv.ReadExec); err != nil {
		s.fatalf(s.levelName(pagetables.RootLevel[D]()), KernelLinkAddr, riscv.PMDSize, "trampoline does not map the kernel: %v", err)
	}

	h.SetRoot(s.early.RootPhysical(), d.Mode())
	h.InvalidateAll()
	if _, err := h.Translate(s.kernelVA(s.syms.EarlyRoot), riscv.ReadWrite); err != nil {
		s.fatalf(s.levelName(pagetables.RootLevel[D]()), s.kernelVA(s.syms.EarlyRoot), riscv.PageSize, "early root does not map the image: %v", err)
	}

	// Tables now come from memblock, which must not hand out the image or
	// the device tree.
	s.reserveFirmwareData()

	s.phase = MmuEnabledTransitional
	s.alloc = &fixmapAllocator{
		hart:      h,
		mb:        s.mb,
		fix:       s.fix,
		levelName: s.levelName,
	}
	s.stage = stageRelocated
	log.Infof("bootvm: translation enabled, satp %#x", h.SATP())
}

// reserveFirmwareData reserves the kernel image, rounded up to a megapage,
// and the pages holding the device tree as reported at hand-over.
func (s *Sequencer[D]) reserveFirmwareData() {
	p := &s.params
	kernelSize := roundUpPMD(p.LoadSize)
	if err := s.mb.Reserve(p.LoadPA, kernelSize); err != nil {
		s.fatalf("", p.LoadPA, kernelSize, "reserving the kernel: %v", err)
	}
	if p.BuiltinDTB {
		return
	}
	start := uintptr(riscv.Addr(p.DTBPA).RoundDown())
	end, ok := riscv.Addr(p.DTBPA + uintptr(p.DTBSize)).RoundUp()
	if !ok {
		s.fatalf("", p.DTBPA, uint64(p.DTBSize), "device tree overflows the address space")
	}
	if err := s.mb.Reserve(start, uint64(uintptr(end)-start)); err != nil {
		s.fatalf("", p.DTBPA, uint64(p.DTBSize), "reserving the device tree: %v", err)
	}
}

// lastPageGuard returns the allocation limit keeping the last page of DRAM
// out of memblock when its linear mapping ends at the top of the address
// space, so that no allocation ends at address zero.
func lastPageGuard(linearOffset, dramEnd uintptr) (uintptr, bool) {
	if dramEnd == 0 || dramEnd-1+linearOffset != AddressSpaceEnd {
		return 0, false
	}
	return dramEnd - 1 - riscv.PageSize, true
}

// SetupBootmem trims and reserves physical memory ahead of building the
// linear mapping.
func (s *Sequencer[D]) SetupBootmem() {
	s.enter(stageRelocated)
	p := &s.params
	mb := s.mb

	limit := s.layout.KernVirtSize
	if p.MemoryLimit != 0 {
		limit = min(limit, p.MemoryLimit)
	}
	mb.EnforceMemoryLimit(limit)

	kernelSize := roundUpPMD(p.LoadSize)
	if err := mb.Reserve(p.LoadPA, kernelSize); err != nil {
		s.fatalf("", p.LoadPA, kernelSize, "reserving the kernel: %v", err)
	}
	if start := mb.StartOfDRAM(); start < p.LoadPA {
		// Memory below the kernel has no linear mapping.
		if err := mb.Reserve(start, uint64(p.LoadPA-start)); err != nil {
			s.fatalf("", start, uint64(p.LoadPA-start), "reserving memory below the kernel: %v", err)
		}
		log.Infof("bootvm: %#x bytes below the kernel are not usable", p.LoadPA-start)
	}

	if limit, ok := lastPageGuard(s.offsets.Linear, mb.EndOfDRAM()); ok {
		mb.SetCurrentLimit(limit)
	}

	s.minLowPFN = riscv.Addr(mb.StartOfDRAM() + riscv.PageSize - 1).PFN()
	s.maxLowPFN = riscv.Addr(mb.EndOfDRAM()).PFN()

	if !p.BuiltinDTB {
		hdr := make([]byte, fdt.HeaderSize)
		if err := s.mach.Hart.Read(s.dtbEarlyVA, hdr); err != nil {
			s.fatalf("", s.dtbEarlyVA, fdt.HeaderSize, "reading the device tree: %v", err)
		}
		size, err := fdt.ReadTotalSize(hdr)
		if err != nil {
			s.fatalf("", p.DTBPA, fdt.HeaderSize, "bad device tree: %v", err)
		}
		if err := mb.Reserve(p.DTBPA, uint64(size)); err != nil {
			s.fatalf("", p.DTBPA, uint64(size), "reserving the device tree: %v", err)
		}
	}

	s.stage = stageBootmem
	log.Infof("bootvm: %#x bytes of memory, %#x reserved, low pfns [%#x, %#x)", mb.PhysMemSize(), mb.ReservedSize(), s.minLowPFN, s.maxLowPFN)
	mb.Dump()
}

// PagingInit builds the permanent root, installs it and binds the late
// strategy.
func (s *Sequencer[D]) PagingInit() {
	s.enter(stageBootmem)
	var d D
	p := &s.params
	h := s.mach.Hart
	root := pagetables.RootLevel[D]()

	s.swapper = pagetables.New[D](h.Table(s.kernelVA(s.syms.SwapperRoot)), s.syms.SwapperRoot)
	s.active = s.swapper

	// The fixmap tables below the root are shared with the early root.
	s.swapper.Map(s.alloc, s.layout.FixaddrStart, s.syms.Fixmap[root-1], root.Size(), pagetables.PageTable)

	s.mb.ForEachMemRange(func(r memblock.Region) bool {
		start, end := r.Base, r.End()
		if end <= p.LoadPA {
			log.Warningf("bootvm: memory %v lies below the kernel and is not mapped", r)
			return true
		}
		start = max(start, p.LoadPA)
		length := uint64(end - start)
		size := pagetables.BestMapSize[D](s.linearVA(start), start, length)
		log.Debugf("bootvm: linear map [%#x, %#x) at %#x with %#x pages", start, end, s.linearVA(start), size)
		s.swapper.MapRange(s.alloc, s.linearVA(start), start, length, size, pagetables.PageKernel)
		return true
	})

	s.mapKernel(s.swapper)

	for l := pagetables.PTELevel; l < pagetables.MaxLevel; l++ {
		s.fix.Clear(fixmap.TableSlot(l))
	}

	h.SetRoot(s.swapper.RootPhysical(), d.Mode())
	h.InvalidateAll()
	if _, err := h.Translate(s.linearVA(p.LoadPA), riscv.ReadWrite); err != nil {
		s.fatalf(s.levelName(root), s.linearVA(p.LoadPA), riscv.PageSize, "permanent root does not map the kernel linearly: %v", err)
	}

	start := uintptr(riscv.Addr(s.mb.StartOfDRAM()).RoundDown())
	end := uintptr(riscv.Addr(s.mb.EndOfDRAM()).RoundDown())
	pages, err := pgalloc.New(start, end)
	if err != nil {
		s.fatalf("", start, uint64(end-start), "creating the page allocator: %v", err)
	}
	s.pages = pages

	s.phase = FullyMapped
	s.alloc = &lateAllocator{
		hart:      h,
		pages:     pages,
		linear:    s.offsets.Linear,
		levelName: s.levelName,
	}

	if err := h.Write(s.kernelVA(s.syms.ZeroPage), make([]byte, riscv.PageSize)); err != nil {
		s.fatalf("", s.kernelVA(s.syms.ZeroPage), riscv.PageSize, "clearing the zero page: %v", err)
	}

	s.stage = stagePaging
	log.Infof("bootvm: permanent page tables installed, satp %#x", h.SATP())
}

// MemInit hands the free memory left in memblock to the page allocator.
func (s *Sequencer[D]) MemInit() {
	s.enter(stagePaging)
	s.highMemory = s.linearVA(uintptr(s.maxLowPFN << riscv.PageShift))

	var pages uint64
	released := s.mb.Retire(func(r memblock.Region) {
		pages += s.pages.FreeRange(r.Base, r.Size)
	})
	log.Infof("bootvm: %#x bytes released to the page allocator, %d pages free", released, pages)

	s.protectKernel()

	if log.IsLogging(log.Debug) {
		var b strings.Builder
		if err := s.layout.Print(&b, s.highMemory); err == nil {
			for _, line := range strings.Split(strings.TrimSuffix(b.String(), "\n"), "\n") {
				log.Debugf("%s", line)
			}
		}
	}
	s.stage = stageMemInit
}

// protectKernel applies the section permissions to the kernel mapping and
// makes the linear alias of text and read-only data read-only. Splitting
// megapages takes tables from the page allocator.
func (s *Sequencer[D]) protectKernel() {
	p := &s.params
	if p.TextSize == 0 {
		return
	}
	ro := p.TextSize + p.RODataSize
	s.swapper.Protect(s.alloc, KernelLinkAddr, p.TextSize, pagetables.PageKernelReadExec)
	if p.RODataSize != 0 {
		s.swapper.Protect(s.alloc, KernelLinkAddr+uintptr(p.TextSize), p.RODataSize, pagetables.PageKernelReadOnly)
	}
	if p.XIP.Enabled() {
		// The writable part in RAM is already mapped without execute.
		if rest := roundUpPMD(p.XIP.Size) - ro; rest != 0 {
			s.swapper.Protect(s.alloc, KernelLinkAddr+uintptr(ro), rest, pagetables.PageKernelReadOnly)
		}
	} else {
		s.swapper.Protect(s.alloc, KernelLinkAddr+uintptr(ro), roundUpPMD(p.LoadSize)-ro, pagetables.PageKernel)
		s.swapper.Protect(s.alloc, s.linearVA(p.LoadPA), ro, pagetables.PageKernelReadOnly)
	}
	s.mach.Hart.InvalidateAll()
	log.Infof("bootvm: kernel text %#x and read-only data %#x protected", p.TextSize, p.RODataSize)
}

// Boot runs the whole sequence.
func (s *Sequencer[D]) Boot() {
	s.SetupVM()
	s.Relocate()
	s.SetupBootmem()
	s.PagingInit()
	s.MemInit()
}

// Map inserts a mapping into the root under construction with the strategy
// of the current phase.
func (s *Sequencer[D]) Map(va, pa, size uintptr, prot pagetables.Prot) {
	if s.active == nil {
		s.fatalf("", va, uint64(size), "no page tables before setup_vm")
	}
	s.active.Map(s.alloc, va, pa, size, prot)
	if s.phase == PreMmuBootstrap {
		return
	}
	if size == riscv.PageSize {
		s.mach.Hart.Invalidate(va)
	} else {
		s.mach.Hart.InvalidateAll()
	}
}

// Lookup returns the translation of va in the root under construction.
func (s *Sequencer[D]) Lookup(va uintptr) (physical, size uintptr, prot pagetables.Prot, ok bool) {
	if s.active == nil {
		return 0, 0, 0, false
	}
	return s.active.Lookup(s.alloc, va)
}

// Ranges returns the coalesced leaves of the root under construction.
func (s *Sequencer[D]) Ranges() []pagetables.Range {
	if s.active == nil {
		return nil
	}
	return s.active.Ranges(s.alloc)
}

// EarlyIORemap maps device memory through a boot-time fixmap window.
func (s *Sequencer[D]) EarlyIORemap(pa uintptr, size uint64) (uintptr, error) {
	if s.phase == PreMmuBootstrap {
		s.fatalf("", pa, size, "fixmap used before translation is enabled")
	}
	return s.fix.EarlyIORemap(pa, size)
}

// EarlyIOUnmap releases a window returned by EarlyIORemap.
func (s *Sequencer[D]) EarlyIOUnmap(va uintptr, size uint64) error {
	if s.phase == PreMmuBootstrap {
		s.fatalf("", va, size, "fixmap used before translation is enabled")
	}
	return s.fix.EarlyIOUnmap(va, size)
}

// Complete returns true once boot memory has been handed to the page
// allocator.
func (s *Sequencer[D]) Complete() bool {
	return s.stage == stageMemInit
}

// Phase returns the current phase.
func (s *Sequencer[D]) Phase() Phase {
	return s.phase
}

// DTBEarlyVA returns the address of the device tree before the linear
// mapping exists.
func (s *Sequencer[D]) DTBEarlyVA() uintptr {
	return s.dtbEarlyVA
}

// Offsets returns the kernel address offsets.
func (s *Sequencer[D]) Offsets() Offsets {
	return s.offsets
}

// Symbols returns the placement of the static objects of the image.
func (s *Sequencer[D]) Symbols() Symbols {
	return s.syms
}

// Layout returns the virtual memory layout.
func (s *Sequencer[D]) Layout() Layout {
	return s.layout
}

// HighMemory returns the end of the linear mapping, once known.
func (s *Sequencer[D]) HighMemory() uintptr {
	return s.highMemory
}

// LowPFNs returns the first and last page frame numbers of DRAM.
func (s *Sequencer[D]) LowPFNs() (uint64, uint64) {
	return s.minLowPFN, s.maxLowPFN
}

// Memblock returns the early memory registry.
func (s *Sequencer[D]) Memblock() *memblock.Memblock {
	return s.mb
}

// PageAlloc returns the page allocator, or nil before PagingInit.
func (s *Sequencer[D]) PageAlloc() *pgalloc.Allocator {
	return s.pages
}

// Fixmap returns the fixmap manager, or nil before SetupVM.
func (s *Sequencer[D]) Fixmap() *fixmap.Manager {
	return s.fix
}

// Machine returns the machine being booted.
func (s *Sequencer[D]) Machine() *Machine {
	return s.mach
}
