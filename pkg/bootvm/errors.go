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

	"bootvm.dev/bootvm/pkg/fixmap"
	"bootvm.dev/bootvm/pkg/log"
	"bootvm.dev/bootvm/pkg/mmu"
	"bootvm.dev/bootvm/pkg/pagetables"
)

// Phase is a stage of the address space bootstrap. Phases only advance.
type Phase int

const (
	// PreMmuBootstrap runs with translation disabled. Only the static
	// tables of the image can back new levels.
	PreMmuBootstrap Phase = iota

	// MmuEnabledTransitional runs on the early root. New levels come from
	// memblock and are reached through the fixmap.
	MmuEnabledTransitional

	// FullyMapped runs on the permanent root. New levels come from the page
	// allocator and are reached through the linear mapping.
	FullyMapped
)

// String implements fmt.Stringer.String.
func (p Phase) String() string {
	switch p {
	case PreMmuBootstrap:
		return "PreMmuBootstrap"
	case MmuEnabledTransitional:
		return "MmuEnabledTransitional"
	case FullyMapped:
		return "FullyMapped"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// BootError is an unrecoverable boot failure.
type BootError struct {
	Phase Phase

	// Level names the table level concerned, if any.
	Level string

	Addr uintptr
	Size uint64
	Msg  string
}

// Error implements error.Error.
func (e *BootError) Error() string {
	s := fmt.Sprintf("boot halted in %v", e.Phase)
	if e.Level != "" {
		s += " at " + e.Level
	}
	return fmt.Sprintf("%s: addr %#x size %#x: %s", s, e.Addr, e.Size, e.Msg)
}

// fatal reports e and halts.
func fatal(e *BootError) {
	log.Warningf("%v", e)
	panic(e)
}

// Run calls fn and converts a halt raised by the bootstrap path into an
// error. Any other panic is propagated.
func Run(fn func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		var (
			be *BootError
			me *pagetables.MapError
			se *fixmap.SlotError
			mf *mmu.Fault
		)
		e, ok := r.(error)
		if !ok || !(errors.As(e, &be) || errors.As(e, &me) || errors.As(e, &se) || errors.As(e, &mf)) {
			panic(r)
		}
		if be == nil {
			log.Warningf("boot halted: %v", e)
		}
		err = e
	}()
	fn()
	return nil
}
