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

package riscv

import "fmt"

// MemoryType specifies CPU memory access behavior.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is the default memory type. Under Svpbmt it is
	// encoded as PBMT=PMA: the physical memory attributes of the region
	// apply. It must be the zero value for MemoryType.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteCombine is encoded as PBMT=NC: non-cacheable,
	// idempotent, weakly-ordered main memory.
	MemoryTypeWriteCombine

	// MemoryTypeUncached is encoded as PBMT=IO: non-cacheable,
	// non-idempotent, strongly-ordered I/O memory.
	MemoryTypeUncached

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// PBMT returns the two-bit Svpbmt encoding of mt.
func (mt MemoryType) PBMT() uint64 {
	switch mt {
	case MemoryTypeWriteCombine:
		return 1
	case MemoryTypeUncached:
		return 2
	default:
		return 0
	}
}

// MemoryTypeFromPBMT decodes a two-bit Svpbmt field.
func MemoryTypeFromPBMT(pbmt uint64) MemoryType {
	switch pbmt {
	case 1:
		return MemoryTypeWriteCombine
	case 2:
		return MemoryTypeUncached
	default:
		return MemoryTypeWriteBack
	}
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WriteBack"
	case MemoryTypeWriteCombine:
		return "WriteCombine"
	case MemoryTypeUncached:
		return "Uncached"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WB"
	case MemoryTypeWriteCombine:
		return "WC"
	case MemoryTypeUncached:
		return "UC"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}
