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

package pagetables

// Allocator is used to allocate and address table pages.
//
// Both operations are given the level of the table concerned, so that an
// implementation may treat levels differently. Neither returns an error:
// an implementation that cannot satisfy a request halts.
type Allocator interface {
	// AllocTable returns the physical address of a page that will hold a
	// new table at level, created to translate va. The engine zeroes it.
	AllocTable(level Level, va uintptr) uintptr

	// TableFor returns a writable view of the table at level located at
	// physical. The view may be invalidated by the next call for the same
	// level.
	TableFor(level Level, physical uintptr) *PTEs
}
