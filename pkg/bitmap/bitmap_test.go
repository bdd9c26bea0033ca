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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func ones(b *Bitmap) []uint64 {
	var r []uint64
	for i, ok := b.FirstOne(0); ok; i, ok = b.FirstOne(i + 1) {
		r = append(r, i)
	}
	return r
}

func TestAddRemove(t *testing.T) {
	b := New(130)
	for _, i := range []uint64{0, 63, 64, 129} {
		if !b.Add(i) {
			t.Errorf("Add(%d) reported the bit already set", i)
		}
	}
	if b.Add(63) {
		t.Errorf("second Add(63) reported a change")
	}
	if diff := cmp.Diff([]uint64{0, 63, 64, 129}, ones(&b)); diff != "" {
		t.Errorf("set bits mismatch (-want +got):\n%s", diff)
	}
	if !b.Remove(64) || b.Remove(64) {
		t.Errorf("Remove(64) did not report exactly one change")
	}
	if b.Count() != 3 {
		t.Errorf("Count() = %d, wanted 3", b.Count())
	}
}

func TestRanges(t *testing.T) {
	for _, test := range []struct {
		name       string
		set        [2]uint64
		clear      [2]uint64
		wantCount  uint64
		wantFirst0 uint64
	}{
		{
			name:       "Within one word",
			set:        [2]uint64{3, 9},
			clear:      [2]uint64{4, 6},
			wantCount:  4,
			wantFirst0: 0,
		},
		{
			name:       "Across words",
			set:        [2]uint64{0, 200},
			clear:      [2]uint64{60, 130},
			wantCount:  130,
			wantFirst0: 60,
		},
		{
			name:       "Whole words",
			set:        [2]uint64{0, 256},
			clear:      [2]uint64{64, 128},
			wantCount:  192,
			wantFirst0: 64,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			b := New(256)
			b.SetRange(test.set[0], test.set[1])
			b.ClearRange(test.clear[0], test.clear[1])
			if got := b.Count(); got != test.wantCount {
				t.Errorf("Count() = %d, wanted %d", got, test.wantCount)
			}
			if got, ok := b.FirstZero(0); !ok || got != test.wantFirst0 {
				t.Errorf("FirstZero(0) = %d, %t, wanted %d", got, ok, test.wantFirst0)
			}
			if uint64(len(ones(&b))) != test.wantCount {
				t.Errorf("set bits %v disagree with Count() %d", ones(&b), test.wantCount)
			}
		})
	}
}

func TestFull(t *testing.T) {
	b := NewFull(70)
	if b.Count() != 70 {
		t.Errorf("Count() = %d, wanted 70", b.Count())
	}
	// Bits past the size never count as free.
	if i, ok := b.FirstZero(0); ok {
		t.Errorf("FirstZero(0) = %d in a full bitmap", i)
	}
	b.Remove(69)
	if i, ok := b.FirstZero(10); !ok || i != 69 {
		t.Errorf("FirstZero(10) = %d, %t, wanted 69", i, ok)
	}
}

func TestOutOfRangePanics(t *testing.T) {
	b := New(10)
	defer func() {
		if recover() == nil {
			t.Errorf("Add(10) did not panic")
		}
	}()
	b.Add(10)
}
