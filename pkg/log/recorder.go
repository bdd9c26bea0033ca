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

package log

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Entry is one statement captured by a Recorder.
type Entry struct {
	Level   Level
	Message string
}

// Recorder is an Emitter that keeps every statement in memory. It is used by
// tests to assert on what the boot path reported.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// Emit implements Emitter.Emit.
func (r *Recorder) Emit(_ int, level Level, _ time.Time, format string, v ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, Entry{Level: level, Message: fmt.Sprintf(format, v...)})
}

// Entries returns a copy of the recorded statements.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries...)
}

// Contains returns true if any recorded statement at the given level or more
// severe contains substr.
func (r *Recorder) Contains(level Level, substr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Level <= level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}
