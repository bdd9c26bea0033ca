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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

const tomlConfig = `
levels = 4
load_pa = 0x80200000
load_size = 0x100000
text_size = 0x80000
rodata_size = 0x40000
dtb_pa = 0x87e00000
dtb_size = 0x2000

[[bank]]
base = 0x80000000
size = 0x8000000
`

const yamlConfig = `
levels: 4
load_pa: 0x80200000
load_size: 0x100000
text_size: 0x80000
rodata_size: 0x40000
dtb_pa: 0x87e00000
dtb_size: 0x2000
banks:
  - base: 0x80000000
    size: 0x8000000
`

func TestLoad(t *testing.T) {
	want := Default()
	want.Levels = 4
	want.TextSize, want.RODataSize = 0x80000, 0x40000
	for _, tc := range []struct {
		name     string
		contents string
	}{
		{"machine.toml", tomlConfig},
		{"machine.yaml", yamlConfig},
		{"machine.yml", yamlConfig},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Load(writeFile(t, tc.name, tc.contents))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadDefault(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		file     string
		contents string
		msg      string
	}{
		{"Unknown TOML key", "bad.toml", tomlConfig + "colour = 1\n", "unknown keys"},
		{"Unknown YAML key", "bad.yaml", yamlConfig + "colour: 1\n", "not found"},
		{"Unknown extension", "bad.json", "{}", "unknown configuration format"},
		{"Bad levels", "bad.toml", strings.Replace(tomlConfig, "levels = 4", "levels = 6", 1), "unsupported number of levels"},
		{"No memory", "bad.yaml", "levels: 3\n", "no memory banks"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.file, tc.contents))
			if err == nil || !strings.Contains(err.Error(), tc.msg) {
				t.Errorf("Load = %v, wanted an error containing %q", err, tc.msg)
			}
		})
	}
}
