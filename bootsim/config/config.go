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

// Package config loads the description of a simulated machine from a TOML or
// YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"bootvm.dev/bootvm/pkg/bootvm"
	"github.com/BurntSushi/toml"
	yaml "gopkg.in/yaml.v2"
)

// Bank is a RAM bank.
type Bank struct {
	Base uint64 `toml:"base" yaml:"base"`
	Size uint64 `toml:"size" yaml:"size"`
}

// Config describes a machine and the page table format to boot it with.
type Config struct {
	// Levels is the number of translation levels: 3, 4 or 5.
	Levels int `toml:"levels" yaml:"levels"`

	Banks []Bank `toml:"bank" yaml:"banks"`

	// LoadPA and LoadSize locate the kernel image in RAM.
	LoadPA   uint64 `toml:"load_pa" yaml:"load_pa"`
	LoadSize uint64 `toml:"load_size" yaml:"load_size"`

	// XIPPA and XIPSize locate the flash of an execute-in-place kernel.
	XIPPA   uint64 `toml:"xip_pa" yaml:"xip_pa"`
	XIPSize uint64 `toml:"xip_size" yaml:"xip_size"`

	// TextSize and RODataSize split the image into sections protected once
	// boot completes. Zero leaves the image writable and executable.
	TextSize   uint64 `toml:"text_size" yaml:"text_size"`
	RODataSize uint64 `toml:"rodata_size" yaml:"rodata_size"`

	DTBPA      uint64 `toml:"dtb_pa" yaml:"dtb_pa"`
	DTBSize    uint32 `toml:"dtb_size" yaml:"dtb_size"`
	BuiltinDTB bool   `toml:"builtin_dtb" yaml:"builtin_dtb"`

	// MemoryLimit caps usable memory, like mem= on the kernel command line.
	MemoryLimit uint64 `toml:"memory_limit" yaml:"memory_limit"`
}

// Default returns the reference machine booted with three levels.
func Default() *Config {
	p := bootvm.DefaultParams()
	c := &Config{
		Levels:   3,
		LoadPA:   uint64(p.LoadPA),
		LoadSize: p.LoadSize,
		DTBPA:    uint64(p.DTBPA),
		DTBSize:  p.DTBSize,
	}
	for _, b := range p.Banks {
		c.Banks = append(c.Banks, Bank{Base: uint64(b.Base), Size: b.Size})
	}
	return c
}

// Load reads the file at path. The format is chosen by extension. An empty
// path yields the default configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	var c Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.DecodeFile(path, &c)
		if err != nil {
			return nil, fmt.Errorf("unable to decode %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys in %q: %v", path, undecoded)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("unable to open %q: %w", path, err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.SetStrict(true)
		if err := dec.Decode(&c); err != nil {
			return nil, fmt.Errorf("unable to decode %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown configuration format %q", ext)
	}
	if c.Levels == 0 {
		c.Levels = 3
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// Params returns the boot parameters described by c.
func (c *Config) Params() bootvm.Params {
	p := bootvm.Params{
		LoadPA:      uintptr(c.LoadPA),
		LoadSize:    c.LoadSize,
		XIP:         bootvm.XIP{PA: uintptr(c.XIPPA), Size: c.XIPSize},
		TextSize:    c.TextSize,
		RODataSize:  c.RODataSize,
		DTBPA:       uintptr(c.DTBPA),
		DTBSize:     c.DTBSize,
		BuiltinDTB:  c.BuiltinDTB,
		MemoryLimit: c.MemoryLimit,
	}
	for _, b := range c.Banks {
		p.Banks = append(p.Banks, bootvm.Bank{Base: uintptr(b.Base), Size: b.Size})
	}
	return p
}

// Validate checks c.
func (c *Config) Validate() error {
	if c.Levels < 3 || c.Levels > 5 {
		return fmt.Errorf("unsupported number of levels %d, must be 3, 4 or 5", c.Levels)
	}
	p := c.Params()
	return p.Validate()
}
