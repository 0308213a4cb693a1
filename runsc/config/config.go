// Copyright 2026 The gVisor Authors.
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

// Package config provides basic infrastructure to set configuration settings
// for the hpt tool. Settings come from a TOML or YAML file and from command
// line flags, which take precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"gvisor.dev/hpt/pkg/abi/book3s"
	"gvisor.dev/hpt/pkg/hostarch"
	"gvisor.dev/hpt/pkg/hpt"
	"gvisor.dev/hpt/pkg/log"
)

// Memslot describes a memslot of the simulated partition and the host
// memory backing it.
type Memslot struct {
	ID      int    `toml:"id" yaml:"id"`
	BaseGFN uint64 `toml:"base_gfn" yaml:"base_gfn"`
	NPages  uint64 `toml:"npages" yaml:"npages"`

	// HostAddr is the host virtual address of the first frame.
	HostAddr uint64 `toml:"host_addr" yaml:"host_addr"`

	// HostPA is the host physical address backing HostAddr.
	HostPA uint64 `toml:"host_pa" yaml:"host_pa"`

	// HostShift is the binary log of the host page size. Zero means base
	// pages.
	HostShift uint `toml:"host_shift" yaml:"host_shift"`

	// MemoryType is the host caching mode: wb, wc or uc.
	MemoryType string `toml:"memory_type" yaml:"memory_type"`

	ReadOnly bool `toml:"read_only" yaml:"read_only"`
}

// Type returns the parsed memory type of m.
func (m *Memslot) Type() (hostarch.MemoryType, error) {
	if m.MemoryType == "" {
		return hostarch.MemoryTypeWriteBack, nil
	}
	for mt := hostarch.MemoryType(0); mt < hostarch.NumMemoryTypes; mt++ {
		if strings.EqualFold(m.MemoryType, mt.ShortString()) || strings.EqualFold(m.MemoryType, mt.String()) {
			return mt, nil
		}
	}
	return 0, fmt.Errorf("invalid memory type %q, must be 'wb', 'wc' or 'uc'", m.MemoryType)
}

// Config holds configuration that is not part of the partition's guest
// state. Fields with a flag tag can be set from the command line.
type Config struct {
	// Order is the binary log of the hashed page table size in bytes.
	Order uint `flag:"hpt-order" toml:"hpt_order" yaml:"hpt_order"`

	// LPID is the partition ID used for invalidations.
	LPID uint64 `flag:"lpid" toml:"lpid" yaml:"lpid"`

	// VCPUs is the number of vcpus, each run on its own real-mode CPU.
	VCPUs int `flag:"vcpus" toml:"vcpus" yaml:"vcpus"`

	// MMUNotifiers selects on-demand host translation instead of pinning.
	MMUNotifiers bool `flag:"mmu-notifiers" toml:"mmu_notifiers" yaml:"mmu_notifiers"`

	// PinCPUs pins each real-mode CPU to the host processor of the same
	// number.
	PinCPUs bool `flag:"pin-cpus" toml:"pin_cpus" yaml:"pin_cpus"`

	// RealTime runs real-mode CPUs at SCHED_FIFO priority.
	RealTime bool `flag:"realtime" toml:"realtime" yaml:"realtime"`

	// Iterations is the number of operations each vcpu runs in a stress
	// run.
	Iterations int `flag:"iterations" toml:"iterations" yaml:"iterations"`

	// Seed seeds the stress run.
	Seed uint64 `flag:"seed" toml:"seed" yaml:"seed"`

	// Debug enables debug logging.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// LogFilename is the file logs are written to, or empty for stderr.
	LogFilename string `flag:"log" toml:"log" yaml:"log"`

	// LogFormat is the log format: text, json or json-k8s.
	LogFormat string `flag:"log-format" toml:"log_format" yaml:"log_format"`

	// Memslots are the memslots of the partition. They can only be set
	// from a file.
	Memslots []Memslot `toml:"memslot" yaml:"memslots"`
}

// defaultConfig is the configuration used when neither a file nor a flag
// sets a field. It must not be modified; use Default.
var defaultConfig = Config{
	Order:      20,
	LPID:       1,
	VCPUs:      4,
	Iterations: 10000,
	Seed:       1,
	LogFormat:  "text",
	Memslots: []Memslot{
		{
			ID:         1,
			BaseGFN:    0,
			NPages:     4096,
			HostAddr:   0x10000000,
			MemoryType: "wb",
		},
	},
}

// Default returns a copy of the default configuration.
func Default() *Config {
	return deepcopy.Copy(&defaultConfig).(*Config)
}

// Load returns the default configuration overlaid with the file at path.
// The format is chosen by extension: .toml, or .yaml and .yml. Memslots in
// the file replace the default memslots.
func Load(path string) (*Config, error) {
	conf := Default()
	conf.Memslots = nil
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		md, err := toml.DecodeFile(path, conf)
		if err != nil {
			return nil, fmt.Errorf("error parsing %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys in %q: %v", path, undecoded)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(conf); err != nil {
			return nil, fmt.Errorf("error parsing %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown config file extension %q, must be .toml, .yaml or .yml", ext)
	}
	if len(conf.Memslots) == 0 {
		conf.Memslots = Default().Memslots
	}
	return conf, nil
}

func (c *Config) validate() error {
	if c.Order < book3s.PPC_MIN_HPT_ORDER || c.Order > hpt.MaxSupportedOrder {
		return fmt.Errorf("hpt-order %d not in [%d, %d]", c.Order, book3s.PPC_MIN_HPT_ORDER, hpt.MaxSupportedOrder)
	}
	if c.VCPUs < 1 {
		return fmt.Errorf("vcpus must be at least 1, got %d", c.VCPUs)
	}
	if c.Iterations < 0 {
		return fmt.Errorf("iterations must not be negative, got %d", c.Iterations)
	}
	switch c.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", c.LogFormat)
	}
	if len(c.Memslots) == 0 {
		return fmt.Errorf("at least one memslot is required")
	}
	ids := make(map[int]struct{})
	for i := range c.Memslots {
		m := &c.Memslots[i]
		if _, ok := ids[m.ID]; ok {
			return fmt.Errorf("duplicate memslot ID %d", m.ID)
		}
		ids[m.ID] = struct{}{}
		if m.NPages == 0 {
			return fmt.Errorf("memslot %d has no pages", m.ID)
		}
		if _, err := m.Type(); err != nil {
			return fmt.Errorf("memslot %d: %w", m.ID, err)
		}
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %v", name, obj.Field(i).Interface())
	}
	for _, m := range c.Memslots {
		log.Infof("\tmemslot %d: gfn [%#x, %#x) at hva %#x, %s", m.ID, m.BaseGFN, m.BaseGFN+m.NPages, m.HostAddr, m.MemoryType)
	}
}
