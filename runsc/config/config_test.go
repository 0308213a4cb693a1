// Copyright 2020 The gVisor Authors.
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
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/hpt/pkg/hostarch"
)

func newFlags(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse(args); err != nil {
		t.Fatalf("Parse(%v) failed: %v", args, err)
	}
	return testFlags
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("config from no flags mismatch (-want +got):\n%s", diff)
	}

	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestDefaultIsCopy(t *testing.T) {
	c := Default()
	c.Memslots[0].NPages = 1
	c.Memslots = append(c.Memslots, Memslot{ID: 2})
	d := Default()
	if d.Memslots[0].NPages != 4096 || len(d.Memslots) != 1 {
		t.Errorf("Default() memslots = %+v, modified through an earlier copy", d.Memslots)
	}
}

func TestFromFlags(t *testing.T) {
	c, err := NewFromFlags(newFlags(t, "--debug", "--vcpus=8", "--hpt-order=24", "--log-format=json", "--seed=42"))
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := 8; c.VCPUs != want {
		t.Errorf("VCPUs=%v, want: %v", c.VCPUs, want)
	}
	if want := uint(24); c.Order != want {
		t.Errorf("Order=%v, want: %v", c.Order, want)
	}
	if want := "json"; c.LogFormat != want {
		t.Errorf("LogFormat=%v, want: %v", c.LogFormat, want)
	}
	if want := uint64(42); c.Seed != want {
		t.Errorf("Seed=%v, want: %v", c.Seed, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	args := []string{"--hpt-order=22", "--mmu-notifiers=true", "--iterations=7", "--debug=true"}
	c, err := NewFromFlags(newFlags(t, args...))
	if err != nil {
		t.Fatal(err)
	}
	got := c.ToFlags()
	if diff := cmp.Diff(args, got); diff != "" {
		t.Errorf("ToFlags mismatch (-want +got):\n%s", diff)
	}
}

const tomlConfig = `
hpt_order = 22
vcpus = 2
mmu_notifiers = true

[[memslot]]
id = 1
base_gfn = 0
npages = 256
host_addr = 0x10000000

[[memslot]]
id = 2
base_gfn = 0x1000
npages = 16
host_addr = 0x20000000
host_pa = 0x80000000
memory_type = "uc"
`

const yamlConfig = `
hpt_order: 22
vcpus: 2
mmu_notifiers: true
memslots:
  - id: 1
    base_gfn: 0
    npages: 256
    host_addr: 0x10000000
  - id: 2
    base_gfn: 0x1000
    npages: 16
    host_addr: 0x20000000
    host_pa: 0x80000000
    memory_type: uc
`

func TestLoad(t *testing.T) {
	want := Default()
	want.Order = 22
	want.VCPUs = 2
	want.MMUNotifiers = true
	want.Memslots = []Memslot{
		{ID: 1, NPages: 256, HostAddr: 0x10000000},
		{ID: 2, BaseGFN: 0x1000, NPages: 16, HostAddr: 0x20000000, HostPA: 0x80000000, MemoryType: "uc"},
	}
	for _, tc := range []struct {
		name     string
		contents string
	}{
		{name: "config.toml", contents: tomlConfig},
		{name: "config.yaml", contents: yamlConfig},
		{name: "config.yml", contents: yamlConfig},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Load(writeFile(t, tc.name, tc.contents))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Load mismatch (-want +got):\n%s", diff)
			}
			mt, err := got.Memslots[1].Type()
			if err != nil || mt != hostarch.MemoryTypeUncached {
				t.Errorf("Type() = %v, %v, want %v", mt, err, hostarch.MemoryTypeUncached)
			}
		})
	}
}

func TestLoadErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		want     string
	}{
		{name: "unknown.toml", contents: "bogus = 1\n", want: "unknown keys"},
		{name: "unknown.yaml", contents: "bogus: 1\n", want: "bogus"},
		{name: "bad.toml", contents: "hpt_order = \"big\"\n", want: "error parsing"},
		{name: "config.json", contents: "{}", want: "extension"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.name, tc.contents))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Load error = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeFile(t, "config.toml", tomlConfig)
	c, err := NewFromFlags(newFlags(t, "--config="+path, "--vcpus=6"))
	if err != nil {
		t.Fatal(err)
	}
	if c.VCPUs != 6 {
		t.Errorf("VCPUs=%d, want 6 from the flag", c.VCPUs)
	}
	if c.Order != 22 || !c.MMUNotifiers {
		t.Errorf("Order=%d MMUNotifiers=%t, want 22 and true from the file", c.Order, c.MMUNotifiers)
	}
	if len(c.Memslots) != 2 {
		t.Errorf("len(Memslots)=%d, want 2 from the file", len(c.Memslots))
	}
}

func TestLoadKeepsDefaultMemslots(t *testing.T) {
	c, err := Load(writeFile(t, "config.toml", "vcpus = 3\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if diff := cmp.Diff(Default().Memslots, c.Memslots); diff != "" {
		t.Errorf("Memslots mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(c *Config)
	}{
		{name: "small order", modify: func(c *Config) { c.Order = 17 }},
		{name: "large order", modify: func(c *Config) { c.Order = 40 }},
		{name: "no vcpus", modify: func(c *Config) { c.VCPUs = 0 }},
		{name: "negative iterations", modify: func(c *Config) { c.Iterations = -1 }},
		{name: "log format", modify: func(c *Config) { c.LogFormat = "xml" }},
		{name: "no memslots", modify: func(c *Config) { c.Memslots = nil }},
		{name: "duplicate memslot", modify: func(c *Config) { c.Memslots = append(c.Memslots, c.Memslots[0]) }},
		{name: "empty memslot", modify: func(c *Config) { c.Memslots[0].NPages = 0 }},
		{name: "memory type", modify: func(c *Config) { c.Memslots[0].MemoryType = "wt" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.modify(c)
			if err := c.validate(); err == nil {
				t.Errorf("validate succeeded, want error")
			}
		})
	}
	if err := Default().validate(); err != nil {
		t.Errorf("validate of default config failed: %v", err)
	}
}
