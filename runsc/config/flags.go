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
	"fmt"
	"reflect"
	"strconv"
)

// RegisterFlags registers flags used to populate Config. Flag defaults are
// the default configuration.
func RegisterFlags(flagSet *flag.FlagSet) {
	d := &defaultConfig
	flagSet.String("config", "", "path to a TOML (.toml) or YAML (.yaml, .yml) configuration file. Flags override its settings.")

	// Partition flags.
	flagSet.Uint("hpt-order", d.Order, "binary log of the hashed page table size in bytes.")
	flagSet.Uint64("lpid", d.LPID, "partition ID used for TLB invalidations.")
	flagSet.Int("vcpus", d.VCPUs, "number of vcpus.")
	flagSet.Bool("mmu-notifiers", d.MMUNotifiers, "look up host translations on demand instead of pinning guest memory when memslots are added.")

	// Real-mode CPU flags.
	flagSet.Bool("pin-cpus", d.PinCPUs, "pin each vcpu thread to the host CPU of the same number.")
	flagSet.Bool("realtime", d.RealTime, "run vcpu threads with SCHED_FIFO priority. Requires CAP_SYS_NICE.")

	// Stress flags.
	flagSet.Int("iterations", d.Iterations, "number of guest page table operations each vcpu runs.")
	flagSet.Uint64("seed", d.Seed, "seed for the guest operation mix.")

	// Logging flags.
	flagSet.Bool("debug", d.Debug, "enable debug logging.")
	flagSet.String("log", d.LogFilename, "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", d.LogFormat, "log format: text (default), json, or json-k8s.")
}

// NewFromFlags creates a new Config with values from the file named by the
// config flag, if any, overridden by the flags set in flagSet.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := Default()
	if fl := flagSet.Lookup("config"); fl != nil && fl.Value.String() != "" {
		var err error
		if conf, err = Load(fl.Value.String()); err != nil {
			return nil, err
		}
	}

	set := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok || !set[name] {
			// No flag for this field, or the flag wasn't given.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config,
// omitting flags at their default value. Memslots have no flags.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
