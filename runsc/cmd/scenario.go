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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/hpt/pkg/abi/book3s"
	"gvisor.dev/hpt/pkg/hpt"
	"gvisor.dev/hpt/runsc/cmd/util"
	"gvisor.dev/hpt/runsc/config"
)

// scenario is a scripted sequence of hypercalls with a checked outcome.
type scenario struct {
	name        string
	description string
	notifiers   bool
	vcpus       int
	run         func(w io.Writer, m *machine, vcpus []*hpt.VCPU) error
}

const scenarioRW = book3s.PP_RWRW | book3s.HPTE_R_M

var scenarios = []scenario{
	{
		name:        "enter-read",
		description: "insert a 4K entry at slot 0 and read it back",
		vcpus:       1,
		run:         runEnterRead,
	},
	{
		name:        "protect",
		description: "revoke write access to a valid entry; the translation is broadcast-invalidated before the new permissions are visible",
		notifiers:   true,
		vcpus:       2,
		run:         runProtect,
	},
	{
		name:        "bulk-remove",
		description: "bulk remove four conditional requests, two matching, in one broadcast",
		notifiers:   true,
		vcpus:       2,
		run:         runBulkRemove,
	},
	{
		name:        "mmio-fault",
		description: "a data fault on an emulated MMIO entry escalates with an instruction fetch",
		notifiers:   true,
		vcpus:       1,
		run:         runMMIOFault,
	},
}

func runEnterRead(w io.Writer, m *machine, vcpus []*hpt.VCPU) error {
	c := vcpus[0]
	const rpn = 0x1000
	index, ret := c.Enter(0, 0, 0x100<<book3s.HPTE_V_AVPN_SHIFT|book3s.HPTE_V_VALID, rpn|scenarioRW)
	if ret != book3s.H_SUCCESS || index != 0 {
		return fmt.Errorf("H_ENTER = slot %d, status %d, want slot 0, H_SUCCESS", index, ret)
	}
	fmt.Fprintf(w, "H_ENTER: slot %d\n", index)

	var out [8]uint64
	if _, ret := c.Read(book3s.H_R_XLATE, 0, &out); ret != book3s.H_SUCCESS {
		return fmt.Errorf("H_READ = %d", ret)
	}
	if got := out[1] & book3s.HPTE_R_RPN; got != rpn {
		return fmt.Errorf("H_READ RPN = %#x, want %#x", got, rpn)
	}
	fmt.Fprintf(w, "H_READ: v=%#x r=%#x\n", out[0], out[1])
	return nil
}

func runProtect(w io.Writer, m *machine, vcpus []*hpt.VCPU) error {
	c := vcpus[0]
	const gfn = 1
	if _, ret := c.Enter(book3s.H_EXACT, 0, 0x101<<book3s.HPTE_V_AVPN_SHIFT|book3s.HPTE_V_VALID, gfn<<12|scenarioRW); ret != book3s.H_SUCCESS {
		return fmt.Errorf("H_ENTER = %d", ret)
	}
	m.hw.Reset()

	var stale bool
	m.hw.OnTLBIE = func(rb, lpid uint64) {
		_, r, _ := m.p.Entry(0)
		stale = hpt.IsWritable(r)
		fmt.Fprintf(w, "tlbie rb=%#x: r=%#x\n", rb, r)
	}
	defer func() { m.hw.OnTLBIE = nil }()

	if ret := c.Protect(book3s.PP_RXRX, 0, 0); ret != book3s.H_SUCCESS {
		return fmt.Errorf("H_PROTECT = %d", ret)
	}
	if n := len(m.hw.Batches()); n != 1 {
		return fmt.Errorf("%d invalidation batches, want 1", n)
	}
	if !stale {
		return fmt.Errorf("new permissions were visible before the invalidation")
	}
	if _, r, _ := m.p.Entry(0); hpt.IsWritable(r) {
		return fmt.Errorf("entry still writable: r = %#x", r)
	}
	fmt.Fprintf(w, "H_PROTECT: one broadcast, entry now read-only\n")
	return nil
}

func runBulkRemove(w io.Writer, m *machine, vcpus []*hpt.VCPU) error {
	c := vcpus[0]
	var args [8]uint64
	for i := uint64(0); i < 4; i++ {
		v := (0x10+i)<<book3s.HPTE_V_AVPN_SHIFT | book3s.HPTE_V_VALID
		if _, ret := c.Enter(book3s.H_EXACT, i, v, (0x10+i)<<12|scenarioRW); ret != book3s.H_SUCCESS {
			return fmt.Errorf("H_ENTER(%d) = %d", i, ret)
		}
		// Entries with an even AVPN match.
		args[2*i] = book3s.H_BULK_REMOVE_REQUEST | book3s.H_BULK_REMOVE_ANDCOND | i
		args[2*i+1] = 1 << book3s.HPTE_V_AVPN_SHIFT
	}
	m.hw.Reset()

	if ret := c.BulkRemove(&args); ret != book3s.H_SUCCESS {
		return fmt.Errorf("H_BULK_REMOVE = %d", ret)
	}
	var found, notFound int
	for i := 0; i < 4; i++ {
		switch code := args[2*i] & book3s.H_BULK_REMOVE_CODE; code {
		case book3s.H_BULK_REMOVE_SUCCESS:
			found++
		case book3s.H_BULK_REMOVE_NOT_FOUND:
			notFound++
		default:
			return fmt.Errorf("request %d: response %#x", i, args[2*i])
		}
		fmt.Fprintf(w, "request %d: response %#x\n", i, args[2*i])
	}
	batches := m.hw.Batches()
	if found != 2 || notFound != 2 || len(batches) != 1 || len(batches[0].RBs) != 2 {
		return fmt.Errorf("%d found, %d not found, batches %+v; want 2, 2 and one batch of two", found, notFound, batches)
	}
	fmt.Fprintf(w, "H_BULK_REMOVE: 2 removed in one broadcast of %d\n", len(batches[0].RBs))
	return nil
}

func runMMIOFault(w io.Writer, m *machine, vcpus []*hpt.VCPU) error {
	c := vcpus[0]
	const (
		slbV = 0x123 << book3s.SLB_VSID_SHIFT
		ea   = 0x5000
		// No memslot covers this frame.
		mmioGFN = 0xfff000
	)
	index, v := m.p.HashedLocation(ea, slbV)
	slot, ret := c.Enter(0, index, v, mmioGFN<<12|scenarioRW)
	if ret != book3s.H_SUCCESS {
		return fmt.Errorf("H_ENTER = %d", ret)
	}
	gotV, r, _ := m.p.Entry(slot)
	fmt.Fprintf(w, "H_ENTER: slot %d v=%#x r=%#x\n", slot, gotV, r)

	c.MSR = book3s.MSR_IR | book3s.MSR_DR
	verdict := c.HPTEFault(ea, slbV, book3s.DSISR_NOHPTE, true /* data */)
	if verdict != hpt.FaultEscalateFetch {
		return fmt.Errorf("fault verdict %d, want %d", verdict, hpt.FaultEscalateFetch)
	}
	fmt.Fprintf(w, "fault: escalate with instruction fetch, slot %d\n", c.PgFault.Index)
	return nil
}

// Scenario implements subcommands.Command for the "scenario" command.
type Scenario struct {
	exportFlags
	trace bool
}

// Name implements subcommands.Command.Name.
func (*Scenario) Name() string {
	return "scenario"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Scenario) Synopsis() string {
	return "run scripted hypercall scenarios and check their outcome"
}

// Usage implements subcommands.Command.Usage.
func (*Scenario) Usage() string {
	u := "scenario [-trace] [-metrics] [<name>...] - runs the named scenarios, or all of them.\n\nScenarios:\n"
	for _, s := range scenarios {
		u += fmt.Sprintf("  %-12s %s\n", s.name, s.description)
	}
	return u
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Scenario) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.trace, "trace", false, "print the fence and invalidation instructions issued by each scenario.")
	s.exportFlags.setFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (s *Scenario) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	selected := scenarios
	if f.NArg() > 0 {
		selected = nil
		for _, name := range f.Args() {
			found := false
			for _, sc := range scenarios {
				if sc.name == name {
					selected = append(selected, sc)
					found = true
				}
			}
			if !found {
				f.Usage()
				return subcommands.ExitUsageError
			}
		}
	}

	failed := 0
	for _, sc := range selected {
		if err := s.runOne(conf, sc); err != nil {
			fmt.Fprintf(os.Stdout, "FAIL %s: %v\n", sc.name, err)
			failed++
			continue
		}
		fmt.Fprintf(os.Stdout, "PASS %s\n", sc.name)
	}
	if err := s.write(os.Stdout, nil); err != nil {
		return util.Errorf("writing metrics: %v", err)
	}
	if failed > 0 {
		return util.Errorf("%d of %d scenarios failed", failed, len(selected))
	}
	return subcommands.ExitSuccess
}

func (s *Scenario) runOne(conf *config.Config, sc scenario) error {
	c := *conf
	c.MMUNotifiers = sc.notifiers
	c.VCPUs = sc.vcpus
	m, err := newMachine(&c, true /* record */)
	if err != nil {
		return err
	}
	vcpus := make([]*hpt.VCPU, sc.vcpus)
	for i := range vcpus {
		vcpus[i] = m.p.NewVCPU(i, i)
	}
	fmt.Fprintf(os.Stdout, "=== %s: %s\n", sc.name, sc.description)
	if err := sc.run(os.Stdout, m, vcpus); err != nil {
		return err
	}
	if s.trace {
		for _, ev := range m.hw.Events() {
			fmt.Fprintf(os.Stdout, "    %-10v rb=%#x lpid=%d\n", ev.Op, ev.RB, ev.LPID)
		}
	}
	return m.p.CheckChains()
}
