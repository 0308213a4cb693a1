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
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gvisor.dev/hpt/pkg/abi/book3s"
	"gvisor.dev/hpt/pkg/hostarch"
	"gvisor.dev/hpt/pkg/hpt"
	"gvisor.dev/hpt/pkg/hpt/guest"
	"gvisor.dev/hpt/pkg/log"
	"gvisor.dev/hpt/pkg/realmode"
	"gvisor.dev/hpt/runsc/cmd/util"
	"gvisor.dev/hpt/runsc/config"
)

// stressPages is the number of pages each vcpu maps in its segment.
const stressPages = 256

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	exportFlags
	hostCPUs   intFlags
	priority   uint
	hostRate   float64
	hostPages  uint64
	noHostWork bool
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run random guest page table traffic against concurrent host invalidation"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - runs one guest driver per vcpu, each on its own real-mode CPU, while the
host unmaps and ages guest memory. The reverse map is checked when the run finishes.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.Var(&s.hostCPUs, "host-cpu", "host processor to pin a vcpu to; repeat for each vcpu. Implies -pin-cpus.")
	f.UintVar(&s.priority, "priority", 1, "SCHED_FIFO priority of real-mode CPUs when -realtime is set.")
	f.Float64Var(&s.hostRate, "host-rate", 10000, "host invalidations per second.")
	f.Uint64Var(&s.hostPages, "host-pages", 4, "pages invalidated by each host operation.")
	f.BoolVar(&s.noHostWork, "no-host", false, "do not invalidate or age guest memory from the host.")
	s.exportFlags.setFlags(f)
}

// hostCPU returns the host processor vcpu i is pinned to, or -1.
func (s *Stress) hostCPU(conf *config.Config, i int) int {
	if cpus := s.hostCPUs.GetArray(); len(cpus) > 0 {
		return cpus[i%len(cpus)]
	}
	if conf.PinCPUs {
		return i
	}
	return -1
}

// stressStats counts the outcomes of one vcpu's operations.
type stressStats struct {
	maps, unmaps, protects, harvests, faults uint64
	full, tooHard, lost                      uint64
	evictions                                uint64
}

func (s *stressStats) add(o *stressStats) {
	s.maps += o.maps
	s.unmaps += o.unmaps
	s.protects += o.protects
	s.harvests += o.harvests
	s.faults += o.faults
	s.full += o.full
	s.tooHard += o.tooHard
	s.lost += o.lost
	s.evictions += o.evictions
}

// stressVCPU drives random traffic through d. Translations may be evicted
// by other vcpus, so a missing translation is counted rather than failed.
func stressVCPU(c *hpt.VCPU, d *guest.Driver, ms *config.Memslot, conf *config.Config, stats *stressStats) error {
	p := c.Partition()
	slbV := uint64(0x100+c.ID) << book3s.SLB_VSID_SHIFT
	rng := rand.New(rand.NewPCG(conf.Seed, uint64(c.ID)))
	c.MSR = book3s.MSR_IR | book3s.MSR_DR

	// tolerate absorbs the failures concurrent vcpus can cause.
	tolerate := func(err error) error {
		var hErr *guest.HcallError
		switch {
		case err == nil:
		case errors.Is(err, guest.ErrNotMapped):
			stats.lost++
		case errors.Is(err, guest.ErrGroupsFull):
			stats.full++
		case errors.As(err, &hErr) && hErr.Status == book3s.H_TOO_HARD:
			// The host dropped a pinned page; the slow path would fault
			// it back in.
			stats.tooHard++
		default:
			return fmt.Errorf("vcpu %d: %w", c.ID, err)
		}
		return nil
	}

	mapped := make([]bool, stressPages)
	for n := 0; n < conf.Iterations; n++ {
		p.FlushIfNeeded(c.ID)
		page := rng.Uint64N(stressPages)
		ea := page << hostarch.PageShift
		var err error
		switch op := rng.IntN(6); {
		case !mapped[page]:
			gfn := ms.BaseGFN + rng.Uint64N(ms.NPages)
			_, err = d.Map(ea, slbV, gfn<<hostarch.PageShift|book3s.PP_RWRW|book3s.HPTE_R_M)
			mapped[page] = err == nil
			stats.maps++
		case op == 0:
			_, err = d.Unmap(ea, slbV)
			mapped[page] = false
			stats.unmaps++
		case op == 1:
			pp := uint64(book3s.PP_RWRW)
			if rng.IntN(2) == 0 {
				pp = book3s.PP_RXRX
			}
			err = d.Protect(ea, slbV, pp)
			stats.protects++
		case op == 2:
			_, _, err = d.Harvest(ea, slbV)
			stats.harvests++
		case op == 3:
			status := uint64(book3s.DSISR_NOHPTE)
			if rng.IntN(2) == 0 {
				status |= book3s.DSISR_ISSTORE
			}
			c.HPTEFault(ea, slbV, status, true /* data */)
			stats.faults++
		default:
			// The hardware walker referencing the page.
			var index uint64
			if index, _, _, err = d.Lookup(ea, slbV); err == nil {
				p.WalkerSetRC(index, book3s.HPTE_R_R)
			}
		}
		if errors.Is(err, guest.ErrNotMapped) {
			mapped[page] = false
		}
		if err := tolerate(err); err != nil {
			return err
		}
	}

	for page := range mapped {
		if !mapped[page] {
			continue
		}
		_, err := d.Unmap(uint64(page)<<hostarch.PageShift, slbV)
		if err := tolerate(err); err != nil {
			return err
		}
		stats.unmaps++
	}
	stats.evictions = d.Evictions()
	return nil
}

// hostWork invalidates and ages random ranges of ms until ctx is done.
func (s *Stress) hostWork(ctx context.Context, p *hpt.Partition, ms *config.Memslot, seed uint64) (uint64, error) {
	lim := rate.NewLimiter(rate.Limit(s.hostRate), 1)
	rng := rand.New(rand.NewPCG(seed, 0))
	var ops uint64
	for {
		if err := lim.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return ops, nil
			}
			return ops, err
		}
		pages := min(s.hostPages, ms.NPages)
		first := rng.Uint64N(ms.NPages - pages + 1)
		start := ms.HostAddr + first<<hostarch.PageShift
		end := start + pages<<hostarch.PageShift
		if rng.IntN(3) == 0 {
			p.AgeHVARange(start, end)
		} else {
			p.UnmapHVARange(start, end)
		}
		ops++
	}
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := newMachine(conf, false /* record */)
	if err != nil {
		return util.Errorf("creating partition: %v", err)
	}
	ms := &conf.Memslots[0]

	log.Infof("Stress: %d vcpus, %d iterations, order %d, notifiers %t", conf.VCPUs, conf.Iterations, conf.Order, conf.MMUNotifiers)
	start := time.Now()

	hostCtx, stop := context.WithCancel(ctx)
	defer stop()
	var host errgroup.Group
	var hostOps uint64
	if !s.noHostWork {
		host.Go(func() error {
			var err error
			hostOps, err = s.hostWork(hostCtx, m.p, ms, conf.Seed)
			return err
		})
	}

	stats := make([]stressStats, conf.VCPUs)
	var vcpus errgroup.Group
	for i := 0; i < conf.VCPUs; i++ {
		cpu := realmode.NewCPU(i, realmode.Opts{
			HostCPU:  s.hostCPU(conf, i),
			RealTime: conf.RealTime,
			Priority: uint32(s.priority),
		})
		c := m.p.NewVCPU(i, i)
		d := guest.NewDriver(c, guest.Opts{Seed: conf.Seed})
		vcpus.Go(func() error {
			defer c.Destroy()
			return cpu.Run(func() error {
				return stressVCPU(c, d, ms, conf, &stats[i])
			})
		})
	}
	err = vcpus.Wait()
	stop()
	if herr := host.Wait(); herr != nil {
		return util.Errorf("host: %v", herr)
	}
	if err != nil {
		return util.Errorf("stress: %v", err)
	}
	elapsed := time.Since(start)

	if err := m.p.CheckChains(); err != nil {
		return util.Errorf("reverse map inconsistent after run: %v", err)
	}

	var total stressStats
	for i := range stats {
		total.add(&stats[i])
	}
	fmt.Fprintf(os.Stdout, "flags: %v\n", conf.ToFlags())
	fmt.Fprintf(os.Stdout, "elapsed: %v\n", elapsed)
	fmt.Fprintf(os.Stdout, "maps: %d (full %d, too hard %d, evictions %d)\n", total.maps, total.full, total.tooHard, total.evictions)
	fmt.Fprintf(os.Stdout, "unmaps: %d protects: %d harvests: %d faults: %d lost: %d\n", total.unmaps, total.protects, total.harvests, total.faults, total.lost)
	fmt.Fprintf(os.Stdout, "host operations: %d\n", hostOps)
	if err := s.write(os.Stdout, map[string]string{"mmu_notifiers": strconv.FormatBool(conf.MMUNotifiers)}); err != nil {
		return util.Errorf("writing metrics: %v", err)
	}
	return subcommands.ExitSuccess
}
