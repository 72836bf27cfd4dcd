// Copyright 2025 The LimitlessOS Authors.
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

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/buddy"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	machine machineFlags
	procs   int
	iters   int
	span    uint64
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "run a concurrent allocation and fault workload, then report stats"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags]

Boots the memory core and runs two workloads side by side: raw page
alloc/free churn against the buddy allocator, and per-process address
spaces faulting anonymous memory, forking and tearing down. Prints the
core's counters when done.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	s.machine.set(f)
	f.IntVar(&s.procs, "procs", 4, "concurrent simulated processes")
	f.IntVar(&s.iters, "iters", 100, "iterations per process")
	f.Uint64Var(&s.span, "span-pages", 64, "anonymous pages each process touches")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	k, _, err := s.machine.boot()
	if err != nil {
		log.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer k.Shutdown()

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)

	// Raw allocator churn.
	g.Go(func() error {
		rng := rand.New(rand.NewSource(1))
		a := k.Allocator()
		for i := 0; i < s.iters; i++ {
			var held []arch.PFN
			for len(held) < 128 {
				p, err := a.AllocPage(buddy.GFPKernel, rng.Intn(s.machine.nodes))
				if err != nil {
					break
				}
				held = append(held, p)
			}
			for _, p := range held {
				a.FreePages(p, 0)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		return nil
	})

	// Fault workload: map, touch, fork, tear down.
	for p := 0; p < s.procs; p++ {
		g.Go(func() error {
			for i := 0; i < s.iters; i++ {
				as := k.CreateAddressSpace()
				va, err := as.MapAnon(0, s.span*arch.PageSize, arch.ReadWrite, 0)
				if err != nil {
					k.DestroyAddressSpace(as)
					return err
				}
				for pg := uint64(0); pg < s.span; pg++ {
					if err := as.WriteByte(ctx, va+arch.Addr(pg*arch.PageSize), byte(pg)); err != nil {
						k.DestroyAddressSpace(as)
						return err
					}
				}
				child, err := as.Fork(ctx)
				if err == nil {
					if err := child.WriteByte(ctx, va, 0xFF); err != nil {
						log.WithError(err).Debug("child write")
					}
					k.DestroyAddressSpace(child)
				}
				if err := k.DestroyAddressSpace(as); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.WithError(err).Error("stress workload failed")
		return subcommands.ExitFailure
	}

	st := k.Stats()
	w := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintf(w, "elapsed\t%s\n", time.Since(start).Round(time.Millisecond))
	fmt.Fprintf(w, "faults\t%d\n", st.MM.Faults)
	fmt.Fprintf(w, "demand-zero\t%d\n", st.MM.DemandZero)
	fmt.Fprintf(w, "cow-breaks\t%d\n", st.MM.COWBreaks)
	fmt.Fprintf(w, "forks\t%d\n", st.MM.Forks)
	fmt.Fprintf(w, "shootdowns\t%d\n", st.Shootdowns)
	fmt.Fprintf(w, "reclaim passes\t%d\n", st.Reclaim.Passes)
	fmt.Fprintf(w, "reclaim evicted\t%d\n", st.Reclaim.Evicted)
	for _, z := range st.Zones {
		fmt.Fprintf(w, "zone free\t%d\n", z.Free)
	}
	return flush(w)
}
