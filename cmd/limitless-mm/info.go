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
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
)

// Info implements subcommands.Command for the "info" command.
type Info struct {
	machine machineFlags
}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "boot a synthetic machine and print its node and zone layout"
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return `info [flags]

Boots the memory core over a synthetic machine and prints the NUMA node
and zone layout the boot produced, then shuts back down.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Info) SetFlags(f *flag.FlagSet) {
	i.machine.set(f)
}

// Execute implements subcommands.Command.Execute.
func (i *Info) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	k, cfg, err := i.machine.boot()
	if err != nil {
		log.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}
	defer k.Shutdown()

	w := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintf(w, "cpus\t%d\n", cfg.CPUs)
	fmt.Fprintln(w, "zone\tkind\tnode\trange\tfree\tmin/low/high")
	for _, z := range k.Allocator().Zones() {
		s := z.Stats()
		fmt.Fprintf(w, "%d\t%s\t%d\t[%#x, %#x)\t%d\t%d/%d/%d\n",
			z.ID, z.Kind, z.NodeID,
			uint64(z.Start)<<arch.PageShift, uint64(z.End)<<arch.PageShift,
			s.Free, s.Marks.Min, s.Marks.Low, s.Marks.High)
	}
	return flush(w)
}

func flush(w *tabwriter.Writer) subcommands.ExitStatus {
	if err := w.Flush(); err != nil {
		log.WithError(err).Error("writing output")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
