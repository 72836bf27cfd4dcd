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

// Binary limitless-mm boots the memory core over a synthetic machine for
// inspection and stress testing.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"

	"github.com/LimitlessOS-official/limitless-mm/pkg/arch"
	"github.com/LimitlessOS-official/limitless-mm/pkg/config"
	"github.com/LimitlessOS-official/limitless-mm/pkg/frame"
	"github.com/LimitlessOS-official/limitless-mm/pkg/kernel"
	"github.com/LimitlessOS-official/limitless-mm/pkg/numa"
)

// machineFlags are the synthetic-machine knobs shared by the commands.
type machineFlags struct {
	configPath string
	memMiB     uint64
	nodes      int
}

func (m *machineFlags) set(f *flag.FlagSet) {
	f.StringVar(&m.configPath, "config", "", "policy YAML; empty uses the defaults")
	f.Uint64Var(&m.memMiB, "mem-mib", 256, "machine memory in MiB")
	f.IntVar(&m.nodes, "nodes", 1, "NUMA node count; memory splits evenly")
}

// boot builds the topology and brings the core up.
func (m *machineFlags) boot() (*kernel.Kernel, *config.Config, error) {
	cfg := config.Default()
	if m.configPath != "" {
		var err error
		if cfg, err = config.Load(m.configPath); err != nil {
			return nil, nil, err
		}
	}

	if m.nodes < 1 {
		m.nodes = 1
	}
	memBytes := m.memMiB << 20
	topo := &numa.Topology{}
	perNode := memBytes / uint64(m.nodes)
	perNode &^= arch.PageSize - 1
	cpusPerNode := cfg.CPUs / m.nodes
	if cpusPerNode < 1 {
		cpusPerNode = 1
	}
	for n := 0; n < m.nodes; n++ {
		dist := make([]int, m.nodes)
		for i := range dist {
			dist[i] = 20
		}
		dist[n] = 10
		cpus := make([]int, cpusPerNode)
		for i := range cpus {
			cpus[i] = n*cpusPerNode + i
		}
		topo.Nodes = append(topo.Nodes, &numa.Node{
			ID:       n,
			CPUs:     cpus,
			Distance: dist,
			MemStart: uint64(n) * perNode,
			MemEnd:   uint64(n+1) * perNode,
		})
	}
	cfg.CPUs = cpusPerNode * m.nodes

	memmap := frame.MemoryMap{
		{Start: 0, End: perNode * uint64(m.nodes), Kind: frame.MemUsable},
	}
	k, err := kernel.Boot(memmap, topo, nil, cfg)
	if err != nil {
		return nil, nil, err
	}
	return k, cfg, nil
}

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Info), "")
	subcommands.Register(new(Stress), "")

	flag.Parse()
	log.SetOutput(os.Stderr)
	os.Exit(int(subcommands.Execute(context.Background())))
}
