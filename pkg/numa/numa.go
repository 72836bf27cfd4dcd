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

// Package numa describes the machine's NUMA topology: nodes, their CPU
// sets, and the inter-node distance matrix. The topology is immutable after
// boot.
package numa

import (
	"fmt"
	"sort"
)

// Node describes one NUMA node.
type Node struct {
	// ID is the node's index in the topology.
	ID int

	// CPUs is the set of CPU ids local to this node.
	CPUs []int

	// Distance is the access cost from this node to every node, indexed by
	// node id. Distance[ID] is the local cost (conventionally 10).
	Distance []int

	// MemStart and MemEnd delimit the node's physical memory in bytes.
	MemStart uint64
	MemEnd   uint64
}

// Topology is the set of NUMA nodes.
type Topology struct {
	Nodes []*Node
}

// SingleNode returns a trivial topology: one node owning all CPUs and all of
// [0, memBytes).
func SingleNode(numCPUs int, memBytes uint64) *Topology {
	cpus := make([]int, numCPUs)
	for i := range cpus {
		cpus[i] = i
	}
	return &Topology{Nodes: []*Node{{
		ID:       0,
		CPUs:     cpus,
		Distance: []int{10},
		MemEnd:   memBytes,
	}}}
}

// Validate checks the topology for the invariants boot relies on:
// contiguous ids, square distance matrix, non-overlapping memory ranges.
func (t *Topology) Validate() error {
	n := len(t.Nodes)
	if n == 0 {
		return fmt.Errorf("numa: topology has no nodes")
	}
	for i, node := range t.Nodes {
		if node.ID != i {
			return fmt.Errorf("numa: node at index %d has id %d", i, node.ID)
		}
		if len(node.Distance) != n {
			return fmt.Errorf("numa: node %d distance vector has %d entries, want %d", i, len(node.Distance), n)
		}
		if node.MemEnd < node.MemStart {
			return fmt.Errorf("numa: node %d memory range [%#x, %#x) inverted", i, node.MemStart, node.MemEnd)
		}
		for j, other := range t.Nodes {
			if i != j && node.MemStart < other.MemEnd && other.MemStart < node.MemEnd {
				return fmt.Errorf("numa: nodes %d and %d have overlapping memory", i, j)
			}
		}
	}
	return nil
}

// NodeForCPU returns the node owning the given CPU, or -1.
func (t *Topology) NodeForCPU(cpu int) int {
	for _, node := range t.Nodes {
		for _, c := range node.CPUs {
			if c == cpu {
				return node.ID
			}
		}
	}
	return -1
}

// Fallback returns all node ids ordered by increasing distance from the
// given node, starting with the node itself. Ties break toward lower ids,
// which keeps allocation fallback deterministic.
func (t *Topology) Fallback(from int) []int {
	node := t.Nodes[from]
	ids := make([]int, len(t.Nodes))
	for i := range ids {
		ids[i] = i
	}
	sort.SliceStable(ids, func(a, b int) bool {
		da, db := node.Distance[ids[a]], node.Distance[ids[b]]
		if da != db {
			return da < db
		}
		return ids[a] < ids[b]
	})
	return ids
}
