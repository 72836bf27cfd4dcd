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

package numa

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoNodeTopology() *Topology {
	return &Topology{Nodes: []*Node{
		{ID: 0, CPUs: []int{0, 1}, Distance: []int{10, 21}, MemStart: 0, MemEnd: 1 << 20},
		{ID: 1, CPUs: []int{2, 3}, Distance: []int{21, 10}, MemStart: 1 << 20, MemEnd: 2 << 20},
	}}
}

func TestValidate(t *testing.T) {
	require.NoError(t, twoNodeTopology().Validate())

	bad := twoNodeTopology()
	bad.Nodes[1].MemStart = 0
	assert.Error(t, bad.Validate(), "overlapping memory should fail validation")

	short := twoNodeTopology()
	short.Nodes[0].Distance = []int{10}
	assert.Error(t, short.Validate(), "short distance vector should fail validation")
}

func TestFallbackOrder(t *testing.T) {
	top := &Topology{Nodes: []*Node{
		{ID: 0, Distance: []int{10, 31, 21}},
		{ID: 1, Distance: []int{31, 10, 21}},
		{ID: 2, Distance: []int{21, 21, 10}},
	}}
	assert.Equal(t, []int{0, 2, 1}, top.Fallback(0))
	assert.Equal(t, []int{1, 2, 0}, top.Fallback(1))
	// Ties (nodes 0 and 1 from node 2) break toward the lower id.
	assert.Equal(t, []int{2, 0, 1}, top.Fallback(2))
}

func TestNodeForCPU(t *testing.T) {
	top := twoNodeTopology()
	assert.Equal(t, 0, top.NodeForCPU(1))
	assert.Equal(t, 1, top.NodeForCPU(3))
	assert.Equal(t, -1, top.NodeForCPU(7))
}

func TestDiscoverSysfs(t *testing.T) {
	top, err := DiscoverSysfs("testdata/node")
	require.NoError(t, err)
	want := &Topology{Nodes: []*Node{
		{ID: 0, CPUs: []int{0, 1}, Distance: []int{10, 21}},
		{ID: 1, CPUs: []int{2, 3}, Distance: []int{21, 10}},
	}}
	if diff := cmp.Diff(want, top); diff != "" {
		t.Errorf("discovered topology mismatch (-want +got):\n%s", diff)
	}
}

func TestDiscoverSysfsMissing(t *testing.T) {
	_, err := DiscoverSysfs("testdata/does-not-exist")
	assert.Error(t, err)
}
