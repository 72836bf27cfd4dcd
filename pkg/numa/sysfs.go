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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DiscoverSysfs reads a NUMA topology from a Linux sysfs node directory,
// conventionally /sys/devices/system/node. Only CPU sets and distances are
// discovered; memory ranges are the caller's to assign, since sysfs does not
// expose a firmware memory map.
func DiscoverSysfs(root string) (*Topology, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrapf(err, "numa: reading %s", root)
	}
	var ids []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("numa: no nodeN directories under %s", root)
	}
	sort.Ints(ids)

	t := &Topology{}
	for i, id := range ids {
		if id != i {
			return nil, fmt.Errorf("numa: non-contiguous node ids under %s", root)
		}
		dir := filepath.Join(root, fmt.Sprintf("node%d", id))
		cpus, err := readCPUList(filepath.Join(dir, "cpulist"))
		if err != nil {
			return nil, err
		}
		dist, err := readInts(filepath.Join(dir, "distance"))
		if err != nil {
			return nil, err
		}
		t.Nodes = append(t.Nodes, &Node{
			ID:       id,
			CPUs:     cpus,
			Distance: dist,
		})
	}
	return t, nil
}

// readCPUList parses the kernel cpulist format, e.g. "0-3,8,10-11".
func readCPUList(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "numa: reading %s", path)
	}
	s := strings.TrimSpace(string(data))
	if s == "" {
		return nil, nil
	}
	var cpus []int
	for _, part := range strings.Split(s, ",") {
		if lo, hi, found := strings.Cut(part, "-"); found {
			start, err := strconv.Atoi(lo)
			if err != nil {
				return nil, fmt.Errorf("numa: bad cpulist range %q in %s", part, path)
			}
			end, err := strconv.Atoi(hi)
			if err != nil || end < start {
				return nil, fmt.Errorf("numa: bad cpulist range %q in %s", part, path)
			}
			for c := start; c <= end; c++ {
				cpus = append(cpus, c)
			}
		} else {
			c, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("numa: bad cpulist entry %q in %s", part, path)
			}
			cpus = append(cpus, c)
		}
	}
	return cpus, nil
}

// readInts parses a whitespace-separated integer list, the distance file
// format.
func readInts(path string) ([]int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "numa: reading %s", path)
	}
	fields := strings.Fields(string(data))
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("numa: bad integer %q in %s", f, path)
		}
		out = append(out, v)
	}
	return out, nil
}
