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

package arch

// PAddr is a physical byte address.
type PAddr uint64

// PFN returns the frame containing the address.
func (a PAddr) PFN() PFN {
	return PFN(a >> PageShift)
}

// PageOffset returns the offset of a within its frame.
func (a PAddr) PageOffset() uint64 {
	return uint64(a) & (PageSize - 1)
}
