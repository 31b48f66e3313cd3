// Copyright The IOMMU-DMA Authors. All Rights Reserved.
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

package dma

import "fmt"

// Addr is a device-visible virtual address. Address 0 is reserved as
// the mapping error sentinel and is never produced by a successful
// mapping; page 0 of every domain is pre-reserved to guarantee this.
type Addr uint64

// ErrorAddr is the reserved sentinel returned by failed mappings.
const ErrorAddr Addr = 0

// IsError reports whether the address is the mapping error sentinel.
// Callers must use this predicate rather than comparing to zero.
func (a Addr) IsError() bool {
	return a == ErrorAddr
}

func (a Addr) String() string {
	if a.IsError() {
		return "<error>"
	}
	return fmt.Sprintf("%#x", uint64(a))
}
