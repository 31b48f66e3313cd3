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

// Prot is the set of page protection flags passed to backend mappings.
type Prot uint32

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtCache
)

// Direction describes which way a DMA transfer moves data.
type Direction int

const (
	Bidirectional Direction = iota
	ToDevice
	FromDevice
)

// DirectionProt translates a transfer direction into backend protection
// flags, adding cacheability for coherent masters.
func DirectionProt(dir Direction, coherent bool) Prot {
	prot := Prot(0)
	if coherent {
		prot = ProtCache
	}

	switch dir {
	case Bidirectional:
		return prot | ProtRead | ProtWrite
	case ToDevice:
		return prot | ProtRead
	case FromDevice:
		return prot | ProtWrite
	}

	return 0
}

// PhysRange is one contiguous range of physical memory.
type PhysRange struct {
	Phys uint64
	Size uint64
}

// Backend is the capability interface of one translation engine. It is
// consumed, never implemented, by this layer; a backend variant is
// selected once at domain creation time.
type Backend interface {
	// PageSizes returns the bitmap of page sizes the engine supports.
	PageSizes() uint64
	// Aperture returns the address range the engine can translate,
	// as an inclusive [start, end] byte range.
	Aperture() (start, end uint64)
	// NewDomain creates the engine's own translation object.
	NewDomain() (TranslationDomain, error)
}

// TranslationDomain is one backend translation object. All addresses
// and sizes passed in are granule aligned by this layer.
type TranslationDomain interface {
	// Map binds one physical range at the given virtual address and
	// returns the number of bytes actually mapped.
	Map(addr Addr, phys, size uint64, prot Prot) (uint64, error)
	// MapRanges binds the given physical ranges contiguously in
	// virtual space starting at addr, in order, and returns the
	// number of bytes actually mapped. A short return means the
	// ranges were only partially bound.
	MapRanges(addr Addr, ranges []PhysRange, prot Prot) (uint64, error)
	// Unmap removes size bytes of translation at addr and returns
	// the number of bytes actually unmapped.
	Unmap(addr Addr, size uint64) (uint64, error)
	// AttachDevice binds the named device to this translation object.
	AttachDevice(name string) error
	// DetachDevice unbinds the named device.
	DetachDevice(name string)
	// Close destroys the translation object.
	Close()
}
