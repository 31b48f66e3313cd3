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

import (
	"fmt"
)

// Segment is one physical range of a scatter-gather transfer. Mapping
// rewrites the segment list in place: before the backend is invoked the
// DMA fields shadow the original physical address and length, so a
// failed mapping can restore the list exactly; after a successful
// mapping the physical fields are restored and the DMA fields of run
// heads carry the merged device-visible ranges.
type Segment struct {
	Phys uint64
	Size uint64

	dmaAddr Addr
	dmaSize uint64
}

// DMAAddr returns the device-visible address of a merged segment, or
// the error sentinel for segments folded into a preceding run.
func (s *Segment) DMAAddr() Addr {
	return s.dmaAddr
}

// DMASize returns the device-visible length of a merged segment, or 0
// for segments folded into a preceding run.
func (s *Segment) DMASize() uint64 {
	return s.dmaSize
}

func (s *Segment) String() string {
	return fmt.Sprintf("seg{%#x,+%#x}", s.Phys, s.Size)
}

// MapSG maps the segments of one transfer into a single contiguous
// interval of the device's address space and merges adjacent segments
// subject to the device's transfer limits. It returns the number of
// merged segments, or 0 with a recoverable error if no mapping was
// established; in that case the segment list is restored to its input
// state.
func (ba *BufferAllocator) MapSG(dev *Device, segs []*Segment, prot Prot) (int, error) {
	dom := dev.Domain()
	if dom == nil {
		return 0, fmt.Errorf("%w: %q", ErrNotAttached, dev.name)
	}
	if len(segs) == 0 {
		return 0, nil
	}

	// Work out how much IOVA space we need, aligning the segments to
	// granule boundaries on the way. The originals are shadowed in
	// the DMA fields so the rewrite stays reversible.
	total := uint64(0)
	for _, s := range segs {
		pad := s.Phys & (dom.granule - 1)

		s.dmaAddr = Addr(s.Phys)
		s.dmaSize = s.Size
		s.Phys -= pad
		s.Size = dom.IOVA().AlignSize(s.Size + pad)

		total += s.Size
	}

	iv, err := dom.allocIOVA(dev, total, false)
	if err != nil {
		invalidateSG(segs)
		sgMapsFailed.WithLabelValues("no-space").Inc()
		return 0, err
	}

	mapped, err := dom.td.MapRanges(Addr(iv.Addr()), segRanges(segs), prot)
	if err != nil || mapped < total {
		// Undo the partially bound prefix too; a backend may fail
		// midway with mappings already in effect.
		if rberr := ba.rollback(dom, Addr(iv.Addr()), total, mapped); rberr != nil {
			log.Errorf("scatter-gather rollback failed: %v", rberr)
		}
		dom.IOVA().Free(iv)
		invalidateSG(segs)
		sgMapsFailed.WithLabelValues("map").Inc()
		return 0, fmt.Errorf("%w: mapped %#x of %#x bytes for %q: %w", ErrMapFailed,
			mapped, total, dev.name, err)
	}

	sgMapped.Inc()

	return finaliseSG(dev, segs, Addr(iv.Addr())), nil
}

// UnmapSG tears down a mapped transfer. All segments share one
// contiguous interval, so this is a single interval free keyed by the
// first segment's device-visible address.
func (ba *BufferAllocator) UnmapSG(dev *Device, segs []*Segment) {
	dom := dev.Domain()
	if dom == nil {
		panic(fmt.Errorf("%w: %q", ErrNotAttached, dev.name))
	}
	if len(segs) == 0 {
		return
	}

	dom.unmapByAddr(segs[0].dmaAddr)
}

// finaliseSG restores the segments' physical fields and writes merged
// device-visible ranges into the run heads. Segments are merged while
// they stay virtually adjacent, the run does not exceed the device's
// maximum segment size, and extending it does not cross the device's
// boundary mask. Returns the number of runs.
func finaliseSG(dev *Device, segs []*Segment, dmaBase Addr) int {
	var (
		boundary = dev.boundaryMask
		maxLen   = dev.maxSegSize
		headIdx  = -1
		count    = 0
		runEnd   = uint64(0)
		cursor   = uint64(dmaBase)
	)

	for _, s := range segs {
		pad := uint64(s.dmaAddr) - s.Phys
		length := s.dmaSize
		padded := s.Size
		vaddr := cursor + pad

		s.Phys = uint64(s.dmaAddr)
		s.Size = s.dmaSize
		s.dmaAddr = ErrorAddr
		s.dmaSize = 0

		merge := false
		if headIdx >= 0 && runEnd == vaddr {
			newLen := segs[headIdx].dmaSize + length
			// The merged run must fit the device's segment size
			// limit and stay within one boundary window.
			merge = newLen <= maxLen &&
				newLen-1 <= boundary-(uint64(segs[headIdx].dmaAddr)&boundary)
		}

		if merge {
			segs[headIdx].dmaSize += length
		} else {
			headIdx++
			count++
			segs[headIdx].dmaAddr = Addr(vaddr)
			segs[headIdx].dmaSize = length
		}
		runEnd = vaddr + length
		cursor += padded
	}

	return count
}

// invalidateSG restores every segment's original physical address and
// length from the shadow fields and clears the DMA fields.
func invalidateSG(segs []*Segment) {
	for _, s := range segs {
		if !s.dmaAddr.IsError() {
			s.Phys = uint64(s.dmaAddr)
		}
		if s.dmaSize != 0 {
			s.Size = s.dmaSize
		}
		s.dmaAddr = ErrorAddr
		s.dmaSize = 0
	}
}

func segRanges(segs []*Segment) []PhysRange {
	ranges := make([]PhysRange, 0, len(segs))
	for _, s := range segs {
		ranges = append(ranges, PhysRange{Phys: s.Phys, Size: s.Size})
	}
	return ranges
}
