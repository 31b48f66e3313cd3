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

	"github.com/hashicorp/go-multierror"

	"github.com/containers/iommu-dma/pkg/physmem"
)

// Mode selects how buffer allocation may acquire physical memory.
type Mode int

const (
	// Blocking allocations may wait for physical memory.
	Blocking Mode = iota
	// Atomic allocations never wait; they draw from the bounded pool
	// reserved at configuration time and fail fast on exhaustion.
	Atomic
)

// Buffer is one device-visible contiguous buffer: the physical pages
// backing it, its size, and the virtual address it is mapped at. The
// page and mapping sides are created and destroyed as a unit.
type Buffer struct {
	Pages  []physmem.Page
	Size   uint64
	Handle Addr
	pooled bool
}

// BufferAllocator allocates buffers contiguous in IOVA space, backed by
// possibly non-contiguous physical pages.
type BufferAllocator struct {
	mem  *physmem.Provider
	pool *physmem.Pool
}

// NewBufferAllocator creates a buffer allocator drawing from the given
// provider, with an optional pre-reserved pool for atomic allocations.
func NewBufferAllocator(mem *physmem.Provider, pool *physmem.Pool) *BufferAllocator {
	return &BufferAllocator{
		mem:  mem,
		pool: pool,
	}
}

// Alloc allocates and maps a buffer of size bytes for the device. The
// buffer is contiguous in the device's address space regardless of how
// the physical pages were acquired. Every page is zero-filled before
// the buffer is returned, and flushed with the device's flush hook if
// the device is not coherent. A backend map failure rolls the whole
// operation back; no partially allocated buffer is ever observable.
func (ba *BufferAllocator) Alloc(dev *Device, size uint64, mode Mode, prot Prot) (*Buffer, error) {
	dom := dev.Domain()
	if dom == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotAttached, dev.name)
	}
	if ba.mem.PageSize() != dom.Granule() {
		return nil, fmt.Errorf("%w: page size %#x != domain granule %#x", ErrBadConfig,
			ba.mem.PageSize(), dom.Granule())
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-sized buffer", ErrBadConfig)
	}

	aligned := dom.IOVA().AlignSize(size)
	count := int(aligned / ba.mem.PageSize())

	pages, pooled, err := ba.getPages(count, mode)
	if err != nil {
		buffersFailed.WithLabelValues("no-memory").Inc()
		return nil, fmt.Errorf("%w: %d pages for %q: %w", ErrNoMemory, count, dev.name, err)
	}

	iv, err := dom.allocIOVA(dev, size, true)
	if err != nil {
		ba.putPages(pages, pooled)
		buffersFailed.WithLabelValues("no-space").Inc()
		return nil, err
	}

	mapped, err := dom.td.MapRanges(Addr(iv.Addr()), pageRanges(pages), prot)
	if err != nil || mapped < aligned {
		rollback := ba.rollback(dom, Addr(iv.Addr()), aligned, mapped)
		dom.IOVA().Free(iv)
		ba.putPages(pages, pooled)
		buffersFailed.WithLabelValues("map").Inc()

		err = fmt.Errorf("%w: mapped %#x of %#x bytes for %q: %w", ErrMapFailed,
			mapped, aligned, dev.name, err)
		if rollback != nil {
			err = multierror.Append(err, rollback).ErrorOrNil()
		}
		return nil, err
	}

	for _, pg := range pages {
		pg.Zero()
		if !dev.coherent && dev.flushPage != nil {
			dev.flushPage(pg)
		}
	}

	buffersAllocated.Inc()

	return &Buffer{
		Pages:  pages,
		Size:   size,
		Handle: Addr(iv.Addr()),
		pooled: pooled,
	}, nil
}

// Free unmaps and releases the buffer. The unmapped length must match
// the mapped one exactly; a mismatch, like freeing a buffer twice, is a
// caller bug and panics. The handle is invalidated.
func (ba *BufferAllocator) Free(dev *Device, buf *Buffer) {
	if buf.Handle.IsError() {
		panic(fmt.Errorf("dma: free of already freed buffer"))
	}

	dom := dev.Domain()
	if dom == nil {
		panic(fmt.Errorf("%w: %q", ErrNotAttached, dev.name))
	}

	dom.unmapByAddr(buf.Handle)
	ba.putPages(buf.Pages, buf.pooled)

	buf.Pages = nil
	buf.Handle = ErrorAddr

	buffersFreed.Inc()
}

func (ba *BufferAllocator) getPages(count int, mode Mode) ([]physmem.Page, bool, error) {
	if mode == Atomic {
		if ba.pool == nil {
			return nil, false, fmt.Errorf("%w: no atomic pool configured", ErrBadConfig)
		}
		pages, err := ba.pool.Get(count)
		return pages, true, err
	}

	pages, err := ba.mem.AllocPages(count, true)
	return pages, false, err
}

func (ba *BufferAllocator) putPages(pages []physmem.Page, pooled bool) {
	if pooled {
		ba.pool.Put(pages)
	} else {
		ba.mem.FreePages(pages)
	}
}

// rollback undoes a partially bound mapping. The unmap covers the whole
// reserved length, not just the reported prefix; a backend may have
// bound mappings it did not get to report before failing. Failure to
// unmap what the backend claims it mapped is reported, not absorbed;
// the caller folds it into the surfaced error.
func (ba *BufferAllocator) rollback(dom *Domain, addr Addr, size, mapped uint64) error {
	unmapped, err := dom.td.Unmap(addr, size)
	if err != nil {
		return fmt.Errorf("rollback unmap at %s failed: %w", addr, err)
	}
	if unmapped < mapped {
		return fmt.Errorf("rollback unmapped %#x of %#x bytes at %s", unmapped, mapped, addr)
	}

	return nil
}

func pageRanges(pages []physmem.Page) []PhysRange {
	ranges := make([]PhysRange, 0, len(pages))
	for _, pg := range pages {
		size := uint64(len(pg.Data()))
		n := len(ranges)
		// Keep physically contiguous pages as one range.
		if n > 0 && ranges[n-1].Phys+ranges[n-1].Size == pg.Phys() {
			ranges[n-1].Size += size
		} else {
			ranges = append(ranges, PhysRange{Phys: pg.Phys(), Size: size})
		}
	}
	return ranges
}
