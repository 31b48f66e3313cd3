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

// Package mock provides an in-memory translation backend. It keeps the
// page table as a plain map and supports programmable fault injection,
// which makes it usable both as a test double and as the simulated
// engine behind the demo daemon.
package mock

import (
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/containers/iommu-dma/pkg/dma"
)

// BackendOption is an opaque option which can be applied to a Backend.
type BackendOption func(*Backend)

// WithPageSizes sets the page-size bitmap the backend reports.
func WithPageSizes(bitmap uint64) BackendOption {
	return func(b *Backend) {
		b.pageSizes = bitmap
	}
}

// WithAperture sets the inclusive addressable range the backend reports.
func WithAperture(start, end uint64) BackendOption {
	return func(b *Backend) {
		b.apStart, b.apEnd = start, end
	}
}

// Backend is an in-memory translation engine.
type Backend struct {
	mu        sync.Mutex
	pageSizes uint64
	apStart   uint64
	apEnd     uint64
	domains   []*Domain
}

// NewBackend creates a mock backend. By default it supports 4k pages
// over a full 32-bit aperture.
func NewBackend(options ...BackendOption) *Backend {
	b := &Backend{
		pageSizes: 0x1000,
		apStart:   0,
		apEnd:     math.MaxUint32,
	}

	for _, o := range options {
		o(b)
	}

	return b
}

// PageSizes returns the configured page-size bitmap.
func (b *Backend) PageSizes() uint64 {
	return b.pageSizes
}

// Aperture returns the configured addressable range.
func (b *Backend) Aperture() (uint64, uint64) {
	return b.apStart, b.apEnd
}

// NewDomain creates a translation domain with an empty page table.
func (b *Backend) NewDomain() (dma.TranslationDomain, error) {
	d := &Domain{
		granule:      uint64(1) << bits.TrailingZeros64(b.pageSizes),
		pages:        make(map[uint64]mapping),
		devices:      make(map[string]struct{}),
		failMapAfter: math.MaxUint64,
	}

	b.mu.Lock()
	b.domains = append(b.domains, d)
	b.mu.Unlock()

	return d, nil
}

// LastDomain returns the most recently created translation domain, so
// tests can reach its fault injection hooks.
func (b *Backend) LastDomain() *Domain {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.domains) == 0 {
		return nil
	}
	return b.domains[len(b.domains)-1]
}

type mapping struct {
	phys uint64
	prot dma.Prot
}

// Domain is one mock translation object.
type Domain struct {
	mu           sync.Mutex
	granule      uint64
	pages        map[uint64]mapping
	devices      map[string]struct{}
	closed       bool
	failMapAfter uint64
	failAttaches int
}

var _ dma.TranslationDomain = &Domain{}

// FailMapAfter arms fault injection: mapping requests succeed for the
// first n bytes and fail afterwards, leaving a partially bound state.
func (d *Domain) FailMapAfter(n uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failMapAfter = n
}

// FailAttaches makes the next n device attach attempts fail.
func (d *Domain) FailAttaches(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAttaches = n
}

// MappedBytes returns the total number of currently mapped bytes.
func (d *Domain) MappedBytes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.pages)) * d.granule
}

// Devices returns the number of attached devices.
func (d *Domain) Devices() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.devices)
}

// Map binds one physical range, page by page, honoring armed faults.
func (d *Domain) Map(addr dma.Addr, phys, size uint64, prot dma.Prot) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.mapLocked(addr, phys, size, prot)
}

// MapRanges binds the ranges contiguously in virtual space starting at
// addr. On a fault it returns the number of bytes bound so far.
func (d *Domain) MapRanges(addr dma.Addr, ranges []dma.PhysRange, prot dma.Prot) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	mapped := uint64(0)
	for _, r := range ranges {
		n, err := d.mapLocked(addr+dma.Addr(mapped), r.Phys, r.Size, prot)
		mapped += n
		if err != nil {
			return mapped, err
		}
	}

	return mapped, nil
}

func (d *Domain) mapLocked(addr dma.Addr, phys, size uint64, prot dma.Prot) (uint64, error) {
	if uint64(addr)&(d.granule-1) != 0 || phys&(d.granule-1) != 0 || size&(d.granule-1) != 0 {
		return 0, fmt.Errorf("mock: unaligned map request (%s, %#x, %#x)", addr, phys, size)
	}

	mapped := uint64(0)
	for off := uint64(0); off < size; off += d.granule {
		if d.failMapAfter < d.granule {
			return mapped, fmt.Errorf("mock: injected map fault at %s", addr+dma.Addr(off))
		}
		if d.failMapAfter != math.MaxUint64 {
			d.failMapAfter -= d.granule
		}

		page := (uint64(addr) + off) / d.granule
		if _, ok := d.pages[page]; ok {
			return mapped, fmt.Errorf("mock: page %#x already mapped", page*d.granule)
		}
		d.pages[page] = mapping{phys: phys + off, prot: prot}
		mapped += d.granule
	}

	return mapped, nil
}

// Unmap removes translations over [addr, addr+size) and returns the
// number of bytes actually removed. Unmapping never-mapped space is
// not an error, the unmapped count just comes up short.
func (d *Domain) Unmap(addr dma.Addr, size uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if uint64(addr)&(d.granule-1) != 0 || size&(d.granule-1) != 0 {
		return 0, fmt.Errorf("mock: unaligned unmap request (%s, %#x)", addr, size)
	}

	unmapped := uint64(0)
	for off := uint64(0); off < size; off += d.granule {
		page := (uint64(addr) + off) / d.granule
		if _, ok := d.pages[page]; ok {
			delete(d.pages, page)
			unmapped += d.granule
		}
	}

	return unmapped, nil
}

// Translate looks up the physical address mapped at addr, for tests.
func (d *Domain) Translate(addr dma.Addr) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	m, ok := d.pages[uint64(addr)/d.granule]
	if !ok {
		return 0, false
	}
	return m.phys + uint64(addr)&(d.granule-1), true
}

// AttachDevice binds the named device, honoring armed attach faults.
func (d *Domain) AttachDevice(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failAttaches > 0 {
		d.failAttaches--
		return fmt.Errorf("mock: injected attach fault for %q", name)
	}

	d.devices[name] = struct{}{}
	return nil
}

// DetachDevice unbinds the named device.
func (d *Domain) DetachDevice(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.devices, name)
}

// Close marks the domain destroyed. Closing twice panics, which lets
// tests catch reference-counting bugs.
func (d *Domain) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		panic(fmt.Errorf("mock: domain closed twice"))
	}
	d.closed = true
}
