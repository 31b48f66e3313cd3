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
	"math"
	"math/bits"
	"sync/atomic"

	"github.com/containers/iommu-dma/pkg/iova"
)

// Domain is one device-facing virtual address space: a backend
// translation object plus the IOVA allocator feeding it. Domains are
// reference counted; the creator holds the initial reference and every
// attached device holds one more. The last release destroys the
// translation object.
type Domain struct {
	backend Backend
	td      TranslationDomain
	iovad   *iova.Allocator
	granule uint64
	refs    atomic.Int64
}

// CreateDomain creates a domain covering [base, base+size), clipped to
// the backend's aperture. The allocation granule is the smallest page
// size the backend supports. It fails with ErrAperture if the requested
// range does not intersect the aperture at all.
func CreateDomain(backend Backend, base, size uint64) (*Domain, error) {
	pgSizes := backend.PageSizes()
	if pgSizes == 0 {
		return nil, fmt.Errorf("%w: backend reports no page sizes", ErrBadConfig)
	}
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-sized domain", ErrBadConfig)
	}

	// Use the smallest supported page size as the IOVA granularity.
	order := uint(bits.TrailingZeros64(pgSizes))
	granule := uint64(1) << order

	startPage := base >> order
	if startPage == 0 {
		startPage = 1
	}

	// Saturate the last covered byte; base+size can wrap for ranges
	// reaching the end of the address space.
	last := base + size - 1
	if last < base {
		last = math.MaxUint64
	}
	endPage := last >> order

	apStart, apEnd := backend.Aperture()
	if base > apEnd || last < apStart {
		return nil, fmt.Errorf("%w: [%#x,+%#x) vs aperture [%#x,%#x]", ErrAperture,
			base, size, apStart, apEnd)
	}
	if s := apStart >> order; s > startPage {
		startPage = s
	}
	if e := apEnd >> order; e < endPage {
		endPage = e
	}

	td, err := backend.NewDomain()
	if err != nil {
		return nil, fmt.Errorf("failed to create translation domain: %w", err)
	}

	iovad, err := iova.New(granule, startPage, endPage)
	if err != nil {
		td.Close()
		return nil, fmt.Errorf("failed to create IOVA allocator: %w", err)
	}

	d := &Domain{
		backend: backend,
		td:      td,
		iovad:   iovad,
		granule: granule,
	}
	d.refs.Store(1)

	log.Debugf("created domain, granule %#x, pages [%#x,%#x]", granule, startPage, endPage)

	return d, nil
}

// Granule returns the domain's allocation granule in bytes.
func (d *Domain) Granule() uint64 {
	return d.granule
}

// IOVA returns the domain's IOVA allocator.
func (d *Domain) IOVA() *iova.Allocator {
	return d.iovad
}

// Get takes an additional reference on the domain.
func (d *Domain) Get() *Domain {
	d.refs.Add(1)
	return d
}

// Release drops one reference. The last release destroys the backend
// translation object; the domain must not be used afterwards.
func (d *Domain) Release() {
	refs := d.refs.Add(-1)
	switch {
	case refs < 0:
		panic(fmt.Errorf("dma: domain released more times than acquired"))
	case refs == 0:
		log.Debugf("destroying domain")
		d.td.Close()
	}
}

// Refs returns the current reference count.
func (d *Domain) Refs() int64 {
	return d.refs.Load()
}

// Attach binds the device to the domain. The domain's reference count
// is raised speculatively and rolled back if the backend rejects the
// bind, in which case ErrAttach is returned with no other state change.
// Attaching a device which already has an active domain is a caller bug
// and panics.
func Attach(dev *Device, d *Domain) error {
	if dev.domain != nil {
		panic(fmt.Errorf("dma: device %q already attached to a domain", dev.name))
	}

	d.Get()
	if err := d.td.AttachDevice(dev.name); err != nil {
		d.refs.Add(-1)
		return fmt.Errorf("%w: device %q: %w", ErrAttach, dev.name, err)
	}
	dev.domain = d

	log.Debugf("attached device %q", dev.name)

	return nil
}

// Detach unconditionally unbinds the device from its recorded domain
// and drops the reference the attachment held.
func Detach(dev *Device) {
	d := dev.domain
	if d == nil {
		panic(fmt.Errorf("dma: detach of unattached device %q", dev.name))
	}

	dev.domain = nil
	d.td.DetachDevice(dev.name)
	d.Release()

	log.Debugf("detached device %q", dev.name)
}

// allocIOVA reserves an interval for size bytes below the device's
// address mask.
func (d *Domain) allocIOVA(dev *Device, size uint64, coherent bool) (*iova.Interval, error) {
	iv, err := d.iovad.Alloc(size, dev.mask(coherent))
	if err != nil {
		return nil, fmt.Errorf("%w: %d bytes for %q below mask %#x: %w", ErrNoSpace,
			size, dev.name, dev.mask(coherent), err)
	}
	return iv, nil
}

// unmapByAddr tears down whatever interval covers addr. The allocator
// knows what was mapped, so the unmapped length must match it exactly;
// anything else means translation state has diverged from allocation
// state and there is no way to continue safely.
func (d *Domain) unmapByAddr(addr Addr) {
	iv := d.iovad.Find(uint64(addr))
	if iv == nil {
		panic(fmt.Errorf("dma: unmap of unknown address %s", addr))
	}

	unmapped, err := d.td.Unmap(Addr(iv.Addr()), iv.Size())
	if err != nil || unmapped < iv.Size() {
		panic(fmt.Errorf("dma: unmapped %#x of %#x bytes at %#x (%v)",
			unmapped, iv.Size(), iv.Addr(), err))
	}

	d.iovad.Free(iv)
}
