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
	"math"

	"github.com/containers/iommu-dma/pkg/physmem"
)

// DeviceOption is an opaque option which can be applied to a Device.
type DeviceOption func(*Device)

// WithDMAMask sets the device's streaming DMA address mask.
func WithDMAMask(mask uint64) DeviceOption {
	return func(d *Device) {
		d.dmaMask = mask
	}
}

// WithCoherentDMAMask sets the device's coherent DMA address mask.
func WithCoherentDMAMask(mask uint64) DeviceOption {
	return func(d *Device) {
		d.coherentMask = mask
	}
}

// WithCoherent marks the device as cache-coherent. Buffers allocated
// for non-coherent devices are flushed page by page with the device's
// flush hook before they are handed out.
func WithCoherent(coherent bool) DeviceOption {
	return func(d *Device) {
		d.coherent = coherent
	}
}

// WithMaxSegmentSize caps the length of merged scatter-gather segments
// reported for the device.
func WithMaxSegmentSize(size uint64) DeviceOption {
	return func(d *Device) {
		d.maxSegSize = size
	}
}

// WithBoundaryMask sets the boundary a merged scatter-gather segment
// must not cross for the device.
func WithBoundaryMask(mask uint64) DeviceOption {
	return func(d *Device) {
		d.boundaryMask = mask
	}
}

// WithFlushPage sets the per-page cache flush hook invoked for buffers
// of non-coherent devices.
func WithFlushPage(flush func(physmem.Page)) DeviceOption {
	return func(d *Device) {
		d.flushPage = flush
	}
}

// Device describes one DMA master: its identity, addressing limits and
// transfer constraints, all read-only inputs to this layer, plus the
// domain it is currently attached to.
type Device struct {
	name         string
	coherent     bool
	dmaMask      uint64
	coherentMask uint64
	maxSegSize   uint64
	boundaryMask uint64
	flushPage    func(physmem.Page)
	domain       *Domain
}

// NewDevice creates a device descriptor with the given options. Masks
// and transfer limits default to unrestricted.
func NewDevice(name string, options ...DeviceOption) *Device {
	d := &Device{
		name:         name,
		dmaMask:      math.MaxUint64,
		coherentMask: math.MaxUint64,
		maxSegSize:   math.MaxUint32,
		boundaryMask: math.MaxUint32,
	}

	for _, o := range options {
		o(d)
	}

	return d
}

// Name returns the device identity.
func (d *Device) Name() string {
	return d.name
}

// Domain returns the device's attached domain, or nil.
func (d *Device) Domain() *Domain {
	return d.domain
}

// Coherent reports whether the device is cache-coherent.
func (d *Device) Coherent() bool {
	return d.coherent
}

// MaxSegmentSize returns the device's maximum transfer-segment size.
func (d *Device) MaxSegmentSize() uint64 {
	return d.maxSegSize
}

// BoundaryMask returns the device's segment-boundary alignment mask.
func (d *Device) BoundaryMask() uint64 {
	return d.boundaryMask
}

// mask returns the address limit for IOVA allocation, based on which
// side of the device is addressing the buffer.
func (d *Device) mask(coherent bool) uint64 {
	if coherent {
		return d.coherentMask
	}
	return d.dmaMask
}
