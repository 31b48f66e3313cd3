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

package iova

import (
	"fmt"
	"math"
	"math/bits"
	"sync"

	"github.com/google/btree"
)

// Allocator hands out non-overlapping intervals of IOVA space over a
// bounded, granule-aligned range. Free space is kept in an ordered tree
// of runs so that allocation and release stay logarithmic in the number
// of live intervals. The first page of the range is never handed out,
// which keeps address 0 available as an error sentinel.
type Allocator struct {
	mu    sync.Mutex
	shift uint
	start uint64 // first allocatable page
	end   uint64 // last allocatable page, inclusive
	free  *btree.BTreeG[run]
	live  *btree.BTreeG[run]
}

// Interval is a half-open range of IOVA space owned by one allocator.
// Intervals are created by Alloc and destroyed by exactly one matching
// Free call.
type Interval struct {
	page  uint64
	pages uint64
	shift uint
}

// A run is a contiguous range of pages, keyed by its first page.
type run struct {
	page  uint64
	pages uint64
}

func runLess(a, b run) bool {
	return a.page < b.page
}

// New creates an allocator for pages [startPage, endPage] with the given
// page granule. The granule must be a power of two. Page 0 is reserved
// and never allocated.
func New(granule, startPage, endPage uint64) (*Allocator, error) {
	if granule == 0 || granule&(granule-1) != 0 {
		return nil, fmt.Errorf("%w: granule %#x is not a power of two", ErrInvalidRange, granule)
	}
	if startPage == 0 {
		startPage = 1
	}
	if endPage < startPage {
		return nil, fmt.Errorf("%w: empty page range [%#x,%#x]", ErrInvalidRange, startPage, endPage)
	}

	a := &Allocator{
		shift: uint(bits.TrailingZeros64(granule)),
		start: startPage,
		end:   endPage,
		free:  btree.NewG[run](16, runLess),
		live:  btree.NewG[run](16, runLess),
	}
	a.free.ReplaceOrInsert(run{page: startPage, pages: endPage - startPage + 1})

	return a, nil
}

// Granule returns the allocation granule in bytes.
func (a *Allocator) Granule() uint64 {
	return 1 << a.shift
}

// AlignSize rounds size up to the allocation granule.
func (a *Allocator) AlignSize(size uint64) uint64 {
	g := uint64(1) << a.shift
	return (size + g - 1) &^ (g - 1)
}

// Alloc reserves the lowest free interval large enough for size bytes,
// rounded up to the granule, whose last byte is addressable at or below
// limit. It returns ErrNoSpace if no such interval exists.
func (a *Allocator) Alloc(size, limit uint64) (*Interval, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero-sized allocation", ErrInvalidRange)
	}

	need := a.AlignSize(size) >> a.shift
	// Rounding up to the granule wraps for sizes in the last granule
	// below 2^64; such a request can never fit.
	if need == 0 {
		return nil, fmt.Errorf("%w: size %#x rounds past the end of the address space",
			ErrNoSpace, size)
	}

	// Last page an interval may end on and still honor the limit.
	limitPage := uint64(math.MaxUint64)
	if limit != math.MaxUint64 {
		limitPage = limit >> a.shift
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var found *run
	a.free.Ascend(func(r run) bool {
		if r.page+need-1 > limitPage {
			return false
		}
		if r.pages >= need {
			found = &r
			return false
		}
		return true
	})
	if found == nil {
		return nil, fmt.Errorf("%w: %d pages below limit %#x", ErrNoSpace, need, limit)
	}

	a.free.Delete(*found)
	if found.pages > need {
		a.free.ReplaceOrInsert(run{page: found.page + need, pages: found.pages - need})
	}

	iv := run{page: found.page, pages: need}
	a.live.ReplaceOrInsert(iv)

	return &Interval{page: iv.page, pages: iv.pages, shift: a.shift}, nil
}

// Free returns the interval to the free space, coalescing it with
// adjacent free runs. Freeing an interval which is not live, or freeing
// it twice, is a caller bug and panics.
func (a *Allocator) Free(iv *Interval) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.live.Get(run{page: iv.page})
	if !ok || r.pages != iv.pages {
		panic(fmt.Errorf("iova: free of unknown or dead interval [%#x,+%#x)",
			iv.page<<iv.shift, iv.pages<<iv.shift))
	}
	a.live.Delete(r)

	merged := r

	// Coalesce with the preceding free run, if it touches ours.
	a.free.DescendLessOrEqual(run{page: r.page}, func(prev run) bool {
		if prev.page+prev.pages == merged.page {
			a.free.Delete(prev)
			merged = run{page: prev.page, pages: prev.pages + merged.pages}
		}
		return false
	})

	// And with the following one.
	if next, ok := a.free.Get(run{page: merged.page + merged.pages}); ok {
		a.free.Delete(next)
		merged.pages += next.pages
	}

	a.free.ReplaceOrInsert(merged)
}

// Find returns the live interval containing the given byte address, or
// nil if the address is not covered by any live interval.
func (a *Allocator) Find(addr uint64) *Interval {
	page := addr >> a.shift

	a.mu.Lock()
	defer a.mu.Unlock()

	var found *Interval
	a.live.DescendLessOrEqual(run{page: page}, func(r run) bool {
		if page < r.page+r.pages {
			found = &Interval{page: r.page, pages: r.pages, shift: a.shift}
		}
		return false
	})

	return found
}

// FreeRanges returns a snapshot of the free runs as byte ranges, in
// ascending address order.
func (a *Allocator) FreeRanges() []Range {
	a.mu.Lock()
	defer a.mu.Unlock()

	ranges := []Range{}
	a.free.Ascend(func(r run) bool {
		ranges = append(ranges, Range{Addr: r.page << a.shift, Size: r.pages << a.shift})
		return true
	})

	return ranges
}

// Range is a byte-addressed range of IOVA space.
type Range struct {
	Addr uint64
	Size uint64
}

// Addr returns the byte address of the first page of the interval.
func (iv *Interval) Addr() uint64 {
	return iv.page << iv.shift
}

// Size returns the interval size in bytes.
func (iv *Interval) Size() uint64 {
	return iv.pages << iv.shift
}

// Pages returns the interval length in granule units.
func (iv *Interval) Pages() uint64 {
	return iv.pages
}

func (iv *Interval) String() string {
	return fmt.Sprintf("[%#x,+%#x)", iv.Addr(), iv.Size())
}
