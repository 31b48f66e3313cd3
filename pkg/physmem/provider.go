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

package physmem

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/google/btree"
)

// Provider manages a bounded range of physical memory in fixed-size
// pages. Buffer allocation prefers large contiguous chunks to keep the
// number of translation entries down, so AllocPages carves the request
// into the largest power-of-two runs it can find, falling back all the
// way to single pages. Only full exhaustion fails.
type Provider struct {
	mu       sync.Mutex
	avail    *sync.Cond
	pageSize uint64
	base     uint64
	pages    uint64
	free     *btree.BTreeG[prun]
	mem      []byte
}

// Page is one physical page, addressable by its physical address and
// backed by provider memory.
type Page struct {
	phys uint64
	data []byte
}

// A prun is a contiguous run of free pages, keyed by its first page.
type prun struct {
	page  uint64
	pages uint64
}

func prunLess(a, b prun) bool {
	return a.page < b.page
}

// New creates a provider for the given number of pages of the given
// size, with physical addresses starting at base. The page size must be
// a power of two and base must be page aligned.
func New(base uint64, pages int, pageSize uint64) (*Provider, error) {
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("%w: page size %#x is not a power of two", ErrInvalidConfig, pageSize)
	}
	if base&(pageSize-1) != 0 {
		return nil, fmt.Errorf("%w: base %#x is not page aligned", ErrInvalidConfig, base)
	}
	if pages <= 0 {
		return nil, fmt.Errorf("%w: non-positive page count %d", ErrInvalidConfig, pages)
	}

	p := &Provider{
		pageSize: pageSize,
		base:     base,
		pages:    uint64(pages),
		free:     btree.NewG[prun](16, prunLess),
		mem:      make([]byte, uint64(pages)*pageSize),
	}
	p.avail = sync.NewCond(&p.mu)
	p.free.ReplaceOrInsert(prun{page: 0, pages: uint64(pages)})

	return p, nil
}

// PageSize returns the provider's page size in bytes.
func (p *Provider) PageSize() uint64 {
	return p.pageSize
}

// AllocPages acquires count pages. The result is contiguous in the
// returned slice but not necessarily physically contiguous: the request
// is satisfied chunk by chunk, preferring the largest power-of-two run
// available and falling back to single pages. With wait set, the call
// blocks until enough memory is freed; otherwise exhaustion fails with
// ErrNoMemory.
func (p *Provider) AllocPages(count int, wait bool) ([]Page, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: non-positive page count %d", ErrInvalidConfig, count)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	pages := make([]Page, 0, count)
	remaining := uint64(count)

	for remaining > 0 {
		order := bits.Len64(remaining) - 1

		r, ok := p.takeRun(uint64(1)<<order, remaining)
		if !ok {
			if !wait {
				p.putPages(pages)
				return nil, fmt.Errorf("%w: %d of %d pages unavailable", ErrNoMemory,
					remaining, count)
			}
			// Give the partial carve back before sleeping; a waiter
			// sitting on pages could starve another blocked caller.
			p.putPages(pages)
			pages = pages[:0]
			remaining = uint64(count)
			p.avail.Wait()
			continue
		}

		for i := uint64(0); i < r.pages; i++ {
			pages = append(pages, p.page(r.page+i))
		}
		remaining -= r.pages
	}

	return pages, nil
}

// FreePages releases the given pages back to the provider and wakes any
// blocked allocations.
func (p *Provider) FreePages(pages []Page) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.putPages(pages)
	p.avail.Broadcast()
}

// FreeCount returns the number of currently free pages.
func (p *Provider) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := uint64(0)
	p.free.Ascend(func(r prun) bool {
		n += r.pages
		return true
	})

	return int(n)
}

// takeRun grabs up to want pages from the free runs, preferring a full
// power-of-two run of size chunk but settling for the largest smaller
// run available. It fails only if nothing at all is free.
func (p *Provider) takeRun(chunk, want uint64) (prun, bool) {
	var best prun

	p.free.Ascend(func(r prun) bool {
		if r.pages > best.pages {
			best = r
		}
		return best.pages < chunk
	})
	if best.pages == 0 {
		return prun{}, false
	}

	take := best.pages
	if take > chunk {
		take = chunk
	}
	if take > want {
		take = want
	}

	p.free.Delete(best)
	if best.pages > take {
		p.free.ReplaceOrInsert(prun{page: best.page + take, pages: best.pages - take})
	}

	return prun{page: best.page, pages: take}, true
}

func (p *Provider) putPages(pages []Page) {
	for _, pg := range pages {
		p.putRun(prun{page: (pg.phys - p.base) / p.pageSize, pages: 1})
	}
}

func (p *Provider) putRun(r prun) {
	merged := r

	p.free.DescendLessOrEqual(prun{page: r.page}, func(prev prun) bool {
		if prev.page+prev.pages == merged.page {
			p.free.Delete(prev)
			merged = prun{page: prev.page, pages: prev.pages + merged.pages}
		}
		return false
	})
	if next, ok := p.free.Get(prun{page: merged.page + merged.pages}); ok {
		p.free.Delete(next)
		merged.pages += next.pages
	}

	p.free.ReplaceOrInsert(merged)
}

func (p *Provider) page(idx uint64) Page {
	off := idx * p.pageSize
	return Page{
		phys: p.base + off,
		data: p.mem[off : off+p.pageSize : off+p.pageSize],
	}
}

// Phys returns the physical address of the page.
func (pg Page) Phys() uint64 {
	return pg.phys
}

// Data returns the page contents.
func (pg Page) Data() []byte {
	return pg.data
}

// Zero clears the page contents.
func (pg Page) Zero() {
	for i := range pg.data {
		pg.data[i] = 0
	}
}
