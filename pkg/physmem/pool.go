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
	"sync"
)

// Pool is a small set of pages reserved from a Provider up front, for
// allocations which must not wait for memory. Get never blocks; an
// exhausted pool fails fast with ErrNoMemory.
type Pool struct {
	mu    sync.Mutex
	p     *Provider
	pages []Page
	used  []bool
}

// NewPool reserves the given number of pages from the provider. The
// reservation blocks until the provider can satisfy it; pools are meant
// to be created once at configuration time.
func NewPool(p *Provider, pages int) (*Pool, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("%w: non-positive pool size %d", ErrInvalidConfig, pages)
	}

	reserved, err := p.AllocPages(pages, true)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve pool pages: %w", err)
	}

	return &Pool{
		p:     p,
		pages: reserved,
		used:  make([]bool, pages),
	}, nil
}

// Size returns the pool capacity in pages.
func (pl *Pool) Size() int {
	return len(pl.pages)
}

// Get takes count pages from the pool without waiting. It fails with
// ErrNoMemory if fewer than count pages are free.
func (pl *Pool) Get(count int) ([]Page, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: non-positive page count %d", ErrInvalidConfig, count)
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	taken := make([]Page, 0, count)
	idx := make([]int, 0, count)

	for i := range pl.pages {
		if pl.used[i] {
			continue
		}
		taken = append(taken, pl.pages[i])
		idx = append(idx, i)
		if len(taken) == count {
			break
		}
	}
	if len(taken) < count {
		return nil, fmt.Errorf("%w: pool exhausted, %d of %d pages free", ErrNoMemory,
			len(taken), count)
	}

	for _, i := range idx {
		pl.used[i] = true
	}

	return taken, nil
}

// Put returns pages taken from the pool. Returning a page the pool does
// not own, or returning it twice, is a caller bug and panics.
func (pl *Pool) Put(pages []Page) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	for _, pg := range pages {
		i, ok := pl.index(pg)
		if !ok {
			panic(fmt.Errorf("physmem: pool put of foreign page %#x", pg.phys))
		}
		if !pl.used[i] {
			panic(fmt.Errorf("physmem: double put of pool page %#x", pg.phys))
		}
		pl.used[i] = false
	}
}

// Contains reports whether the page belongs to the pool.
func (pl *Pool) Contains(pg Page) bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	_, ok := pl.index(pg)
	return ok
}

func (pl *Pool) index(pg Page) (int, bool) {
	for i := range pl.pages {
		if pl.pages[i].phys == pg.phys {
			return i, true
		}
	}
	return 0, false
}
