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

package physmem_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/containers/iommu-dma/pkg/physmem"
)

const pageSize = uint64(0x1000)

func newProvider(t *testing.T, pages int) *Provider {
	p, err := New(0x100000, pages, pageSize)
	require.Nil(t, err, "unexpected New() error")
	require.NotNil(t, p, "unexpected nil provider")
	return p
}

func TestNew(t *testing.T) {
	_, err := New(0x100000, 16, pageSize-1)
	require.NotNil(t, err, "non-power-of-two page size should fail")

	_, err = New(0x100001, 16, pageSize)
	require.NotNil(t, err, "unaligned base should fail")

	_, err = New(0x100000, 0, pageSize)
	require.NotNil(t, err, "empty provider should fail")
}

func TestAllocPages(t *testing.T) {
	p := newProvider(t, 64)

	pages, err := p.AllocPages(7, false)
	require.Nil(t, err, "unexpected AllocPages() error")
	require.Len(t, pages, 7, "allocated page count")
	require.Equal(t, 64-7, p.FreeCount(), "free pages after allocation")

	seen := map[uint64]struct{}{}
	for _, pg := range pages {
		_, dup := seen[pg.Phys()]
		require.False(t, dup, "page %#x allocated twice", pg.Phys())
		seen[pg.Phys()] = struct{}{}
		require.Len(t, pg.Data(), int(pageSize), "page data size")
	}

	p.FreePages(pages)
	require.Equal(t, 64, p.FreeCount(), "free pages after release")
}

func TestAllocFragmented(t *testing.T) {
	p := newProvider(t, 16)

	// Fragment the space, then ask for more contiguous memory than
	// any single run holds; single-page fallback must cover it.
	all, err := p.AllocPages(16, false)
	require.Nil(t, err, "unexpected AllocPages() error")

	holes := []Page{}
	for i := 0; i < len(all); i += 2 {
		holes = append(holes, all[i])
	}
	p.FreePages(holes)
	require.Equal(t, 8, p.FreeCount(), "free pages after fragmenting")

	pages, err := p.AllocPages(8, false)
	require.Nil(t, err, "fragmented allocation should still succeed")
	require.Len(t, pages, 8, "allocated page count")
}

func TestAllocExhaustion(t *testing.T) {
	p := newProvider(t, 8)

	pages, err := p.AllocPages(8, false)
	require.Nil(t, err, "unexpected AllocPages() error")

	_, err = p.AllocPages(1, false)
	require.ErrorIs(t, err, ErrNoMemory, "non-blocking allocation from exhausted provider")
	require.Equal(t, 0, p.FreeCount(), "failed allocation must not leak pages")

	p.FreePages(pages)
}

func TestAllocBlocking(t *testing.T) {
	p := newProvider(t, 8)

	pages, err := p.AllocPages(8, false)
	require.Nil(t, err, "unexpected AllocPages() error")

	done := make(chan []Page)
	go func() {
		blocked, err := p.AllocPages(4, true)
		require.Nil(t, err, "unexpected blocking AllocPages() error")
		done <- blocked
	}()

	select {
	case <-done:
		require.FailNow(t, "blocking allocation completed with no free memory")
	case <-time.After(50 * time.Millisecond):
	}

	p.FreePages(pages)

	select {
	case blocked := <-done:
		require.Len(t, blocked, 4, "blocked allocation page count")
	case <-time.After(time.Second):
		require.FailNow(t, "blocking allocation did not complete after free")
	}
}

func TestAllocBlockingHoldsNothing(t *testing.T) {
	p := newProvider(t, 8)

	held, err := p.AllocPages(4, false)
	require.Nil(t, err, "unexpected AllocPages() error")

	// The blocked request could carve 4 pages before running out; it
	// must give them back while it sleeps so another caller can have
	// them.
	done := make(chan []Page)
	go func() {
		blocked, err := p.AllocPages(8, true)
		require.Nil(t, err, "unexpected blocking AllocPages() error")
		done <- blocked
	}()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 4, p.FreeCount(), "waiter must not sit on partial pages")

	other, err := p.AllocPages(4, false)
	require.Nil(t, err, "allocation alongside a blocked waiter")

	p.FreePages(held)
	p.FreePages(other)

	select {
	case blocked := <-done:
		require.Len(t, blocked, 8, "blocked allocation page count")
	case <-time.After(time.Second):
		require.FailNow(t, "blocking allocation did not complete after free")
	}
}

func TestZero(t *testing.T) {
	p := newProvider(t, 4)

	pages, err := p.AllocPages(1, false)
	require.Nil(t, err, "unexpected AllocPages() error")

	pg := pages[0]
	copy(pg.Data(), []byte{1, 2, 3})
	pg.Zero()
	for i, b := range pg.Data() {
		require.Equal(t, byte(0), b, "byte %d after Zero()", i)
	}
}

func TestPool(t *testing.T) {
	var (
		p = newProvider(t, 16)
	)

	pool, err := NewPool(p, 4)
	require.Nil(t, err, "unexpected NewPool() error")
	require.Equal(t, 4, pool.Size(), "pool size")
	require.Equal(t, 12, p.FreeCount(), "provider pages after reservation")

	pages, err := pool.Get(3)
	require.Nil(t, err, "unexpected Get() error")
	require.Len(t, pages, 3, "pool page count")

	_, err = pool.Get(2)
	require.ErrorIs(t, err, ErrNoMemory, "pool over-allocation must fail fast")

	pool.Put(pages)

	pages, err = pool.Get(4)
	require.Nil(t, err, "unexpected Get() error after Put()")
	require.Len(t, pages, 4, "pool page count")
	pool.Put(pages)
}

func TestPoolMisuse(t *testing.T) {
	var (
		p = newProvider(t, 16)
	)

	pool, err := NewPool(p, 2)
	require.Nil(t, err, "unexpected NewPool() error")

	pages, err := pool.Get(1)
	require.Nil(t, err, "unexpected Get() error")

	pool.Put(pages)
	require.Panics(t, func() { pool.Put(pages) }, "double put must panic")

	foreign, err := p.AllocPages(1, false)
	require.Nil(t, err, "unexpected AllocPages() error")
	require.Panics(t, func() { pool.Put(foreign) }, "put of foreign page must panic")
}
