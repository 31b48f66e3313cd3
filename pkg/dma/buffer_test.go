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

package dma_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/containers/iommu-dma/pkg/backend/mock"
	. "github.com/containers/iommu-dma/pkg/dma"
	"github.com/containers/iommu-dma/pkg/physmem"
)

type testSetup struct {
	backend *mock.Backend
	mem     *physmem.Provider
	pool    *physmem.Pool
	buffers *BufferAllocator
	dom     *Domain
	dev     *Device
}

func newSetup(t *testing.T, memPages, poolPages int, devOpts ...DeviceOption) *testSetup {
	s := &testSetup{
		backend: mock.NewBackend(),
	}

	var err error

	s.mem, err = physmem.New(0x100000, memPages, granule)
	require.Nil(t, err, "unexpected physmem.New() error")

	if poolPages > 0 {
		s.pool, err = physmem.NewPool(s.mem, poolPages)
		require.Nil(t, err, "unexpected NewPool() error")
	}

	s.buffers = NewBufferAllocator(s.mem, s.pool)
	s.dom = newDomain(t, s.backend)
	s.dev = NewDevice("dev0", devOpts...)

	require.Nil(t, Attach(s.dev, s.dom), "unexpected Attach() error")

	return s
}

func (s *testSetup) teardown() {
	Detach(s.dev)
	s.dom.Release()
}

func TestAllocBuffer(t *testing.T) {
	s := newSetup(t, 64, 0)
	defer s.teardown()

	buf, err := s.buffers.Alloc(s.dev, 3*granule+5, Blocking, ProtRead|ProtWrite)
	require.Nil(t, err, "unexpected Alloc() error")
	require.False(t, buf.Handle.IsError(), "buffer handle")
	require.Len(t, buf.Pages, 4, "page count rounds up to the granule")

	// Every page is mapped, in order, and zeroed.
	td := s.backend.LastDomain()
	require.Equal(t, 4*granule, td.MappedBytes(), "mapped bytes")
	for i, pg := range buf.Pages {
		phys, ok := td.Translate(buf.Handle + Addr(uint64(i)*granule))
		require.True(t, ok, "page %d translation", i)
		require.Equal(t, pg.Phys(), phys, "page %d physical address", i)
		for _, b := range pg.Data() {
			require.Equal(t, byte(0), b, "page %d not zeroed", i)
		}
	}

	s.buffers.Free(s.dev, buf)
	require.Equal(t, uint64(0), td.MappedBytes(), "mapped bytes after free")
	require.True(t, buf.Handle.IsError(), "handle invalidated by free")
	require.Equal(t, 64, s.mem.FreeCount(), "pages released by free")
}

func TestAllocBufferRollback(t *testing.T) {
	s := newSetup(t, 64, 0)
	defer s.teardown()

	var (
		td        = s.backend.LastDomain()
		freePages = s.mem.FreeCount()
		freeIOVA  = s.dom.IOVA().FreeRanges()
	)

	// The backend maps two pages of four, then faults. The caller
	// must observe a clean failure: nothing mapped, no IOVA interval
	// held, no pages leaked.
	td.FailMapAfter(2 * granule)

	buf, err := s.buffers.Alloc(s.dev, 4*granule, Blocking, ProtRead)
	require.ErrorIs(t, err, ErrMapFailed, "partial map must fail the allocation")
	require.Nil(t, buf, "no buffer on failure")

	require.Equal(t, uint64(0), td.MappedBytes(), "no pages left mapped")
	require.Equal(t, freePages, s.mem.FreeCount(), "all pages released")
	require.Empty(t, cmp.Diff(freeIOVA, s.dom.IOVA().FreeRanges()), "IOVA interval returned")
}

func TestAllocBufferAtomic(t *testing.T) {
	s := newSetup(t, 64, 4)
	defer s.teardown()

	buf, err := s.buffers.Alloc(s.dev, 2*granule, Atomic, ProtRead|ProtWrite)
	require.Nil(t, err, "unexpected atomic Alloc() error")

	// The pool has two pages left; a four-page atomic request must
	// fail fast instead of waiting.
	_, err = s.buffers.Alloc(s.dev, 4*granule, Atomic, ProtRead|ProtWrite)
	require.ErrorIs(t, err, ErrNoMemory, "atomic allocation from exhausted pool")

	s.buffers.Free(s.dev, buf)

	buf, err = s.buffers.Alloc(s.dev, 4*granule, Atomic, ProtRead|ProtWrite)
	require.Nil(t, err, "unexpected atomic Alloc() error after free")
	s.buffers.Free(s.dev, buf)
}

func TestAllocBufferFlush(t *testing.T) {
	flushed := []uint64{}
	s := newSetup(t, 64, 0,
		WithCoherent(false),
		WithFlushPage(func(pg physmem.Page) {
			flushed = append(flushed, pg.Phys())
		}))
	defer s.teardown()

	buf, err := s.buffers.Alloc(s.dev, 2*granule, Blocking, ProtRead|ProtWrite)
	require.Nil(t, err, "unexpected Alloc() error")
	require.Len(t, flushed, 2, "every page flushed for a non-coherent device")

	s.buffers.Free(s.dev, buf)
}

func TestAllocBufferNoFlushCoherent(t *testing.T) {
	flushed := 0
	s := newSetup(t, 64, 0,
		WithCoherent(true),
		WithFlushPage(func(physmem.Page) { flushed++ }))
	defer s.teardown()

	buf, err := s.buffers.Alloc(s.dev, granule, Blocking, ProtRead|ProtWrite)
	require.Nil(t, err, "unexpected Alloc() error")
	require.Equal(t, 0, flushed, "no flush for a coherent device")

	s.buffers.Free(s.dev, buf)
}

func TestFreeBufferTwice(t *testing.T) {
	s := newSetup(t, 64, 0)
	defer s.teardown()

	buf, err := s.buffers.Alloc(s.dev, granule, Blocking, ProtRead)
	require.Nil(t, err, "unexpected Alloc() error")

	s.buffers.Free(s.dev, buf)
	require.Panics(t, func() { s.buffers.Free(s.dev, buf) }, "double free must panic")
}

func TestAllocBufferUnattached(t *testing.T) {
	s := newSetup(t, 64, 0)
	defer s.dom.Release()

	Detach(s.dev)

	_, err := s.buffers.Alloc(s.dev, granule, Blocking, ProtRead)
	require.ErrorIs(t, err, ErrNotAttached, "allocation for detached device")

	// Re-attach so nothing else is left dangling.
	require.Nil(t, Attach(s.dev, s.dom), "unexpected Attach() error")
	Detach(s.dev)
}
