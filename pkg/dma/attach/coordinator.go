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

// Package attach binds devices to DMA domains, deferring and retrying
// the bind for devices whose domain is created before the device itself
// is ready. The coordinator knows nothing about how devices are
// discovered; it consumes ready events from a channel the discovery
// mechanism feeds.
package attach

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/containers/iommu-dma/pkg/dma"
)

var log = logrus.WithField("source", "attach")

// Event notifies the coordinator that attachments may now succeed:
// a device became ready or a new domain became available.
type Event struct {
	Device string
}

// A record is one pending attachment. The domain reference it holds
// keeps the domain alive until the attach succeeds.
type record struct {
	dev *dma.Device
	dom *dma.Domain
}

// Coordinator queues device attachments and retries them on every
// event until they succeed. Retries are unbounded; there is no backoff
// and no expiry, a failed bind simply stays queued for the next event.
type Coordinator struct {
	sync.Mutex
	pending []*record
	stop    chan struct{}
}

// NewCoordinator creates an attachment coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{}
}

// Queue adds a pending attachment of the device to the domain. The
// coordinator takes over the caller's domain reference and holds it
// until the attach succeeds; on success, ownership of the reference
// passes to the attachment itself.
func (c *Coordinator) Queue(dev *dma.Device, dom *dma.Domain) {
	c.Lock()
	defer c.Unlock()

	c.pending = append(c.pending, &record{dev: dev, dom: dom})

	log.Debugf("queued attachment of device %q", dev.Name())
}

// Pending returns the number of queued attachments.
func (c *Coordinator) Pending() int {
	c.Lock()
	defer c.Unlock()

	return len(c.pending)
}

// Pass attempts every pending attachment once. Successful records are
// removed and their domain reference released; failed ones remain
// queued unchanged. Records queued while a pass is running are picked
// up by the next pass.
func (c *Coordinator) Pass() {
	c.Lock()
	defer c.Unlock()

	remaining := c.pending[:0]
	for _, r := range c.pending {
		if err := dma.Attach(r.dev, r.dom); err != nil {
			log.Warnf("failed to attach device %q, will retry: %v", r.dev.Name(), err)
			remaining = append(remaining, r)
			continue
		}
		// The attachment now holds its own reference, the queued
		// one can go.
		r.dom.Release()
	}
	c.pending = remaining
}

// Start consumes events from the given channel, running one pass per
// event, until the channel is closed or Stop is called. Starting an
// already running coordinator is a caller bug and panics.
func (c *Coordinator) Start(events <-chan Event) {
	c.Lock()
	if c.stop != nil {
		c.Unlock()
		panic(fmt.Errorf("attach: coordinator already started"))
	}
	c.stop = make(chan struct{})
	stop := c.stop
	c.Unlock()

	go func() {
		for {
			select {
			case <-stop:
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				log.Debugf("device %q ready, running attachment pass...", evt.Device)
				c.Pass()
			}
		}
	}()
}

// Stop stops event consumption. Queued attachments are kept.
func (c *Coordinator) Stop() {
	c.Lock()
	defer c.Unlock()

	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}
