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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	buffersAllocated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dma",
		Name:      "buffers_allocated_total",
		Help:      "Number of successfully allocated DMA buffers.",
	})
	buffersFreed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dma",
		Name:      "buffers_freed_total",
		Help:      "Number of freed DMA buffers.",
	})
	buffersFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dma",
		Name:      "buffer_failures_total",
		Help:      "Number of failed DMA buffer allocations, by reason.",
	}, []string{"reason"})
	sgMapped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dma",
		Name:      "sg_maps_total",
		Help:      "Number of successfully mapped scatter-gather transfers.",
	})
	sgMapsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dma",
		Name:      "sg_map_failures_total",
		Help:      "Number of failed scatter-gather mappings, by reason.",
	}, []string{"reason"})
)

// RegisterMetrics registers the package's collectors with the given
// prometheus registerer.
func RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		buffersAllocated, buffersFreed, buffersFailed, sgMapped, sgMapsFailed,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
