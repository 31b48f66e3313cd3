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

package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/containers/iommu-dma/pkg/backend/mock"
	"github.com/containers/iommu-dma/pkg/dma"
	"github.com/containers/iommu-dma/pkg/dma/attach"
	"github.com/containers/iommu-dma/pkg/physmem"
)

var log *logrus.Logger

type deviceConfig struct {
	Name           string `json:"name"`
	DMAMask        uint64 `json:"dmaMask,omitempty"`
	Coherent       bool   `json:"coherent,omitempty"`
	MaxSegmentSize uint64 `json:"maxSegmentSize,omitempty"`
	BoundaryMask   uint64 `json:"boundaryMask,omitempty"`
}

type config struct {
	PageSize    uint64         `json:"pageSize"`
	MemoryPages int            `json:"memoryPages"`
	PoolPages   int            `json:"poolPages"`
	Base        uint64         `json:"base"`
	Size        uint64         `json:"size"`
	MetricsAddr string         `json:"metricsAddr,omitempty"`
	Devices     []deviceConfig `json:"devices"`
}

func defaultConfig() *config {
	return &config{
		PageSize:    0x1000,
		MemoryPages: 4096,
		PoolPages:   64,
		Base:        0,
		Size:        1 << 32,
	}
}

func readConfig(path string) (*config, error) {
	cfg := defaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading configuration file %q", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "error parsing configuration file %q", path)
	}

	return cfg, nil
}

type glue struct {
	cfg     *config
	backend *mock.Backend
	mem     *physmem.Provider
	buffers *dma.BufferAllocator
	coord   *attach.Coordinator
	devices []*dma.Device
	events  chan attach.Event
}

func setup(cfg *config) (*glue, error) {
	mem, err := physmem.New(0x100000, cfg.MemoryPages, cfg.PageSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create physical memory provider")
	}

	pool, err := physmem.NewPool(mem, cfg.PoolPages)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reserve atomic pool")
	}

	g := &glue{
		cfg:     cfg,
		backend: mock.NewBackend(mock.WithPageSizes(cfg.PageSize)),
		mem:     mem,
		buffers: dma.NewBufferAllocator(mem, pool),
		coord:   attach.NewCoordinator(),
		events:  make(chan attach.Event, 8),
	}

	for _, dc := range cfg.Devices {
		opts := []dma.DeviceOption{dma.WithCoherent(dc.Coherent)}
		if dc.DMAMask != 0 {
			opts = append(opts, dma.WithDMAMask(dc.DMAMask),
				dma.WithCoherentDMAMask(dc.DMAMask))
		}
		if dc.MaxSegmentSize != 0 {
			opts = append(opts, dma.WithMaxSegmentSize(dc.MaxSegmentSize))
		}
		if dc.BoundaryMask != 0 {
			opts = append(opts, dma.WithBoundaryMask(dc.BoundaryMask))
		}
		dev := dma.NewDevice(dc.Name, opts...)

		dom, err := dma.CreateDomain(g.backend, cfg.Base, cfg.Size)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create domain for device %q", dc.Name)
		}

		g.coord.Queue(dev, dom)
		g.devices = append(g.devices, dev)
	}

	return g, nil
}

func (g *glue) run() error {
	g.coord.Start(g.events)
	defer g.coord.Stop()

	// Simulate discovery: announce every configured device once. Any
	// attach the backend rejects stays queued for the next event.
	for _, dev := range g.devices {
		g.events <- attach.Event{Device: dev.Name()}
	}

	if g.cfg.MetricsAddr != "" {
		if err := dma.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return errors.Wrap(err, "failed to register metrics")
		}
		http.Handle("/metrics", promhttp.Handler())
		log.Infof("serving metrics on %s", g.cfg.MetricsAddr)
		return http.ListenAndServe(g.cfg.MetricsAddr, nil)
	}

	return nil
}

func main() {
	var (
		configFile string
		verbose    bool
	)

	log = logrus.StandardLogger()
	log.SetFormatter(&logrus.TextFormatter{
		PadLevelText: true,
	})

	flag.StringVar(&configFile, "config", "", "configuration file name")
	flag.BoolVar(&verbose, "v", false, "verbose output")
	flag.Parse()

	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, err := readConfig(configFile)
	if err != nil {
		log.Fatalf("%v", err)
	}

	g, err := setup(cfg)
	if err != nil {
		log.Fatalf("failed to set up DMA glue: %v", err)
	}

	if err := g.run(); err != nil {
		log.Errorf("exited (%v)", err)
		os.Exit(1)
	}
}
