/*
Copyright 2024 OpenLink Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package domain

import (
	"sync"

	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Raywonder/openlink-sub002/lib/utils"
)

var allocatedPorts = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "openlink_allocated_ports",
		Help: "Number of proxy ports currently allocated to domains",
	},
)

// PortAllocator hands out proxy ports from a contiguous range. Allocation
// behaves as if calls were totally ordered: no two concurrent Allocate
// calls return the same port.
type PortAllocator struct {
	mu    sync.Mutex
	start int
	end   int
	inUse map[int]string
}

// NewPortAllocator returns an allocator over [start, end] inclusive
func NewPortAllocator(start, end int) (*PortAllocator, error) {
	if start < 1 || end > 65535 || start > end {
		return nil, trace.BadParameter("invalid port range %d-%d", start, end)
	}
	if err := utils.RegisterPrometheusCollectors(allocatedPorts); err != nil {
		return nil, trace.Wrap(err)
	}
	return &PortAllocator{
		start: start,
		end:   end,
		inUse: make(map[int]string),
	}, nil
}

// Allocate reserves the lowest free port for domainID
func (a *PortAllocator) Allocate(domainID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for port := a.start; port <= a.end; port++ {
		if _, taken := a.inUse[port]; taken {
			continue
		}
		a.inUse[port] = domainID
		allocatedPorts.Set(float64(len(a.inUse)))
		return port, nil
	}
	return 0, trace.LimitExceeded("port range %d-%d is exhausted", a.start, a.end)
}

// Release frees a port. Releasing a free port is a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, port)
	allocatedPorts.Set(float64(len(a.inUse)))
}

// InUse returns a snapshot of the allocation map
func (a *PortAllocator) InUse() map[int]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]string, len(a.inUse))
	for port, id := range a.inUse {
		out[port] = id
	}
	return out
}

// Free returns the number of unallocated ports left in the range
func (a *PortAllocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.end - a.start + 1 - len(a.inUse)
}
