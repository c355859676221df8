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
	"fmt"
	"sync"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestPortAllocatorExhaustion(t *testing.T) {
	t.Parallel()

	a, err := NewPortAllocator(8000, 8004)
	require.NoError(t, err)

	for want := 8000; want <= 8004; want++ {
		port, err := a.Allocate(fmt.Sprintf("domain-%d", want))
		require.NoError(t, err)
		require.Equal(t, want, port)
	}

	_, err = a.Allocate("one-too-many")
	require.Error(t, err)
	require.True(t, trace.IsLimitExceeded(err))

	a.Release(8002)
	port, err := a.Allocate("recycled")
	require.NoError(t, err)
	require.Equal(t, 8002, port)

	// releasing a free port is a no-op
	a.Release(7999)
	require.Equal(t, 0, a.Free())
}

func TestPortAllocatorLowestFree(t *testing.T) {
	t.Parallel()

	a, err := NewPortAllocator(8000, 8010)
	require.NoError(t, err)

	p1, err := a.Allocate("one")
	require.NoError(t, err)
	p2, err := a.Allocate("two")
	require.NoError(t, err)
	require.Equal(t, 8000, p1)
	require.Equal(t, 8001, p2)

	a.Release(p1)
	p3, err := a.Allocate("three")
	require.NoError(t, err)
	require.Equal(t, 8000, p3)

	require.Equal(t, map[int]string{8000: "three", 8001: "two"}, a.InUse())
}

func TestPortAllocatorConcurrent(t *testing.T) {
	t.Parallel()

	a, err := NewPortAllocator(8000, 8099)
	require.NoError(t, err)

	var wg sync.WaitGroup
	ports := make(chan int, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			port, err := a.Allocate(fmt.Sprintf("domain-%d", n))
			if err == nil {
				ports <- port
			}
		}(i)
	}
	wg.Wait()
	close(ports)

	seen := make(map[int]bool)
	for port := range ports {
		require.False(t, seen[port], "port %d allocated twice", port)
		seen[port] = true
	}
	require.Len(t, seen, 100)

	_, err = a.Allocate("overflow")
	require.True(t, trace.IsLimitExceeded(err))
}

func TestPortAllocatorValidation(t *testing.T) {
	t.Parallel()

	_, err := NewPortAllocator(0, 100)
	require.True(t, trace.IsBadParameter(err))
	_, err = NewPortAllocator(9000, 8000)
	require.True(t, trace.IsBadParameter(err))
	_, err = NewPortAllocator(8000, 70000)
	require.True(t, trace.IsBadParameter(err))
}
