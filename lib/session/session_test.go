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

package session

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, clock clockwork.Clock, onDestroy func(context.Context, *Session)) *Registry {
	t.Helper()
	r, err := NewRegistry(Config{
		Clock:     clock,
		OnDestroy: onDestroy,
	})
	require.NoError(t, err)
	return r
}

func TestCreateDestroyRoundTrip(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var destroyed []string
	r := newTestRegistry(t, clock, func(ctx context.Context, s *Session) {
		destroyed = append(destroyed, s.ID)
	})
	before := r.Len()

	s, err := r.Create("ABCD1234", Settings{})
	require.NoError(t, err)
	// IDs are lowercased on the write path
	require.Equal(t, "abcd1234", s.ID)
	require.Equal(t, 10, s.Settings.MaxClients)

	_, err = r.Create("abcd1234", Settings{})
	require.True(t, trace.IsAlreadyExists(err))

	got, err := r.Get("ABCD1234")
	require.NoError(t, err)
	require.Equal(t, s, got)

	require.NoError(t, r.Destroy(context.Background(), "abcd1234"))
	require.Equal(t, before, r.Len())
	require.Equal(t, []string{"abcd1234"}, destroyed)

	err = r.Destroy(context.Background(), "abcd1234")
	require.True(t, trace.IsNotFound(err))
}

func TestNewLinkIDFormat(t *testing.T) {
	r := newTestRegistry(t, clockwork.NewFakeClock(), nil)
	format := regexp.MustCompile(`^[a-z0-9]{8}$`)
	for i := 0; i < 32; i++ {
		id, err := r.NewLinkID()
		require.NoError(t, err)
		require.Regexp(t, format, id)
	}
}

func TestRenameSwapsKeyAtomically(t *testing.T) {
	r := newTestRegistry(t, clockwork.NewFakeClock(), nil)

	s, err := r.Create("abcd1234", Settings{})
	require.NoError(t, err)
	s.Lock()
	s.HostID = "host-1"
	s.AddClient("client-1")
	s.Unlock()

	var seen string
	renamed, err := r.Rename("abcd1234", "WXYZ9876", func(inner *Session) {
		// runs under the session lock with the new ID already applied
		seen = inner.ID
	})
	require.NoError(t, err)
	require.Equal(t, "wxyz9876", seen)
	require.Equal(t, "wxyz9876", renamed.ID)

	_, err = r.Get("abcd1234")
	require.True(t, trace.IsNotFound(err))

	got, err := r.Get("wxyz9876")
	require.NoError(t, err)
	require.Equal(t, "host-1", got.HostID)
	require.Equal(t, []string{"client-1"}, got.ClientIDs)

	// renaming onto a taken ID is rejected
	_, err = r.Create("abcd1234", Settings{})
	require.NoError(t, err)
	_, err = r.Rename("abcd1234", "wxyz9876", nil)
	require.True(t, trace.IsAlreadyExists(err))
}

func TestMembershipHelpers(t *testing.T) {
	r := newTestRegistry(t, clockwork.NewFakeClock(), nil)
	s, err := r.Create("abcd1234", Settings{})
	require.NoError(t, err)

	s.Lock()
	defer s.Unlock()
	require.True(t, s.Empty())

	s.HostID = "host-1"
	s.AddClient("client-1")
	s.AddClient("client-2")
	require.Equal(t, []string{"host-1", "client-1", "client-2"}, s.Peers())
	require.Equal(t, int64(2), s.Stats.Joins)

	require.True(t, s.RemoveClient("client-1"))
	require.False(t, s.RemoveClient("client-1"))
	require.Equal(t, []string{"host-1", "client-2"}, s.Peers())
	require.False(t, s.Empty())
}

func TestReaperDestroysIdleSessions(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var destroyed []string
	r := newTestRegistry(t, clock, func(ctx context.Context, s *Session) {
		destroyed = append(destroyed, s.ID)
	})

	_, err := r.Create("idlelink", Settings{})
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	busy, err := r.Create("busylink", Settings{})
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	r.Touch(busy)
	r.Reap(context.Background())

	require.Equal(t, []string{"idlelink"}, destroyed)
	_, err = r.Get("idlelink")
	require.True(t, trace.IsNotFound(err))
	_, err = r.Get("busylink")
	require.NoError(t, err)
}

func TestSnapshotIsDetached(t *testing.T) {
	r := newTestRegistry(t, clockwork.NewFakeClock(), nil)
	s, err := r.Create("abcd1234", Settings{Password: "p1"})
	require.NoError(t, err)

	s.Lock()
	s.HostID = "host-1"
	s.AddClient("client-1")
	s.Unlock()

	snap := s.Snapshot()
	snap.ClientIDs[0] = "mutated"
	snap.Settings.Password = "p2"

	s.Lock()
	defer s.Unlock()
	require.Equal(t, []string{"client-1"}, s.ClientIDs)
	require.Equal(t, "p1", s.Settings.Password)
}
