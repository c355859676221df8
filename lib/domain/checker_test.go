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
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/Raywonder/openlink-sub002/lib/privexec"
)

const resolvedLookup = `Server:		127.0.0.53
Address:	127.0.0.53#53

Non-authoritative answer:
Name:	taken.openlink.test
Address: 203.0.113.7
`

const nxdomainLookup = `Server:		127.0.0.53
Address:	127.0.0.53#53

** server can't find taken.openlink.test: NXDOMAIN
`

// scriptedExec answers nslookup and grep probes from canned results and
// records which arm each command went through
type scriptedExec struct {
	dnsOut   string
	dnsCode  int
	grepCode int
	remote   bool

	mu      sync.Mutex
	locals  []string
	remotes []string
}

func (s *scriptedExec) answer(command string) (*privexec.Result, error) {
	switch {
	case strings.HasPrefix(command, "nslookup"):
		return &privexec.Result{Stdout: s.dnsOut, Code: s.dnsCode}, nil
	case strings.HasPrefix(command, "grep"):
		return &privexec.Result{Code: s.grepCode}, nil
	}
	return &privexec.Result{}, nil
}

func (s *scriptedExec) ExecLocal(ctx context.Context, command string) (*privexec.Result, error) {
	s.mu.Lock()
	s.locals = append(s.locals, command)
	s.mu.Unlock()
	return s.answer(command)
}

func (s *scriptedExec) ExecRemote(ctx context.Context, command string) (*privexec.Result, error) {
	s.mu.Lock()
	s.remotes = append(s.remotes, command)
	s.mu.Unlock()
	return s.answer(command)
}

func (s *scriptedExec) RemoteConfigured() bool { return s.remote }

func (s *scriptedExec) probes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locals) + len(s.remotes)
}

// staticRegistry serves a fixed set of internal records
type staticRegistry struct {
	records map[string]*Domain
}

func (r *staticRegistry) FindByName(fullName string) *Domain {
	return r.records[fullName]
}

func newTestChecker(t *testing.T, execer *scriptedExec, records map[string]*Domain) *Checker {
	t.Helper()
	if records == nil {
		records = map[string]*Domain{}
	}
	checker, err := NewChecker(CheckerConfig{
		Registry:       &staticRegistry{records: records},
		Exec:           execer,
		LocalConfPath:  "/etc/nginx/conf.d/openlink.conf",
		RemoteConfPath: "/etc/nginx/conf.d/openlink.conf",
		Clock:          clockwork.NewFakeClock(),
	})
	require.NoError(t, err)
	return checker
}

func TestCheckerRegistryFirst(t *testing.T) {
	t.Parallel()
	execer := &scriptedExec{dnsOut: resolvedLookup}
	record := &Domain{ID: "deadbeef", FullName: "mine.openlink.test"}
	checker := newTestChecker(t, execer, map[string]*Domain{record.FullName: record})

	hit, err := checker.Exists(context.Background(), "  MINE.openlink.test ")
	require.NoError(t, err)
	require.True(t, hit.Exists)
	require.Equal(t, SourceInternal, hit.Source)
	require.Equal(t, record, hit.Domain)
	require.False(t, hit.External())
	// internal records answer without probing
	require.Zero(t, execer.probes())
}

func TestCheckerDNSPositive(t *testing.T) {
	t.Parallel()
	execer := &scriptedExec{dnsOut: resolvedLookup, grepCode: 1}
	checker := newTestChecker(t, execer, nil)

	hit, err := checker.Exists(context.Background(), "taken.openlink.test")
	require.NoError(t, err)
	require.True(t, hit.Exists)
	require.Equal(t, SourceDNS, hit.Source)
	require.Nil(t, hit.Domain)
	require.True(t, hit.External())
	// a DNS positive short-circuits the config grep
	require.Len(t, execer.locals, 1)
}

func TestCheckerConfigPositive(t *testing.T) {
	t.Parallel()
	execer := &scriptedExec{dnsOut: nxdomainLookup, dnsCode: 1, grepCode: 0}
	checker := newTestChecker(t, execer, nil)

	hit, err := checker.Exists(context.Background(), "stale.openlink.test")
	require.NoError(t, err)
	require.True(t, hit.Exists)
	require.Equal(t, SourceNginx, hit.Source)
	require.True(t, hit.External())
}

func TestCheckerNegativeCached(t *testing.T) {
	t.Parallel()
	execer := &scriptedExec{dnsOut: nxdomainLookup, dnsCode: 1, grepCode: 1}
	checker := newTestChecker(t, execer, nil)
	ctx := context.Background()

	hit, err := checker.Exists(ctx, "free.openlink.test")
	require.NoError(t, err)
	require.False(t, hit.Exists)
	require.Empty(t, hit.Source)
	probed := execer.probes()
	require.NotZero(t, probed)

	// a second ask within the TTL is answered from cache
	again, err := checker.Exists(ctx, "free.openlink.test")
	require.NoError(t, err)
	require.False(t, again.Exists)
	require.Equal(t, probed, execer.probes())

	// flushing the entry forces a fresh probe
	checker.Flush("free.openlink.test")
	_, err = checker.Exists(ctx, "free.openlink.test")
	require.NoError(t, err)
	require.Greater(t, execer.probes(), probed)
}

func TestCheckerSeed(t *testing.T) {
	t.Parallel()
	execer := &scriptedExec{dnsOut: nxdomainLookup, dnsCode: 1, grepCode: 1}
	checker := newTestChecker(t, execer, nil)

	checker.Seed("Seeded.openlink.test", &Hit{Exists: true, Source: SourceDNS})
	hit, err := checker.Exists(context.Background(), "seeded.openlink.test")
	require.NoError(t, err)
	require.True(t, hit.Exists)
	require.Equal(t, SourceDNS, hit.Source)
	require.False(t, hit.CheckedAt.IsZero())
	require.Zero(t, execer.probes())
}

func TestCheckerRemoteVantage(t *testing.T) {
	t.Parallel()
	execer := &scriptedExec{dnsOut: nxdomainLookup, dnsCode: 1, grepCode: 1, remote: true}
	checker := newTestChecker(t, execer, nil)

	_, err := checker.Exists(context.Background(), "free.openlink.test")
	require.NoError(t, err)

	// with a proxy host configured the DNS probe runs there so it sees the
	// public resolver view; the local aggregate is still grepped locally
	require.NotEmpty(t, execer.remotes)
	require.True(t, strings.HasPrefix(execer.remotes[0], "nslookup"))
	require.NotEmpty(t, execer.locals)
	require.True(t, strings.HasPrefix(execer.locals[0], "grep"))
}

func TestCheckerEmptyName(t *testing.T) {
	t.Parallel()
	checker := newTestChecker(t, &scriptedExec{}, nil)
	_, err := checker.Exists(context.Background(), "   ")
	require.True(t, trace.IsBadParameter(err))
}

func TestNslookupResolved(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		output string
		want   bool
	}{
		{name: "answer", output: resolvedLookup, want: true},
		{name: "nxdomain", output: nxdomainLookup, want: false},
		{name: "empty", output: "", want: false},
		{
			// the resolver's own address must not count as an answer
			name:   "server lines only",
			output: "Server:\t127.0.0.53\nAddress:\t127.0.0.53#53\n",
			want:   false,
		},
		{
			name:   "multiple addresses",
			output: "Name:\ttaken.openlink.test\nAddresses: 203.0.113.7 203.0.113.8\n",
			want:   true,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, nslookupResolved(tc.output), "output:\n%s", tc.output)
		})
	}
}

func TestCheckerSingleflight(t *testing.T) {
	t.Parallel()
	execer := &scriptedExec{dnsOut: nxdomainLookup, dnsCode: 1, grepCode: 1}
	checker := newTestChecker(t, execer, nil)
	ctx := context.Background()

	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() {
			_, err := checker.Exists(ctx, "contended.openlink.test")
			done <- err
		}()
	}
	deadline := time.After(5 * time.Second)
	for i := 0; i < 4; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-deadline:
			t.Fatal("checker calls did not finish")
		}
	}
}
