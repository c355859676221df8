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

package signal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Identity is one persisted machine/wallet sighting. It is the only state
// that survives a server restart: sessions and domains are rebuilt from
// scratch, but a returning peer can still be recognized as the same user.
type Identity struct {
	// MachineID is the peer-reported stable machine identifier
	MachineID string `json:"machineId"`
	// WalletFingerprint is the peer-reported wallet fingerprint
	WalletFingerprint string `json:"walletFingerprint,omitempty"`
	// FirstSeen is the first sighting
	FirstSeen time.Time `json:"firstSeen"`
	// LastSeen is the most recent sighting
	LastSeen time.Time `json:"lastSeen"`
}

// IdentityStore persists peer identity records as a single JSON file under
// the user configuration directory, replaced atomically on every update
type IdentityStore struct {
	path  string
	clock clockwork.Clock

	mu        sync.Mutex
	byMachine map[string]*Identity
}

// DefaultIdentityPath returns the identity file location under the user
// configuration directory
func DefaultIdentityPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", trace.Wrap(err)
	}
	return filepath.Join(dir, "openlink", "identities.json"), nil
}

// NewIdentityStore opens the store at path, loading any existing records
func NewIdentityStore(path string, clock clockwork.Clock) (*IdentityStore, error) {
	if path == "" {
		return nil, trace.BadParameter("identity store: path is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &IdentityStore{
		path:      path,
		clock:     clock,
		byMachine: make(map[string]*Identity),
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, trace.Wrap(err)
	}
	var records []Identity
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, trace.BadParameter("identity store %v is corrupted: %v", path, err)
	}
	for i := range records {
		s.byMachine[records[i].MachineID] = &records[i]
	}
	return s, nil
}

// Record upserts a sighting and persists the store
func (s *IdentityStore) Record(machineID, walletFingerprint string) error {
	if machineID == "" {
		return trace.BadParameter("machine ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	record, ok := s.byMachine[machineID]
	if !ok {
		record = &Identity{MachineID: machineID, FirstSeen: now}
		s.byMachine[machineID] = record
	}
	record.LastSeen = now
	if walletFingerprint != "" {
		record.WalletFingerprint = walletFingerprint
	}
	return trace.Wrap(s.persistLocked())
}

// Lookup returns the record for a machine ID
func (s *IdentityStore) Lookup(machineID string) (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.byMachine[machineID]
	if !ok {
		return nil, trace.NotFound("identity %q is not found", machineID)
	}
	out := *record
	return &out, nil
}

// FindByWallet returns every machine sighted with the given wallet
// fingerprint, enabling same-identity peer discovery across devices
func (s *IdentityStore) FindByWallet(walletFingerprint string) []Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Identity
	for _, record := range s.byMachine {
		if record.WalletFingerprint == walletFingerprint {
			out = append(out, *record)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out
}

// Identities returns every record sorted by machine ID
func (s *IdentityStore) Identities() []Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Identity, 0, len(s.byMachine))
	for _, record := range s.byMachine {
		out = append(out, *record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out
}

func (s *IdentityStore) persistLocked() error {
	records := make([]Identity, 0, len(s.byMachine))
	for _, record := range s.byMachine {
		records = append(records, *record)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].MachineID < records[j].MachineID })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return trace.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(renameio.WriteFile(s.path, data, 0600))
}
