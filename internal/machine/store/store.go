// SPDX-License-Identifier: MIT

// Package store persists machine snapshots so fresh machine instances
// survive a process restart. Two backends: badger on disk for the
// daemon, memory for tests.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/VJDiPaola/ADHD-OS/internal/machine"
)

// Open creates a snapshot store for the configured backend.
func Open(backend, path string) (machine.SnapshotStore, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "badger":
		return OpenBadgerStore(path)
	default:
		return nil, fmt.Errorf("unknown snapshot backend: %s", backend)
	}
}

// MemoryStore keeps snapshots in a map. Used in tests and when
// persistence across restarts is not wanted.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]machine.Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]machine.Snapshot)}
}

func (s *MemoryStore) Put(_ context.Context, snap machine.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.MachineID] = snap
	return nil
}

func (s *MemoryStore) Get(_ context.Context, machineID string) (*machine.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[machineID]
	if !ok {
		return nil, nil
	}
	out := snap
	return &out, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*machine.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*machine.Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		cp := snap
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, machineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, machineID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

var _ machine.SnapshotStore = (*MemoryStore)(nil)
