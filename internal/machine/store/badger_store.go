// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/VJDiPaola/ADHD-OS/internal/machine"
)

const snapPrefix = "snap:"

// BadgerStore persists snapshots in a badger database, one JSON value
// per machine under "snap:<id>".
type BadgerStore struct {
	db *badger.DB
}

func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

func (s *BadgerStore) Put(_ context.Context, snap machine.Snapshot) error {
	key := []byte(snapPrefix + snap.MachineID)
	buf, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

func (s *BadgerStore) Get(_ context.Context, machineID string) (*machine.Snapshot, error) {
	key := []byte(snapPrefix + machineID)
	var out machine.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &out)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) List(ctx context.Context) ([]*machine.Snapshot, error) {
	prefix := []byte(snapPrefix)
	var out []*machine.Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var snap machine.Snapshot
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			}); err != nil {
				// A single bad row must not hide the rest.
				continue
			}
			out = append(out, &snap)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Delete(_ context.Context, machineID string) error {
	key := []byte(snapPrefix + machineID)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

var _ machine.SnapshotStore = (*BadgerStore)(nil)
