// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package checkpoint is a local crash-recovery store: it persists
// fleet.CleanupState at every phase boundary of a rolling update job
// so that a process restart can find any job that was "running" when
// it died and run the cancellation/cleanup routine against the
// last-known checkpoint instead of leaving a host stuck in
// maintenance mode with HA disabled.
package checkpoint

import (
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"fleetupdate/pkg/fleet"
)

var bucketName = []byte("cleanup_state")

// Store wraps a bbolt database file dedicated to cleanup checkpoints.
type Store struct {
	db *bbolt.DB
}

// Open opens (or creates) the bbolt file at path and ensures the
// checkpoint bucket exists.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bbolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoint bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save writes (or overwrites) the checkpoint for state.JobID.
func (s *Store) Save(state *fleet.CleanupState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal cleanup state for job %s: %w", state.JobID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(state.JobID), raw)
	})
}

// Load returns the checkpoint for jobID, or (nil, nil) if none exists.
func (s *Store) Load(jobID string) (*fleet.CleanupState, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(jobID))
		if v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read checkpoint for job %s: %w", jobID, err)
	}
	if raw == nil {
		return nil, nil
	}
	var state fleet.CleanupState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint for job %s: %w", jobID, err)
	}
	return &state, nil
}

// Delete removes the checkpoint for jobID once cleanup has run to
// completion (or the job finished without ever needing one).
func (s *Store) Delete(jobID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(jobID))
	})
}

// AllJobIDs returns every job ID with a live checkpoint, for the
// startup recovery sweep.
func (s *Store) AllJobIDs() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list checkpointed jobs: %w", err)
	}
	return ids, nil
}
