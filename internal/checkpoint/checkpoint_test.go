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

package checkpoint

import (
	"path/filepath"
	"testing"

	"fleetupdate/pkg/fleet"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLoad_RoundTrips(t *testing.T) {
	s := newTestStore(t)

	state := fleet.NewCleanupState("job-1")
	state.HostsInMaintenance = []string{"esx-1", "esx-2"}
	state.CurrentHost = "esx-2"
	state.HADisabled = true
	state.HASnapshot = &fleet.HAConfig{Enabled: true, HostMonitoring: true, AdmissionControl: true}

	if err := s.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load("job-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got == nil {
		t.Fatalf("expected checkpoint to be found")
	}
	if got.CurrentHost != "esx-2" || !got.HADisabled {
		t.Fatalf("unexpected checkpoint contents: %+v", got)
	}
	if len(got.HostsInMaintenance) != 2 {
		t.Fatalf("expected 2 hosts in maintenance, got %v", got.HostsInMaintenance)
	}
}

func TestLoad_MissingReturnsNilNil(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Load("does-not-exist")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for missing checkpoint, got %+v", got)
	}
}

func TestDelete_RemovesCheckpoint(t *testing.T) {
	s := newTestStore(t)
	state := fleet.NewCleanupState("job-2")
	if err := s.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete("job-2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := s.Load("job-2")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected checkpoint removed, got %+v", got)
	}
}

func TestAllJobIDs_ListsEveryLiveCheckpoint(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"job-a", "job-b"} {
		if err := s.Save(fleet.NewCleanupState(id)); err != nil {
			t.Fatalf("Save(%s): %v", id, err)
		}
	}
	ids, err := s.AllJobIDs()
	if err != nil {
		t.Fatalf("AllJobIDs: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 live checkpoints, got %v", ids)
	}
}
