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

package jobstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fleetupdate/pkg/fleet"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	s, err := Open(ctx, dbPath, "test-passphrase")
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertJobAndGetJobByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	scope := fleet.TargetScope{Kind: fleet.ScopeCluster, Cluster: "cluster-a"}
	job := fleet.NewJob("job-1", scope, "operator@example.com", fleet.Details{"catalog_url": "https://downloads.dell.com/catalog/Catalog.xml"})

	if err := s.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	got, err := s.GetJobByID(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if got.Status != fleet.JobPending {
		t.Fatalf("expected pending status, got %s", got.Status)
	}
	if got.TargetScope.Cluster != "cluster-a" {
		t.Fatalf("target scope mismatch: %+v", got.TargetScope)
	}
	if got.Details.StringDetail("catalog_url", "") == "" {
		t.Fatalf("expected catalog_url detail to round-trip")
	}
}

func TestGetJobByID_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetJobByID(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateJobStatus_SetsTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := fleet.NewJob("job-2", fleet.TargetScope{Kind: fleet.ScopeServers, ServerIDs: []string{"srv-1"}}, "op", nil)
	if err := s.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	if err := s.UpdateJobStatus(ctx, "job-2", fleet.JobRunning); err != nil {
		t.Fatalf("UpdateJobStatus(running): %v", err)
	}
	got, err := s.GetJobByID(ctx, "job-2")
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if got.StartedAt == nil {
		t.Fatalf("expected started_at to be set on transition to running")
	}

	if err := s.UpdateJobStatus(ctx, "job-2", fleet.JobCompleted); err != nil {
		t.Fatalf("UpdateJobStatus(completed): %v", err)
	}
	got, err = s.GetJobByID(ctx, "job-2")
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set on terminal transition")
	}
}

func TestMergeJobDetails_PreservesExistingKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := fleet.NewJob("job-3", fleet.TargetScope{Kind: fleet.ScopeServers, ServerIDs: []string{"srv-1"}}, "op", fleet.Details{"a": "1"})
	if err := s.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if err := s.MergeJobDetails(ctx, "job-3", fleet.Details{"b": "2"}); err != nil {
		t.Fatalf("MergeJobDetails: %v", err)
	}
	got, err := s.GetJobByID(ctx, "job-3")
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if got.Details.StringDetail("a", "") != "1" || got.Details.StringDetail("b", "") != "2" {
		t.Fatalf("expected both keys present after merge, got %+v", got.Details)
	}
}

func TestReplaceHostsAndHostsForJob_RoundTripsEncryptedPassword(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := fleet.NewJob("job-4", fleet.TargetScope{Kind: fleet.ScopeCluster, Cluster: "c1"}, "op", nil)
	if err := s.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	hosts := []fleet.TargetHost{
		{ServerID: "srv-1", BMCAddress: "https://bmc1", BMCUsername: "root", BMCPassword: "s3cret", Vendor: "dell"},
		{ServerID: "srv-2", BMCAddress: "https://bmc2", BMCUsername: "root", BMCPassword: "other", Vendor: "dell"},
	}
	if err := s.ReplaceHosts(ctx, "job-4", hosts); err != nil {
		t.Fatalf("ReplaceHosts: %v", err)
	}

	got, err := s.HostsForJob(ctx, "job-4")
	if err != nil {
		t.Fatalf("HostsForJob: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(got))
	}
	if got[0].ServerID != "srv-1" || got[0].BMCPassword != "s3cret" {
		t.Fatalf("expected order and decrypted password preserved, got %+v", got[0])
	}
	if got[1].BMCPassword != "other" {
		t.Fatalf("expected second host password decrypted, got %+v", got[1])
	}
}

func TestRecordAndResolveBlockers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := fleet.NewJob("job-5", fleet.TargetScope{Kind: fleet.ScopeServers, ServerIDs: []string{"srv-1"}}, "op", nil)
	if err := s.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	blockers := []fleet.MaintenanceBlocker{
		{VMName: "vm-a", Reason: fleet.BlockerVGPU, Severity: fleet.SeverityCritical},
	}
	if err := s.RecordBlockers(ctx, "job-5", "srv-1", blockers); err != nil {
		t.Fatalf("RecordBlockers: %v", err)
	}

	open, err := s.UnresolvedBlockers(ctx, "job-5")
	if err != nil {
		t.Fatalf("UnresolvedBlockers: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected 1 open blocker, got %d", len(open))
	}

	if err := s.ResolveBlockers(ctx, "job-5", "srv-1"); err != nil {
		t.Fatalf("ResolveBlockers: %v", err)
	}
	open, err = s.UnresolvedBlockers(ctx, "job-5")
	if err != nil {
		t.Fatalf("UnresolvedBlockers after resolve: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected 0 open blockers after resolve, got %d", len(open))
	}
}

func TestUnresolvedBlockersForHostDoesNotLeakAcrossHosts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job := fleet.NewJob("job-6", fleet.TargetScope{Kind: fleet.ScopeServers, ServerIDs: []string{"srv-1", "srv-2"}}, "op", nil)
	if err := s.InsertJob(ctx, job); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}

	if err := s.RecordBlockers(ctx, "job-6", "srv-1", []fleet.MaintenanceBlocker{
		{VMName: "vm-a", Reason: fleet.BlockerVGPU, Severity: fleet.SeverityCritical},
	}); err != nil {
		t.Fatalf("RecordBlockers srv-1: %v", err)
	}

	open, err := s.UnresolvedBlockersForHost(ctx, "job-6", "srv-2")
	if err != nil {
		t.Fatalf("UnresolvedBlockersForHost: %v", err)
	}
	if len(open) != 0 {
		t.Fatalf("expected srv-2 to have no blockers, got %d", len(open))
	}

	open, err = s.UnresolvedBlockersForHost(ctx, "job-6", "srv-1")
	if err != nil {
		t.Fatalf("UnresolvedBlockersForHost srv-1: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected srv-1 to have 1 blocker, got %d", len(open))
	}
}
