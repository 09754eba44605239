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

package rolling

import (
	"context"
	"testing"

	"fleetupdate/pkg/fleet"
)

func newRunningRunForTest(t *testing.T, h *testHarness, job *fleet.Job) *run {
	t.Helper()
	job.Status = fleet.JobRunning
	return &run{
		o:     h.orchestrator(),
		job:   job,
		fsm:   newLifecycle(fleet.JobRunning),
		state: fleet.NewCleanupState(job.ID),
	}
}

func TestComprehensiveBlockerScan_QueriesHypervisorLiveAndPauses(t *testing.T) {
	h := newHarness(t)
	hosts := []fleet.TargetHost{testHost("srv-1")}
	hosts[0].HypervisorHandle = "host-1"
	job := insertServerJob(t, h, fleet.Details{}, hosts)
	r := newRunningRunForTest(t, h, job)

	h.Hv.BlockerResults["srv-1"] = []fleet.MaintenanceBlocker{
		{VMName: "vm-pinned", Reason: fleet.BlockerLocalStorage, Severity: fleet.SeverityCritical},
	}

	paused, err := r.comprehensiveBlockerScan(context.Background(), hosts)
	if err != nil {
		t.Fatalf("comprehensiveBlockerScan: %v", err)
	}
	if !paused {
		t.Fatalf("expected scan to pause the job for an unresolved critical blocker")
	}
	if len(h.Hv.AnalyzeCalls) != 1 || h.Hv.AnalyzeCalls[0] != "srv-1" {
		t.Fatalf("expected AnalyzeMaintenanceBlockers to be called for srv-1, got %v", h.Hv.AnalyzeCalls)
	}

	job2, err := h.Jobs.GetJobByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if job2.Status != fleet.JobPaused {
		t.Fatalf("expected job status paused, got %s", job2.Status)
	}

	open, err := h.Jobs.UnresolvedBlockersForHost(context.Background(), job.ID, "srv-1")
	if err != nil {
		t.Fatalf("UnresolvedBlockersForHost: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected the recorded blocker to be persisted, got %d", len(open))
	}
}

func TestComprehensiveBlockerScan_NoBlockersCompletesWithoutPause(t *testing.T) {
	h := newHarness(t)
	hosts := []fleet.TargetHost{testHost("srv-1")}
	hosts[0].HypervisorHandle = "host-1"
	job := insertServerJob(t, h, fleet.Details{}, hosts)
	r := newRunningRunForTest(t, h, job)

	paused, err := r.comprehensiveBlockerScan(context.Background(), hosts)
	if err != nil {
		t.Fatalf("comprehensiveBlockerScan: %v", err)
	}
	if paused {
		t.Fatalf("expected no pause when the hypervisor reports no blockers")
	}
}

func TestComprehensiveBlockerScan_AutoPowerOffPatternResolvesHost(t *testing.T) {
	h := newHarness(t)
	hosts := []fleet.TargetHost{testHost("srv-1")}
	hosts[0].HypervisorHandle = "host-1"
	job := insertServerJob(t, h, fleet.Details{
		"auto_power_off_enabled":  true,
		"auto_power_off_patterns": []any{"Z-VRA*"},
	}, hosts)
	r := newRunningRunForTest(t, h, job)

	h.Hv.BlockerResults["srv-1"] = []fleet.MaintenanceBlocker{
		{VMName: "Z-VRA-01", Reason: fleet.BlockerOther, Severity: fleet.SeverityWarning},
	}
	h.Hv.PowerOffResults["host-1"] = hvPowerOffResult("Z-VRA-01")

	paused, err := r.comprehensiveBlockerScan(context.Background(), hosts)
	if err != nil {
		t.Fatalf("comprehensiveBlockerScan: %v", err)
	}
	if paused {
		t.Fatalf("expected auto power-off to resolve the only blocker and avoid pause")
	}
	if len(h.Hv.PowerOffCalls) != 1 {
		t.Fatalf("expected exactly one power-off call, got %d", len(h.Hv.PowerOffCalls))
	}
}

func TestComprehensiveBlockerScan_SkipsConfiguredHosts(t *testing.T) {
	h := newHarness(t)
	hosts := []fleet.TargetHost{testHost("srv-1")}
	hosts[0].HypervisorHandle = "host-1"
	job := insertServerJob(t, h, fleet.Details{"skip_host": "srv-1"}, hosts)
	r := newRunningRunForTest(t, h, job)

	h.Hv.BlockerResults["srv-1"] = []fleet.MaintenanceBlocker{
		{VMName: "vm-pinned", Reason: fleet.BlockerLocalStorage, Severity: fleet.SeverityCritical},
	}

	paused, err := r.comprehensiveBlockerScan(context.Background(), hosts)
	if err != nil {
		t.Fatalf("comprehensiveBlockerScan: %v", err)
	}
	if paused {
		t.Fatalf("expected a skipped host to never pause the job")
	}
	if len(h.Hv.AnalyzeCalls) != 0 {
		t.Fatalf("expected skipped host to never be analyzed, got %v", h.Hv.AnalyzeCalls)
	}
}
