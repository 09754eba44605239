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

func TestRunCleanup_ExitsMaintenanceAndReenablesHA(t *testing.T) {
	h := newHarness(t)
	host := testHost("srv-1")
	host.HypervisorHandle = "host-1"
	job := insertServerJob(t, h, fleet.Details{}, []fleet.TargetHost{host})
	r := newRunForTest(t, h, job)
	r.clusterName = "cluster-a"
	r.haDisabled = true
	r.state.HostsInMaintenance = []string{"srv-1"}
	r.state.CurrentHost = "srv-1"
	r.state.FirmwareInProgress = true

	r.runCleanup(context.Background(), "hard cancel")

	if len(h.Hv.ExitCalls) != 1 || h.Hv.ExitCalls[0] != "host-1" {
		t.Fatalf("expected exit-maintenance call for host-1, got %v", h.Hv.ExitCalls)
	}
	if len(h.Hv.HAEnableCalls) != 1 {
		t.Fatalf("expected HA re-enabled once during cleanup, got %d", len(h.Hv.HAEnableCalls))
	}
	if r.state.FirmwareInProgress {
		t.Fatalf("expected firmware_in_progress cleared after cleanup")
	}
	if r.state.CurrentHost != "" {
		t.Fatalf("expected current host cleared after cleanup")
	}

	got, err := h.Jobs.GetJobByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if _, ok := got.Details["cleanup_actions"]; !ok {
		t.Fatalf("expected cleanup_actions recorded on job details")
	}
}

func TestSubtractStrings(t *testing.T) {
	got := subtractStrings([]string{"a", "b", "c"}, []string{"b"})
	want := []string{"a", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestRecoverCrashedJobs_MarksFailedWithCrashRecoveredFlag(t *testing.T) {
	h := newHarness(t)
	host := testHost("srv-1")
	host.HypervisorHandle = "host-1"
	job := insertServerJob(t, h, fleet.Details{}, []fleet.TargetHost{host})
	if err := h.Jobs.UpdateJobStatus(context.Background(), job.ID, fleet.JobRunning); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	state := fleet.NewCleanupState(job.ID)
	state.HostsInMaintenance = []string{"srv-1"}
	state.HADisabled = true
	if err := h.Cps.Save(state); err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	o := h.orchestrator()
	if err := o.RecoverCrashedJobs(context.Background()); err != nil {
		t.Fatalf("RecoverCrashedJobs: %v", err)
	}

	got, err := h.Jobs.GetJobByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJobByID: %v", err)
	}
	if got.Status != fleet.JobFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if !got.Details.BoolDetail("crash_recovered", false) {
		t.Fatalf("expected crash_recovered=true in job details")
	}
	if len(h.Hv.ExitCalls) != 1 {
		t.Fatalf("expected exit-maintenance during recovery, got %d calls", len(h.Hv.ExitCalls))
	}

	remaining, err := h.Cps.AllJobIDs()
	if err != nil {
		t.Fatalf("AllJobIDs: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected checkpoint removed after recovery, got %v", remaining)
	}
}
