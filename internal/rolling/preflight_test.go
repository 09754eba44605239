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

func TestPreflightBlockerCheck_CallsHypervisorAndCaches(t *testing.T) {
	h := newHarness(t)
	host := testHost("srv-1")
	host.HypervisorHandle = "host-1"
	job := insertServerJob(t, h, fleet.Details{"check_blockers_in_preflight": true}, []fleet.TargetHost{host})
	r := newRunForTest(t, h, job)

	h.Hv.BlockerResults["srv-1"] = []fleet.MaintenanceBlocker{
		{VMName: "vm-a", Reason: fleet.BlockerOther, Severity: fleet.SeverityWarning},
	}

	r.preflightBlockerCheck(context.Background(), host)
	if len(h.Hv.AnalyzeCalls) != 1 {
		t.Fatalf("expected one blocker analysis call, got %d", len(h.Hv.AnalyzeCalls))
	}

	open, err := h.Jobs.UnresolvedBlockersForHost(context.Background(), job.ID, "srv-1")
	if err != nil {
		t.Fatalf("UnresolvedBlockersForHost: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected the analyzed blocker to be recorded, got %d", len(open))
	}

	// A second call within the TTL should reuse the cached result rather
	// than calling the hypervisor again.
	r.preflightBlockerCheck(context.Background(), host)
	if len(h.Hv.AnalyzeCalls) != 1 {
		t.Fatalf("expected cached result to skip a second hypervisor call, got %d calls", len(h.Hv.AnalyzeCalls))
	}
}

func TestPreflightBlockerCheck_SkipsHostsWithoutHypervisor(t *testing.T) {
	h := newHarness(t)
	host := testHost("srv-1")
	job := insertServerJob(t, h, fleet.Details{}, []fleet.TargetHost{host})
	r := newRunForTest(t, h, job)

	r.preflightBlockerCheck(context.Background(), host)
	if len(h.Hv.AnalyzeCalls) != 0 {
		t.Fatalf("expected no analysis call for a bare-metal host, got %v", h.Hv.AnalyzeCalls)
	}
}
