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

package hypervisor

import (
	"context"
	"time"

	"fleetupdate/pkg/fleet"
)

// NullAdapter is a no-op Adapter: every maintenance/HA/power/rebalance
// step succeeds and LiveHostStatus reports connected. The serve command
// wires it in as the engine's Adapter; hosts with no hypervisor link
// (fleet.TargetHost.HasHypervisor() == false) do not reach it, since
// the orchestrator skips hypervisor calls for them.
type NullAdapter struct{}

var _ Adapter = NullAdapter{}

func (NullAdapter) EnterMaintenance(ctx context.Context, host string, timeout time.Duration) (EnterMaintenanceResult, error) {
	return EnterMaintenanceResult{Success: true}, nil
}

func (NullAdapter) ExitMaintenance(ctx context.Context, host string) error { return nil }

func (NullAdapter) WaitForConnected(ctx context.Context, host string, timeout time.Duration) error {
	return nil
}

func (NullAdapter) LiveHostStatus(ctx context.Context, host string) (LiveHostStatus, error) {
	return LiveHostStatus{Connected: true}, nil
}

func (NullAdapter) GetClusterHAStatus(ctx context.Context, cluster string) (HAStatus, error) {
	return HAStatus{}, nil
}

func (NullAdapter) DisableClusterHA(ctx context.Context, cluster string) (DisableHAResult, error) {
	return DisableHAResult{Success: true}, nil
}

func (NullAdapter) EnableClusterHA(ctx context.Context, cluster string, hostMonitoring, admissionControl bool) error {
	return nil
}

func (NullAdapter) PowerOffVMs(ctx context.Context, host string, vmNames []string, graceful bool) (PowerOffResult, error) {
	return PowerOffResult{Success: true}, nil
}

func (NullAdapter) PowerOnVMs(ctx context.Context, host string, vmNames []string, timeout time.Duration) (PowerOnResult, error) {
	return PowerOnResult{Success: true}, nil
}

func (NullAdapter) WaitForRebalance(ctx context.Context, cluster string, timeout, quietPeriod time.Duration) (RebalanceResult, error) {
	return RebalanceResult{Success: true}, nil
}

func (NullAdapter) DetectControlPlaneLocation(ctx context.Context, candidateHosts []string) (ControlPlaneLocation, error) {
	return ControlPlaneLocation{}, nil
}

func (NullAdapter) AnalyzeMaintenanceBlockers(ctx context.Context, host string) ([]fleet.MaintenanceBlocker, error) {
	return nil, nil
}
