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

// Package hypervisor defines the cluster-manager side of a rolling
// update: maintenance mode, cluster-wide HA toggling, VM power
// control, rebalance waiting, and control-plane VM location. Hosts
// with no hypervisor link never call into this package (see
// fleet.TargetHost.HasHypervisor).
//
// There is no real implementation in this repository: SPEC_FULL.md's
// Non-goals leave the hypervisor's own wire protocol external, and no
// pack example wires a vCenter/oVirt SDK. FakeAdapter and NullAdapter
// are the two reference implementations this repo owns; a production
// deployment supplies its own Adapter.
package hypervisor

import (
	"context"
	"time"

	"fleetupdate/pkg/fleet"
)

// EnterMaintenanceResult is returned by EnterMaintenance, successful
// or not; on failure it carries the blocker list the orchestrator
// needs to resolve, surface, or skip around.
type EnterMaintenanceResult struct {
	Success             bool
	VMsEvacuated        []string
	MaintenanceBlockers []fleet.MaintenanceBlocker
	EvacuationBlockers  []fleet.MaintenanceBlocker
	StallDuration       time.Duration
}

// LiveHostStatus is the live connected/in-maintenance state of one host.
type LiveHostStatus struct {
	Connected    bool
	InMaintenance bool
}

// HAStatus is the current state of cluster HA.
type HAStatus struct {
	Enabled          bool
	HostMonitoring   bool
	AdmissionControl bool
	FaultToleranceVM string
}

// DisableHAResult reports the outcome of disabling cluster HA.
type DisableHAResult struct {
	Success               bool
	WasEnabled            bool
	PriorHostMonitoring   bool
	PriorAdmissionControl bool
	FaultToleranceVM      string // non-empty if disable was blocked by an FT VM
}

// PowerOffResult reports per-VM outcomes of a power-off request.
type PowerOffResult struct {
	Success        bool
	VMsPoweredOff  []string
	VMsFailed      []string
}

// PowerOnResult reports per-VM outcomes of a power-on request.
type PowerOnResult struct {
	Success        bool
	VMsPoweredOn   []string
	VMsAlreadyOn   []string
	VMsFailed      []string
}

// RebalanceResult reports the outcome of waiting for migrations to settle.
type RebalanceResult struct {
	Success        bool
	WaitedSeconds  float64
	ActiveMigrations []string
}

// ControlPlaneLocation identifies which candidate host (if any) is
// running the hypervisor's own management VM.
type ControlPlaneLocation struct {
	HostWithControlPlane string
	ControlPlaneVMName   string
}

// Adapter is the Hypervisor Adapter contract from SPEC_FULL.md §4.3.
type Adapter interface {
	EnterMaintenance(ctx context.Context, host string, timeout time.Duration) (EnterMaintenanceResult, error)
	ExitMaintenance(ctx context.Context, host string) error
	WaitForConnected(ctx context.Context, host string, timeout time.Duration) error
	LiveHostStatus(ctx context.Context, host string) (LiveHostStatus, error)

	GetClusterHAStatus(ctx context.Context, cluster string) (HAStatus, error)
	DisableClusterHA(ctx context.Context, cluster string) (DisableHAResult, error)
	EnableClusterHA(ctx context.Context, cluster string, hostMonitoring, admissionControl bool) error

	PowerOffVMs(ctx context.Context, host string, vmNames []string, graceful bool) (PowerOffResult, error)
	PowerOnVMs(ctx context.Context, host string, vmNames []string, timeout time.Duration) (PowerOnResult, error)

	WaitForRebalance(ctx context.Context, cluster string, timeout, quietPeriod time.Duration) (RebalanceResult, error)
	DetectControlPlaneLocation(ctx context.Context, candidateHosts []string) (ControlPlaneLocation, error)

	// AnalyzeMaintenanceBlockers inspects host independent of any
	// EnterMaintenance attempt: pinned/FT VMs, VMs with no migration
	// target, storage dependencies, and similar conditions that would
	// block evacuation. Used by Phase 0 pre-flight and the P3
	// comprehensive blocker scan so both can observe the same
	// blockers without first entering maintenance.
	AnalyzeMaintenanceBlockers(ctx context.Context, host string) ([]fleet.MaintenanceBlocker, error)
}
