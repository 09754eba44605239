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
	"sync"
	"time"

	"fleetupdate/pkg/fleet"
)

// FakeAdapter is an in-memory Adapter for orchestrator tests. Call
// sites script per-host and per-cluster behaviour before exercising
// the orchestrator against it; every call is recorded for assertions.
//
// Grounded on internal/provisioner/redfish/client.go's NoopClient
// stub-with-scriptable-state pattern from the teacher.
type FakeAdapter struct {
	mu sync.Mutex

	EnterResults map[string]EnterMaintenanceResult
	EnterErr     map[string]error
	ConnectedErr map[string]error
	LiveStatus   map[string]LiveHostStatus

	HAStatus  map[string]HAStatus
	DisableHA map[string]DisableHAResult

	PowerOffResults map[string]PowerOffResult
	PowerOnResults  map[string]PowerOnResult

	RebalanceResults map[string]RebalanceResult
	ControlPlane     ControlPlaneLocation

	BlockerResults map[string][]fleet.MaintenanceBlocker
	BlockerErr     map[string]error

	EnterCalls    []string
	ExitCalls     []string
	PowerOffCalls []string
	PowerOnCalls  []string
	HADisableCalls []string
	HAEnableCalls  []string
	AnalyzeCalls   []string
}

// NewFakeAdapter returns a FakeAdapter with empty scripted state; a
// host not present in a results map gets a permissive zero-value
// success response.
func NewFakeAdapter() *FakeAdapter {
	return &FakeAdapter{
		EnterResults:     make(map[string]EnterMaintenanceResult),
		EnterErr:         make(map[string]error),
		ConnectedErr:     make(map[string]error),
		LiveStatus:       make(map[string]LiveHostStatus),
		HAStatus:         make(map[string]HAStatus),
		DisableHA:        make(map[string]DisableHAResult),
		PowerOffResults:  make(map[string]PowerOffResult),
		PowerOnResults:   make(map[string]PowerOnResult),
		RebalanceResults: make(map[string]RebalanceResult),
		BlockerResults:   make(map[string][]fleet.MaintenanceBlocker),
		BlockerErr:       make(map[string]error),
	}
}

var _ Adapter = (*FakeAdapter)(nil)

func (f *FakeAdapter) EnterMaintenance(ctx context.Context, host string, timeout time.Duration) (EnterMaintenanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.EnterCalls = append(f.EnterCalls, host)
	if err, ok := f.EnterErr[host]; ok {
		return EnterMaintenanceResult{}, err
	}
	if r, ok := f.EnterResults[host]; ok {
		return r, nil
	}
	return EnterMaintenanceResult{Success: true}, nil
}

func (f *FakeAdapter) ExitMaintenance(ctx context.Context, host string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExitCalls = append(f.ExitCalls, host)
	return nil
}

func (f *FakeAdapter) WaitForConnected(ctx context.Context, host string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ConnectedErr[host]
}

func (f *FakeAdapter) LiveHostStatus(ctx context.Context, host string) (LiveHostStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.LiveStatus[host]; ok {
		return s, nil
	}
	return LiveHostStatus{Connected: true}, nil
}

func (f *FakeAdapter) GetClusterHAStatus(ctx context.Context, cluster string) (HAStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.HAStatus[cluster]; ok {
		return s, nil
	}
	return HAStatus{Enabled: true, HostMonitoring: true, AdmissionControl: true}, nil
}

func (f *FakeAdapter) DisableClusterHA(ctx context.Context, cluster string) (DisableHAResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HADisableCalls = append(f.HADisableCalls, cluster)
	if r, ok := f.DisableHA[cluster]; ok {
		return r, nil
	}
	return DisableHAResult{Success: true, WasEnabled: true, PriorHostMonitoring: true, PriorAdmissionControl: true}, nil
}

func (f *FakeAdapter) EnableClusterHA(ctx context.Context, cluster string, hostMonitoring, admissionControl bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HAEnableCalls = append(f.HAEnableCalls, cluster)
	return nil
}

func (f *FakeAdapter) PowerOffVMs(ctx context.Context, host string, vmNames []string, graceful bool) (PowerOffResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PowerOffCalls = append(f.PowerOffCalls, host)
	if r, ok := f.PowerOffResults[host]; ok {
		return r, nil
	}
	return PowerOffResult{Success: true, VMsPoweredOff: vmNames}, nil
}

func (f *FakeAdapter) PowerOnVMs(ctx context.Context, host string, vmNames []string, timeout time.Duration) (PowerOnResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PowerOnCalls = append(f.PowerOnCalls, host)
	if r, ok := f.PowerOnResults[host]; ok {
		return r, nil
	}
	return PowerOnResult{Success: true, VMsPoweredOn: vmNames}, nil
}

func (f *FakeAdapter) WaitForRebalance(ctx context.Context, cluster string, timeout, quietPeriod time.Duration) (RebalanceResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.RebalanceResults[cluster]; ok {
		return r, nil
	}
	return RebalanceResult{Success: true}, nil
}

func (f *FakeAdapter) DetectControlPlaneLocation(ctx context.Context, candidateHosts []string) (ControlPlaneLocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ControlPlane, nil
}

func (f *FakeAdapter) AnalyzeMaintenanceBlockers(ctx context.Context, host string) ([]fleet.MaintenanceBlocker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AnalyzeCalls = append(f.AnalyzeCalls, host)
	if err, ok := f.BlockerErr[host]; ok {
		return nil, err
	}
	return f.BlockerResults[host], nil
}
