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

package bmcadapter

import (
	"context"
	"sync"
	"time"
)

// FakeClient is an in-memory Client for orchestrator tests. It never
// touches the network; call sites script its behaviour per endpoint
// address before exercising the orchestrator against it.
//
// Grounded on internal/provisioner/redfish/client.go's NoopClient
// stub-with-validation pattern from the teacher.
type FakeClient struct {
	mu sync.Mutex

	Inventory    map[string][]FirmwareComponent
	Available    map[string][]CatalogUpdate
	TaskResults  map[string]TaskResult
	FailPing     map[string]error
	RebootCount  map[string]int
	PowerOnCount map[string]int
	ExportCount  map[string]int

	NextHandle UpdateHandle
}

// NewFakeClient returns a FakeClient with empty scripted state.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		Inventory:    make(map[string][]FirmwareComponent),
		Available:    make(map[string][]CatalogUpdate),
		TaskResults:  make(map[string]TaskResult),
		FailPing:     make(map[string]error),
		RebootCount:  make(map[string]int),
		PowerOnCount: make(map[string]int),
		ExportCount:  make(map[string]int),
		NextHandle:   UpdateHandle{TaskURI: "/redfish/v1/TaskService/Tasks/1"},
	}
}

var _ Client = (*FakeClient)(nil)

func (f *FakeClient) FirmwareInventory(ctx context.Context, ep Endpoint) ([]FirmwareComponent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Inventory[ep.Address], nil
}

func (f *FakeClient) InitiateCatalogUpdate(ctx context.Context, ep Endpoint, catalogURL string) (UpdateHandle, error) {
	return f.NextHandle, nil
}

func (f *FakeClient) InitiateSimpleUpdate(ctx context.Context, ep Endpoint, firmwareURI string, applyTime ApplyTime) (UpdateHandle, error) {
	return f.NextHandle, nil
}

func (f *FakeClient) WaitForTask(ctx context.Context, ep Endpoint, taskURI string, timeout, pollInterval time.Duration) (TaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.TaskResults[ep.Address]; ok {
		return r, nil
	}
	return TaskResult{State: "Completed", PercentComplete: 100}, nil
}

func (f *FakeClient) WaitForJobWithRecovery(ctx context.Context, ep Endpoint, jobID string, timeout, stallTimeout time.Duration, maxStallRetries int, recovery RecoveryAction) (TaskResult, error) {
	return f.WaitForTask(ctx, ep, jobID, timeout, stallTimeout)
}

func (f *FakeClient) CheckAvailableCatalogUpdates(ctx context.Context, ep Endpoint, catalogURL string) ([]CatalogUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Available[ep.Address], nil
}

func (f *FakeClient) ClearStaleJobs(ctx context.Context, ep Endpoint, ageThreshold time.Duration) error {
	return nil
}

func (f *FakeClient) WaitForAllJobsComplete(ctx context.Context, ep Endpoint, timeout, pollInterval time.Duration) error {
	return nil
}

func (f *FakeClient) GracefulReboot(ctx context.Context, ep Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.RebootCount[ep.Address]++
	return nil
}

func (f *FakeClient) PowerOn(ctx context.Context, ep Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PowerOnCount[ep.Address]++
	return nil
}

func (f *FakeClient) GracefulShutdown(ctx context.Context, ep Endpoint) error { return nil }

func (f *FakeClient) ExportSCP(ctx context.Context, ep Endpoint, target SCPTarget) (SCPExport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ExportCount[ep.Address]++
	return SCPExport{Content: []byte("{}"), Bytes: 2}, nil
}

func (f *FakeClient) Ping(ctx context.Context, ep Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.FailPing[ep.Address]
}
