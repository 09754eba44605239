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

// Package bmcadapter exposes typed Redfish operations for Dell BMCs:
// firmware inventory and application, job/task polling, stale job
// cleanup, power control, and configuration backup. Every operation
// funnels through an internal/throttler.Throttler so the fleet-wide
// request discipline lives in one place.
package bmcadapter

import (
	"context"
	"time"
)

// ApplyTime selects when a staged update takes effect.
type ApplyTime string

const (
	ApplyImmediate ApplyTime = "Immediate"
	ApplyOnReset   ApplyTime = "OnReset"
)

// RecoveryAction is what wait_for_job_with_recovery does when a job
// stalls (PercentComplete not advancing for stall_timeout).
type RecoveryAction string

const (
	RecoveryReboot     RecoveryAction = "reboot"
	RecoveryClearQueue RecoveryAction = "clear_queue"
	RecoveryNone       RecoveryAction = "none"
)

// FirmwareComponent is one inventoried firmware item.
type FirmwareComponent struct {
	Name          string
	Version       string
	Updateable    bool
	ComponentType string
}

// UpdateHandle is the job/task identifier a catalog or simple update
// initiation returns. Exactly one of JobID/TaskURI is normally set.
type UpdateHandle struct {
	JobID   string
	TaskURI string
}

// TaskResult is the terminal state of a polled task or job.
type TaskResult struct {
	State           string // e.g. "Completed", "Exception", "Killed", "Cancelled"
	PercentComplete int
	Messages        []string
	NoApplicableUpdates bool
}

// CatalogUpdate is one entry from check_available_catalog_updates.
type CatalogUpdate struct {
	Name             string
	AvailableVersion string
	CurrentVersion   string
	Criticality      string
	RebootRequired   bool
}

// SCPTarget selects the scope of a server configuration profile export.
type SCPTarget string

const (
	SCPTargetAll  SCPTarget = "ALL"
	SCPTargetBIOS SCPTarget = "BIOS"
)

// SCPExport is the result of export_scp.
type SCPExport struct {
	Content []byte
	Bytes   int
}

// Endpoint identifies one BMC and its credentials.
type Endpoint struct {
	Address  string
	Username string
	Password string
	Vendor   string
	Timeout  time.Duration
}

// Client is the BMC Adapter contract from SPEC_FULL.md §4.2. Every
// operation is expected to funnel through a Throttler internally.
type Client interface {
	FirmwareInventory(ctx context.Context, ep Endpoint) ([]FirmwareComponent, error)
	InitiateCatalogUpdate(ctx context.Context, ep Endpoint, catalogURL string) (UpdateHandle, error)
	InitiateSimpleUpdate(ctx context.Context, ep Endpoint, firmwareURI string, applyTime ApplyTime) (UpdateHandle, error)
	WaitForTask(ctx context.Context, ep Endpoint, taskURI string, timeout, pollInterval time.Duration) (TaskResult, error)
	WaitForJobWithRecovery(ctx context.Context, ep Endpoint, jobID string, timeout, stallTimeout time.Duration, maxStallRetries int, recovery RecoveryAction) (TaskResult, error)
	CheckAvailableCatalogUpdates(ctx context.Context, ep Endpoint, catalogURL string) ([]CatalogUpdate, error)
	ClearStaleJobs(ctx context.Context, ep Endpoint, ageThreshold time.Duration) error
	WaitForAllJobsComplete(ctx context.Context, ep Endpoint, timeout, pollInterval time.Duration) error
	GracefulReboot(ctx context.Context, ep Endpoint) error
	PowerOn(ctx context.Context, ep Endpoint) error
	GracefulShutdown(ctx context.Context, ep Endpoint) error
	ExportSCP(ctx context.Context, ep Endpoint, target SCPTarget) (SCPExport, error)

	// Ping is a very short, non-retrying liveness probe used by
	// pre-flight and by the reboot-wait BMC-reachability phase.
	Ping(ctx context.Context, ep Endpoint) error
}
