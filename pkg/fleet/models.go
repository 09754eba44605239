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

// Package fleet holds the shared data model for the rolling cluster
// update engine: jobs, target hosts, workflow steps, and the
// engine-local bookkeeping types that must survive a single job's
// lifetime.
package fleet

import (
	"encoding/json"
	"time"
)

// JobType identifies what a Job does. Only RollingClusterUpdate is
// implemented, but the field exists so the store schema does not need
// to change when a second job type is added.
type JobType string

const RollingClusterUpdate JobType = "rolling_cluster_update"

// JobStatus is the authoritative source for cancellation signalling.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobPaused    JobStatus = "paused"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobPaused, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

func (s JobStatus) String() string { return string(s) }

// TargetScopeKind selects how a Job's targets are resolved in P0.
type TargetScopeKind string

const (
	ScopeServers TargetScopeKind = "servers"
	ScopeGroup   TargetScopeKind = "group"
	ScopeCluster TargetScopeKind = "cluster"
)

// TargetScope names the population a Job acts on.
type TargetScope struct {
	Kind      TargetScopeKind `json:"kind"`
	ServerIDs []string        `json:"server_ids,omitempty"`
	GroupID   string          `json:"group_id,omitempty"`
	Cluster   string          `json:"cluster,omitempty"`
}

// Details is the job's mutable configuration-and-results bag. It is
// stored as JSON and merged (not replaced) on patch. See SPEC_FULL.md
// §6 for the recognised key table.
type Details map[string]any

// Job is one rolling-update (or future job-type) request.
type Job struct {
	ID          string
	Type        JobType
	Status      JobStatus
	Details     Details
	TargetScope TargetScope
	Creator     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// NewJob constructs a pending job ready for InsertJob.
func NewJob(id string, scope TargetScope, creator string, details Details) *Job {
	now := time.Now().UTC()
	if details == nil {
		details = Details{}
	}
	return &Job{
		ID:          id,
		Type:        RollingClusterUpdate,
		Status:      JobPending,
		Details:     details,
		TargetScope: scope,
		Creator:     creator,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// BoolDetail reads a boolean detail key with a default.
func (d Details) BoolDetail(key string, def bool) bool {
	v, ok := d[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// StringDetail reads a string detail key with a default.
func (d Details) StringDetail(key, def string) string {
	v, ok := d[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return def
	}
	return s
}

// IntDetail reads a numeric detail key with a default. JSON-decoded
// numbers arrive as float64; this accepts both that and int.
func (d Details) IntDetail(key string, def int) int {
	v, ok := d[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

// TargetHost combines a BMC endpoint with an optional hypervisor
// handle. Hosts with HypervisorHandle == "" are exempt from
// maintenance/HA/evacuation steps but still receive firmware updates.
type TargetHost struct {
	ServerID         string
	BMCAddress       string
	BMCUsername      string
	BMCPassword      string
	Vendor           string
	HypervisorHandle string
	Model            string

	// ManagementAddress is the ESXi/hypervisor-facing host address
	// probed on port 443 during reboot wait. Falls back to ServerID
	// when unset, since ServerID is usually a resolvable hostname too.
	ManagementAddress string
	// FallbackIP is tried after ManagementAddress fails a port check,
	// for hosts whose primary hostname can go stale across a reboot.
	FallbackIP string
}

// ManagementTarget returns the address reboot-wait should port-check
// first, falling back to ServerID when no management address is set.
func (h TargetHost) ManagementTarget() string {
	if h.ManagementAddress != "" {
		return h.ManagementAddress
	}
	return h.ServerID
}

func (h TargetHost) HasHypervisor() bool { return h.HypervisorHandle != "" }

// BlockerReason enumerates why a VM prevents its host entering
// maintenance.
type BlockerReason string

const (
	BlockerPassthroughDevice  BlockerReason = "passthrough-device"
	BlockerLocalStorage       BlockerReason = "local-storage"
	BlockerVGPU               BlockerReason = "vgpu"
	BlockerFaultTolerance     BlockerReason = "fault-tolerance"
	BlockerControlPlaneVM     BlockerReason = "hypervisor-control-plane-vm"
	BlockerOther              BlockerReason = "other"
)

type BlockerSeverity string

const (
	SeverityCritical BlockerSeverity = "critical"
	SeverityWarning  BlockerSeverity = "warning"
)

// MaintenanceBlocker is one VM keeping a host out of maintenance mode.
type MaintenanceBlocker struct {
	VMName          string          `json:"vm_name"`
	Reason          BlockerReason   `json:"reason"`
	Severity        BlockerSeverity `json:"severity"`
	AutoRemediable  bool            `json:"auto_remediable"`
}

// NonMigratable reports whether this blocker belongs to the
// "non_migratable" power-off strategy class (§4.6(c)).
func (b MaintenanceBlocker) NonMigratable() bool {
	switch b.Reason {
	case BlockerPassthroughDevice, BlockerLocalStorage, BlockerVGPU, BlockerFaultTolerance:
		return true
	}
	return false
}

// HostCredentials is an engine-local, per-job, per-host bundle of a
// host's validation and cache results. Nothing in the engine builds or
// reads it; the update loop works from TargetHost directly.
type HostCredentials struct {
	Host                  TargetHost
	Validated             bool
	CachedBlockers         []MaintenanceBlocker
	BlockersCachedAt       time.Time
	CachedUpdates          []AvailableUpdate
	UpdatesCachedAt        time.Time
	NeedsUpdate            bool
}

// AvailableUpdate is one catalog-diff candidate. Inferred is advisory
// only per SPEC_FULL.md §9 — it must never by itself justify issuing
// an apply command.
type AvailableUpdate struct {
	Name             string
	AvailableVersion string
	CurrentVersion   string
	Criticality      string
	RebootRequired   bool
	Inferred         bool
}

// WorkflowStepStatus is the terminal-vs-live status of one journal row.
type WorkflowStepStatus string

const (
	StepRunning   WorkflowStepStatus = "running"
	StepCompleted WorkflowStepStatus = "completed"
	StepFailed    WorkflowStepStatus = "failed"
	StepPaused    WorkflowStepStatus = "paused"
	StepSkipped   WorkflowStepStatus = "skipped"
	StepWarning   WorkflowStepStatus = "warning"
)

func (s WorkflowStepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepWarning, StepPaused:
		return true
	}
	return false
}

// WorkflowStep is one (job, step-number) journal row.
type WorkflowStep struct {
	JobID       string
	StepNumber  int
	StepName    string
	Status      WorkflowStepStatus
	Details     json.RawMessage
	Error       string
	StartedAt   time.Time
	CompletedAt *time.Time
}

// CleanupState is engine-local per-job bookkeeping required to unwind
// on cancel or failure. It is the single piece of state checkpointed
// to the local crash-recovery store (internal/checkpoint).
type CleanupState struct {
	JobID               string              `json:"job_id"`
	HostsInMaintenance  []string            `json:"hosts_in_maintenance"`
	CurrentHost         string              `json:"current_host,omitempty"`
	FirmwareInProgress  bool                `json:"firmware_in_progress"`
	HADisabled          bool                `json:"ha_disabled"`
	HASnapshot          *HAConfig           `json:"ha_snapshot,omitempty"`
	VMsPoweredOff       map[string][]string `json:"vms_powered_off"`
	HARestoreFailed     bool                `json:"ha_restore_failed"`
	HARestoreError      string              `json:"ha_restore_error,omitempty"`
}

// NewCleanupState returns a zeroed CleanupState ready for a new job run.
func NewCleanupState(jobID string) *CleanupState {
	return &CleanupState{
		JobID:         jobID,
		VMsPoweredOff: make(map[string][]string),
	}
}

// HAConfig is a cluster's high-availability configuration, snapshotted
// before disable and restored on re-enable.
type HAConfig struct {
	Enabled               bool   `json:"enabled"`
	HostMonitoring        bool   `json:"host_monitoring"`
	AdmissionControl      bool   `json:"admission_control"`
	FaultToleranceVM      string `json:"fault_tolerance_vm,omitempty"`
}

// HostResult accumulates the outcome of one host's pass through P5,
// surfaced in the job's final details.
type HostResult struct {
	ServerID            string   `json:"server_id"`
	Skipped             bool     `json:"skipped,omitempty"`
	SkipReason          string   `json:"skip_reason,omitempty"`
	Updated             bool     `json:"updated"`
	FailedStep          string   `json:"failed_step,omitempty"`
	Error               string   `json:"error,omitempty"`
	VMsPoweredOff       []string `json:"vms_powered_off,omitempty"`
	VMsPoweredOn        []string `json:"vms_powered_on,omitempty"`
	VMsPowerOnFailed    []string `json:"vms_power_on_failed,omitempty"`
	VCenterFallbackUsed bool     `json:"vcenter_fallback_used,omitempty"`
}
