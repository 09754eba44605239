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
	"time"

	"fleetupdate/pkg/fleet"
)

// runCleanup unwinds whatever a job's CleanupState says is still
// outstanding: hosts left in maintenance, VMs left powered off, HA
// left disabled. It is reached from three places — a hard cancel
// observed mid-loop, a panic recovered in Run, and the startup
// crash-recovery sweep — so every
// action here is driven entirely by r.state, never by in-memory loop
// variables that a crash would have lost.
func (r *run) runCleanup(ctx context.Context, reason string) {
	actions := map[string]any{"reason": reason}

	if r.state.FirmwareInProgress && r.state.CurrentHost != "" {
		r.o.deps.Logger.Warn("cleanup: firmware update was in progress, BMC job state left as-is",
			"job_id", r.job.ID, "host", r.state.CurrentHost)
		actions["firmware_in_progress_host"] = r.state.CurrentHost
	}

	var exited []string
	for _, serverID := range append([]string(nil), r.state.HostsInMaintenance...) {
		if host, ok := r.hostByServerID(ctx, serverID); ok {
			if err := r.o.deps.Hypervisor.ExitMaintenance(ctx, host.HypervisorHandle); err != nil {
				r.o.deps.Logger.Error("cleanup: exit maintenance failed", "job_id", r.job.ID, "host", serverID, "error", err)
				continue
			}
			exited = append(exited, serverID)
		}
	}
	r.state.HostsInMaintenance = subtractStrings(r.state.HostsInMaintenance, exited)
	actions["hosts_exited_maintenance"] = exited

	r.reenableHA(ctx, reason)

	if r.state.CurrentHost != "" {
		if host, ok := r.hostByServerID(ctx, r.state.CurrentHost); ok {
			ep := endpointFor(host)
			if err := r.o.deps.BMC.ClearStaleJobs(ctx, ep, 0); err != nil {
				r.o.deps.Logger.Warn("cleanup: clear bmc job queue failed", "job_id", r.job.ID, "host", r.state.CurrentHost, "error", err)
			}
		}
	}

	r.state.FirmwareInProgress = false
	r.state.CurrentHost = ""
	r.checkpoint(ctx)

	_ = r.o.deps.Jobs.MergeJobDetails(ctx, r.job.ID, fleet.Details{"cleanup_actions": actions})
}

func (r *run) hostByServerID(ctx context.Context, serverID string) (fleet.TargetHost, bool) {
	hosts, err := r.o.deps.Jobs.HostsForJob(ctx, r.job.ID)
	if err != nil {
		return fleet.TargetHost{}, false
	}
	for _, h := range hosts {
		if h.ServerID == serverID {
			return h, true
		}
	}
	return fleet.TargetHost{}, false
}

func subtractStrings(all, remove []string) []string {
	removed := make(map[string]bool, len(remove))
	for _, s := range remove {
		removed[s] = true
	}
	var out []string
	for _, s := range all {
		if !removed[s] {
			out = append(out, s)
		}
	}
	return out
}

// RecoverCrashedJobs is the startup sweep: any job the store still
// shows as running, but for which a checkpoint survived a process
// restart, is treated as if it had been hard-cancelled mid-run. The
// job is marked failed with crash_recovered=true rather than resumed,
// since resuming a partially-applied firmware update without knowing
// which BMC job actually completed is not safe to automate.
func (o *Orchestrator) RecoverCrashedJobs(ctx context.Context) error {
	jobIDs, err := o.deps.Checkpoints.AllJobIDs()
	if err != nil {
		return err
	}
	for _, jobID := range jobIDs {
		state, err := o.deps.Checkpoints.Load(jobID)
		if err != nil || state == nil {
			continue
		}
		job, err := o.deps.Jobs.GetJobByID(ctx, jobID)
		if err != nil {
			o.deps.Logger.Error("crash recovery: could not load job", "job_id", jobID, "error", err)
			continue
		}
		if job.Status.IsTerminal() {
			_ = o.deps.Checkpoints.Delete(jobID)
			continue
		}

		r := &run{o: o, job: job, fsm: newLifecycle(job.Status), state: state, clusterName: job.TargetScope.Cluster}
		r.haDisabled = state.HADisabled
		r.haSnapshot = state.HASnapshot

		o.deps.Logger.Warn("recovering crashed rolling-update job", "job_id", jobID)
		r.runCleanup(ctx, "process restart, job was running with a live checkpoint")

		_ = o.deps.Jobs.MergeJobDetails(ctx, jobID, fleet.Details{
			"crash_recovered":     true,
			"crash_recovered_at":  time.Now().UTC().Format(time.RFC3339),
		})
		_ = o.deps.Jobs.UpdateJobStatus(ctx, jobID, fleet.JobFailed)
		_ = o.deps.Checkpoints.Delete(jobID)
	}
	return nil
}
