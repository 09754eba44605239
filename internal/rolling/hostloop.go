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
	"fmt"
	"net"
	"strings"
	"time"

	"fleetupdate/internal/bmcadapter"
	"fleetupdate/internal/metrics"
	"fleetupdate/pkg/fleet"
)

// skippedHostSet merges the skip_host and skipped_hosts details into
// one lookup, so a host named either way is excluded from both the
// blocker scan and the host loop.
func skippedHostSet(details fleet.Details) map[string]bool {
	out := map[string]bool{}
	if single := details.StringDetail("skip_host", ""); single != "" {
		out[single] = true
	}
	for _, s := range stringListDetail(details, "skipped_hosts") {
		out[s] = true
	}
	return out
}

// resumeHostIndex returns the index hosts should resume from per the
// resume_from_host detail: the named host itself is re-attempted, so
// the index it returns points at that host, not past it. Returns 0
// when resume_from_host is unset or not found.
func resumeHostIndex(details fleet.Details, hosts []fleet.TargetHost) int {
	target := details.StringDetail("resume_from_host", "")
	if target == "" {
		return 0
	}
	for i, h := range hosts {
		if h.ServerID == target {
			return i
		}
	}
	return 0
}

// runHostLoop is P5: the sequential per-host loop, steps (a)-(l).
func (r *run) runHostLoop(ctx context.Context, hosts []fleet.TargetHost) (hostLoopOutcome, error) {
	start := time.Now()
	defer func() { metrics.ObservePhase(metrics.PhaseHostLoop, time.Since(start)) }()

	continueOnFailure := r.job.Details.BoolDetail("continue_on_failure", false)
	skipHosts := skippedHostSet(r.job.Details)
	resumeIdx := resumeHostIndex(r.job.Details, hosts)
	if resumeIdx > 0 {
		r.o.deps.Logger.Info("resuming host loop", "job_id", r.job.ID, "from_host", hosts[resumeIdx].ServerID, "skipped_prior_hosts", resumeIdx)
	}

	for idx, h := range hosts {
		if idx < resumeIdx {
			continue
		}
		if skipHosts[h.ServerID] {
			r.hostResults = append(r.hostResults, fleet.HostResult{ServerID: h.ServerID, Skipped: true, SkipReason: "skipped by operator request"})
			continue
		}

		// (a) cancellation checkpoint
		cancelled, err := r.isCancelled(ctx)
		if err != nil {
			return outcomeNormal, err
		}
		if cancelled {
			r.runCleanup(ctx, "hard cancel observed before host "+h.ServerID)
			if err := r.fsm.Fire(triggerCancel); err != nil {
				r.o.deps.Logger.Warn("lifecycle transition rejected on cancel", "job_id", r.job.ID, "error", err)
			}
			_ = r.o.deps.Jobs.UpdateJobStatus(ctx, r.job.ID, fleet.JobCancelled)
			return outcomeCancelled, nil
		}
		if r.gracefulCancelRequested(ctx) {
			r.reenableHA(ctx, "graceful cancel between hosts")
			if err := r.fsm.Fire(triggerCancel); err != nil {
				r.o.deps.Logger.Warn("lifecycle transition rejected on graceful cancel", "job_id", r.job.ID, "error", err)
			}
			_ = r.o.deps.Jobs.MergeJobDetails(ctx, r.job.ID, fleet.Details{"stopped_before_host": idx + 1})
			_ = r.o.deps.Jobs.UpdateJobStatus(ctx, r.job.ID, fleet.JobCancelled)
			return outcomeCancelled, nil
		}

		hr := r.runOneHost(ctx, h)
		r.hostResults = append(r.hostResults, hr)

		if hr.Error != "" {
			if !continueOnFailure {
				r.reenableHA(ctx, "per-host failure, pausing for intervention")
				_ = r.o.deps.Jobs.MergeJobDetails(ctx, r.job.ID, fleet.Details{
					"failed_step":  hr.FailedStep,
					"error":        hr.Error,
					"host_results": r.hostResults,
				})
				if err := r.fsm.Fire(triggerPause); err != nil {
					r.o.deps.Logger.Warn("lifecycle transition rejected on host-failure pause", "job_id", r.job.ID, "error", err)
				}
				_ = r.o.deps.Jobs.UpdateJobStatus(ctx, r.job.ID, fleet.JobPaused)
				return outcomePausedForIntervention, nil
			}
			r.o.deps.Logger.Warn("host failed, continuing per continue_on_failure", "host", h.ServerID, "error", hr.Error)
		}
	}

	return outcomeNormal, nil
}

// runOneHost drives one host through (b)-(k), converting any sub-step
// failure into a HostResult rather than propagating an error — only
// per-loop bookkeeping errors (store I/O) bubble up past this call.
func (r *run) runOneHost(ctx context.Context, h fleet.TargetHost) fleet.HostResult {
	hr := fleet.HostResult{ServerID: h.ServerID}
	ep := endpointFor(h)

	// (b) per-host pre-update check
	needsUpdate, err := r.hostNeedsUpdate(ctx, ep)
	if err != nil {
		hr.FailedStep = "pre-update check"
		hr.Error = err.Error()
		return hr
	}
	if !needsUpdate {
		hr.Skipped = true
		hr.SkipReason = "no updates available"
		if h.HasHypervisor() {
			if status, err := r.o.deps.Hypervisor.LiveHostStatus(ctx, h.HypervisorHandle); err == nil && status.InMaintenance {
				_ = r.o.deps.Hypervisor.ExitMaintenance(ctx, h.HypervisorHandle)
			}
		}
		return hr
	}

	// (c) enter maintenance
	if h.HasHypervisor() {
		if err := r.enterMaintenance(ctx, h, &hr); err != nil {
			hr.FailedStep = "enter maintenance"
			hr.Error = err.Error()
			return hr
		}
	}

	// (d) apply firmware
	r.state.CurrentHost = h.ServerID
	r.state.FirmwareInProgress = true
	r.checkpoint(ctx)

	rebootRequired, err := r.applyFirmware(ctx, h, ep)
	if err != nil {
		hr.FailedStep = "apply firmware"
		hr.Error = err.Error()
		return hr
	}

	// (e) reboot wait
	if rebootRequired {
		if err := r.rebootWait(ctx, h, ep, &hr); err != nil {
			hr.FailedStep = "reboot wait"
			hr.Error = err.Error()
			return hr
		}
	}

	// (f) verify
	if _, err := r.o.deps.BMC.FirmwareInventory(ctx, ep); err != nil {
		r.o.deps.Logger.Warn("post-update inventory refresh failed", "host", h.ServerID, "error", err)
	}

	// (g) exit maintenance
	if h.HasHypervisor() {
		_ = r.o.deps.Hypervisor.WaitForConnected(ctx, h.HypervisorHandle, 5*time.Minute)
		if err := r.o.deps.Hypervisor.ExitMaintenance(ctx, h.HypervisorHandle); err != nil {
			r.o.deps.Logger.Warn("exit maintenance failed", "host", h.ServerID, "error", err)
		}
		r.removeFromMaintenanceList(h.ServerID)
	}

	// (h) power on
	if vms := r.state.VMsPoweredOff[h.ServerID]; len(vms) > 0 {
		res, err := r.o.deps.Hypervisor.PowerOnVMs(ctx, h.HypervisorHandle, vms, 5*time.Minute)
		if err != nil {
			r.o.deps.Logger.Warn("power on vms failed", "host", h.ServerID, "error", err)
		}
		hr.VMsPoweredOn = res.VMsPoweredOn
		hr.VMsPowerOnFailed = res.VMsFailed
		delete(r.state.VMsPoweredOff, h.ServerID)
	}

	// (i) rebalance wait
	if r.job.TargetScope.Kind == fleet.ScopeCluster && r.job.Details.BoolDetail("rebalance_wait_enabled", true) {
		timeout := time.Duration(r.job.Details.IntDetail("rebalance_wait_timeout", 420)) * time.Second
		quiet := time.Duration(r.job.Details.IntDetail("rebalance_quiet_period", 45)) * time.Second
		res, err := r.o.deps.Hypervisor.WaitForRebalance(ctx, r.clusterName, timeout, quiet)
		if err != nil || !res.Success {
			hr.FailedStep = "rebalance wait"
			hr.Error = fmt.Sprintf("rebalance did not settle within %s", timeout)
			return hr
		}
	}

	// (k) clear in-progress markers
	r.state.FirmwareInProgress = false
	r.state.CurrentHost = ""
	r.checkpoint(ctx)

	hr.Updated = true
	return hr
}

func (r *run) hostNeedsUpdate(ctx context.Context, ep bmcadapter.Endpoint) (bool, error) {
	catalogURL := r.job.Details.StringDetail("dell_catalog_url", "")
	updates, err := r.o.deps.BMC.CheckAvailableCatalogUpdates(ctx, ep, catalogURL)
	if err != nil {
		return true, nil // preflight already validated connectivity; treat as needs-update rather than fail the host
	}
	return len(updates) > 0, nil
}

func (r *run) enterMaintenance(ctx context.Context, h fleet.TargetHost, hr *fleet.HostResult) error {
	start := time.Now()
	defer func() { metrics.ObservePhase(metrics.PhaseEnterMaint, time.Since(start)) }()

	timeout := time.Duration(r.job.Details.IntDetail("maintenance_timeout", 1800)) * time.Second

	if vms := r.preDesignatedPowerOff(h.ServerID); len(vms) > 0 {
		res, err := r.o.deps.Hypervisor.PowerOffVMs(ctx, h.HypervisorHandle, vms, true)
		if err == nil {
			r.trackPoweredOff(ctx, h.ServerID, res.VMsPoweredOff)
			hr.VMsPoweredOff = append(hr.VMsPoweredOff, res.VMsPoweredOff...)
		}
	}

	res, err := r.o.deps.Hypervisor.EnterMaintenance(ctx, h.HypervisorHandle, timeout)
	if err != nil {
		return err
	}
	if res.Success {
		r.state.HostsInMaintenance = append(r.state.HostsInMaintenance, h.ServerID)
		r.checkpoint(ctx)
		return nil
	}

	if !r.job.Details.BoolDetail("auto_power_off_enabled", false) {
		return fmt.Errorf("maintenance blocked by %d VM(s)", len(res.MaintenanceBlockers))
	}

	strategy := r.job.Details.StringDetail("power_off_strategy", "non_migratable")
	var toPowerOff []string
	for _, b := range res.MaintenanceBlockers {
		if b.Reason == fleet.BlockerControlPlaneVM {
			continue
		}
		if strategy == "all" || b.NonMigratable() {
			toPowerOff = append(toPowerOff, b.VMName)
		}
	}
	if len(toPowerOff) == 0 {
		return fmt.Errorf("maintenance blocked by %d non-auto-resolvable VM(s)", len(res.MaintenanceBlockers))
	}

	powerRes, err := r.o.deps.Hypervisor.PowerOffVMs(ctx, h.HypervisorHandle, toPowerOff, true)
	if err != nil {
		return fmt.Errorf("auto power-off failed: %w", err)
	}
	r.trackPoweredOff(ctx, h.ServerID, powerRes.VMsPoweredOff)
	hr.VMsPoweredOff = append(hr.VMsPoweredOff, powerRes.VMsPoweredOff...)

	res, err = r.o.deps.Hypervisor.EnterMaintenance(ctx, h.HypervisorHandle, timeout)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("maintenance still blocked after auto power-off of %d VM(s)", len(toPowerOff))
	}
	r.state.HostsInMaintenance = append(r.state.HostsInMaintenance, h.ServerID)
	r.checkpoint(ctx)
	return nil
}

func (r *run) preDesignatedPowerOff(serverID string) []string {
	resolutions, _ := r.job.Details["maintenance_blocker_resolutions"].(map[string]any)
	if resolutions == nil {
		return nil
	}
	entry, ok := resolutions[serverID]
	if !ok {
		return nil
	}
	m, ok := entry.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := m["power_off_vms"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *run) trackPoweredOff(ctx context.Context, serverID string, vms []string) {
	if len(vms) == 0 {
		return
	}
	r.state.VMsPoweredOff[serverID] = append(r.state.VMsPoweredOff[serverID], vms...)
	r.checkpoint(ctx)
}

func (r *run) removeFromMaintenanceList(serverID string) {
	out := r.state.HostsInMaintenance[:0]
	for _, id := range r.state.HostsInMaintenance {
		if id != serverID {
			out = append(out, id)
		}
	}
	r.state.HostsInMaintenance = out
}

// applyFirmware is step (d): clear stale jobs, then dispatch to one of
// three source modes. Returns whether a reboot is required.
func (r *run) applyFirmware(ctx context.Context, h fleet.TargetHost, ep bmcadapter.Endpoint) (rebootRequired bool, err error) {
	start := time.Now()
	defer func() { metrics.ObservePhase(metrics.PhaseApplyFirmware, time.Since(start)) }()

	if r.job.Details.BoolDetail("clear_stale_jobs_before_update", true) {
		maxAge := time.Duration(r.job.Details.IntDetail("stale_job_max_age_hours", 24)) * time.Hour
		_ = r.o.deps.BMC.ClearStaleJobs(ctx, ep, maxAge)
	}

	switch r.job.Details.StringDetail("firmware_source", "dell_online_catalog") {
	case "local_repository":
		return r.applyLocalRepository(ctx, h, ep)
	case "manual":
		return r.applyManual(ctx, ep)
	default:
		return r.applyCatalog(ctx, h, ep)
	}
}

// stallPolicy resolves the configurable job-timeout, stall-timeout,
// stall-retry and recovery-action knobs for WaitForJobWithRecovery,
// falling back to the vendor's default recovery action when the job
// details don't name one.
func (r *run) stallPolicy(vendor string) (timeout, stallTimeout time.Duration, maxStallRetries int, recovery bmcadapter.RecoveryAction) {
	timeout = 45 * time.Minute
	stallTimeout = time.Duration(r.job.Details.IntDetail("stall_timeout_minutes", 10)) * time.Minute
	maxStallRetries = r.job.Details.IntDetail("max_stall_retries", 2)
	action := r.job.Details.StringDetail("stall_recovery_action", "")
	if action == "" {
		recovery = bmcadapter.DefaultStallRecoveryFor(vendor)
	} else {
		recovery = bmcadapter.RecoveryAction(action)
	}
	return
}

func (r *run) applyCatalog(ctx context.Context, h fleet.TargetHost, ep bmcadapter.Endpoint) (bool, error) {
	catalogURL := r.job.Details.StringDetail("dell_catalog_url", "")
	maxPasses := r.job.Details.IntDetail("max_catalog_passes", 2)
	needsReboot := false
	jobTimeout, stallTimeout, maxStallRetries, recovery := r.stallPolicy(h.Vendor)

	for pass := 0; pass < maxPasses; pass++ {
		handle, err := r.o.deps.BMC.InitiateCatalogUpdate(ctx, ep, catalogURL)
		if err != nil {
			return false, fmt.Errorf("initiate catalog update: %w", err)
		}
		result, err := r.o.deps.BMC.WaitForJobWithRecovery(ctx, ep, handle.JobID, jobTimeout, stallTimeout, maxStallRetries, recovery)
		if err != nil {
			return false, fmt.Errorf("wait for catalog job: %w", err)
		}
		if result.NoApplicableUpdates {
			break
		}
		needsReboot = true

		if err := r.o.deps.BMC.WaitForAllJobsComplete(ctx, ep, 10*time.Minute, 10*time.Second); err != nil {
			r.o.deps.Logger.Warn("queued bmc jobs did not settle before reboot", "host", h.ServerID, "error", err)
		}
		if err := r.o.deps.BMC.GracefulReboot(ctx, ep); err != nil {
			return false, fmt.Errorf("graceful reboot: %w", err)
		}
		if err := r.rebootWait(ctx, h, ep, nil); err != nil {
			return false, err
		}

		updates, err := r.o.deps.BMC.CheckAvailableCatalogUpdates(ctx, ep, catalogURL)
		if err == nil && len(updates) == 0 {
			break
		}
	}
	return needsReboot, nil
}

func (r *run) applyLocalRepository(ctx context.Context, h fleet.TargetHost, ep bmcadapter.Endpoint) (bool, error) {
	firmwareURI := r.job.Details.StringDetail("firmware_uri", "")
	handle, err := r.o.deps.BMC.InitiateSimpleUpdate(ctx, ep, firmwareURI, bmcadapter.ApplyOnReset)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not applicable") {
			return false, nil
		}
		return false, fmt.Errorf("initiate local repository update: %w", err)
	}
	jobTimeout, stallTimeout, maxStallRetries, recovery := r.stallPolicy(h.Vendor)
	if _, err := r.o.deps.BMC.WaitForJobWithRecovery(ctx, ep, handle.JobID, jobTimeout, stallTimeout, maxStallRetries, recovery); err != nil {
		return false, fmt.Errorf("wait for local repository job: %w", err)
	}
	return true, nil
}

func (r *run) applyManual(ctx context.Context, ep bmcadapter.Endpoint) (bool, error) {
	firmwareURI := r.job.Details.StringDetail("firmware_uri", "")
	handle, err := r.o.deps.BMC.InitiateSimpleUpdate(ctx, ep, firmwareURI, bmcadapter.ApplyOnReset)
	if err != nil {
		return false, fmt.Errorf("initiate manual update: %w", err)
	}
	if _, err := r.o.deps.BMC.WaitForTask(ctx, ep, handle.TaskURI, 45*time.Minute, 10*time.Second); err != nil {
		return false, fmt.Errorf("wait for manual update task: %w", err)
	}
	return true, nil
}

// rebootWait is step (e): a fixed POST sleep, a BMC reachability poll,
// then a TCP/443 port check of the host's management address (with an
// escalating connect timeout and a fallback-IP retry), accepting
// vCenter-reported connectivity as evidence once the port check has
// gone unanswered for 10 minutes. hr may be nil when called from
// applyCatalog's intra-update reboot (no VCenterFallbackUsed to record
// outside the final HostResult).
func (r *run) rebootWait(ctx context.Context, h fleet.TargetHost, ep bmcadapter.Endpoint, hr *fleet.HostResult) error {
	start := time.Now()
	defer func() { metrics.ObservePhase(metrics.PhaseRebootWait, time.Since(start)) }()

	select {
	case <-time.After(180 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	deadline := time.Now().Add(30 * time.Minute)
	bmcAlive := false
	for time.Now().Before(deadline) {
		if err := r.o.deps.BMC.Ping(ctx, ep); err == nil {
			bmcAlive = true
			break
		}
		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !bmcAlive {
		return fmt.Errorf("bmc did not become reachable within 30m for %s", h.ServerID)
	}

	return r.portCheckWait(ctx, h, deadline, hr)
}

// portCheckWait probes the host's management address on port 443,
// escalating the connect timeout from 5s to a 10s ceiling as attempts
// accumulate (+1s every 2 minutes), trying FallbackIP after the
// primary target fails. After 10 minutes of silence it falls back to
// the hypervisor's own connected-status report, checked every 5
// minutes, and records VCenterFallbackUsed on hr when that path is
// what ultimately succeeded.
func (r *run) portCheckWait(ctx context.Context, h fleet.TargetHost, deadline time.Time, hr *fleet.HostResult) error {
	target := h.ManagementTarget()
	attempt := 0
	timeout := 5 * time.Second
	const timeoutCeiling = 10 * time.Second
	fallbackDeadline := time.Now().Add(10 * time.Minute)

	for time.Now().Before(deadline) {
		if attempt > 0 && attempt%12 == 0 && timeout < timeoutCeiling {
			timeout += time.Second
		}

		if portOpen(net.JoinHostPort(target, managementPort), timeout) {
			return nil
		}
		if h.FallbackIP != "" && h.FallbackIP != target && portOpen(net.JoinHostPort(h.FallbackIP, managementPort), timeout) {
			r.o.deps.Logger.Info("reboot wait succeeded against fallback ip", "host", h.ServerID, "fallback_ip", h.FallbackIP)
			return nil
		}

		if h.HasHypervisor() && attempt >= 60 && attempt%30 == 0 && time.Now().After(fallbackDeadline) {
			status, err := r.o.deps.Hypervisor.LiveHostStatus(ctx, h.HypervisorHandle)
			if err == nil && status.Connected {
				r.o.deps.Logger.Info("accepting vcenter-reported connectivity as reboot evidence", "host", h.ServerID)
				if hr != nil {
					hr.VCenterFallbackUsed = true
				}
				return nil
			}
		}

		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
		attempt++
	}
	return fmt.Errorf("host did not become reachable within 30m for %s", h.ServerID)
}

// managementPort is the reboot-wait port check's target port.
const managementPort = "443"

// portOpen reports whether a TCP connection to addr succeeds within
// timeout. Connection-refused/timeout errors are both treated as
// "not yet up" rather than fatal.
func portOpen(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
