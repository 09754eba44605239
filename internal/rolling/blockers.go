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
	"path"
	"strings"
	"sync"
	"time"

	"fleetupdate/internal/bmcadapter"
	"fleetupdate/internal/metrics"
	"fleetupdate/pkg/fleet"
)

// stringListDetail reads a []string-shaped detail, tolerating the
// []any shape json.Unmarshal produces when details round-trip through
// the store.
func stringListDetail(details fleet.Details, key string) []string {
	switch v := details[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// remainingBlockers filters matched VM names out of open, for hosts
// whose auto-power-off patterns only covered some of its blockers.
func remainingBlockers(open []fleet.MaintenanceBlocker, matched []string) []fleet.MaintenanceBlocker {
	skip := make(map[string]bool, len(matched))
	for _, m := range matched {
		skip[m] = true
	}
	out := make([]fleet.MaintenanceBlocker, 0, len(open))
	for _, b := range open {
		if !skip[b.VMName] {
			out = append(out, b)
		}
	}
	return out
}

// matchPowerOffPatterns returns the blockers' VM names matching any of
// patterns (shell-style wildcards, e.g. "Z-VRA*"), case-insensitively.
// The hypervisor's own control-plane VM is never auto-powered-off
// regardless of pattern.
func matchPowerOffPatterns(blockers []fleet.MaintenanceBlocker, patterns []string) []string {
	var matched []string
	for _, b := range blockers {
		if b.VMName == "" || b.Reason == fleet.BlockerControlPlaneVM {
			continue
		}
		upper := strings.ToUpper(b.VMName)
		for _, p := range patterns {
			if ok, _ := path.Match(strings.ToUpper(p), upper); ok {
				matched = append(matched, b.VMName)
				break
			}
		}
	}
	return matched
}

// comprehensiveBlockerScan is P3, run after HA disable (the point of
// no return). It returns paused=true if the job had to stop for
// operator intervention.
func (r *run) comprehensiveBlockerScan(ctx context.Context, hosts []fleet.TargetHost) (paused bool, err error) {
	start := time.Now()
	defer func() { metrics.ObservePhase(metrics.PhaseBlockerScan, time.Since(start)) }()

	resolutions, _ := r.job.Details["maintenance_blocker_resolutions"].(map[string]any)
	scheduled := r.job.Details.BoolDetail("scheduled_execution", false)
	autoSkip := r.job.Details.BoolDetail("scheduled_auto_skip_blocked_hosts", false)
	skipHosts := skippedHostSet(r.job.Details)

	allBlockers := map[string][]fleet.MaintenanceBlocker{}
	skipped := map[string]bool{}
	criticalCount := 0

	for i, h := range hosts {
		if !h.HasHypervisor() || skipHosts[h.ServerID] {
			continue
		}
		r.recordStep(ctx, "Comprehensive blocker scan", fleet.StepRunning, map[string]any{
			"hosts_total":   len(hosts),
			"hosts_scanned": i + 1,
			"current_host":  h.ServerID,
		})

		// Query the hypervisor directly rather than trusting whatever
		// is already recorded, so a blocker that appeared since the
		// last scan (a VM freshly pinned, storage freshly attached) is
		// caught before the point of no return rather than surfacing
		// only when EnterMaintenance rejects the host.
		live, err := r.o.deps.Hypervisor.AnalyzeMaintenanceBlockers(ctx, h.ServerID)
		if err != nil {
			r.o.deps.Logger.Warn("blocker analysis failed", "host", h.ServerID, "error", err, "correlation_id", r.correlationID)
			return false, err
		}
		if len(live) > 0 {
			if err := r.o.deps.Jobs.RecordBlockers(ctx, r.job.ID, h.ServerID, live); err != nil {
				return false, err
			}
		}

		open, err := r.o.deps.Jobs.UnresolvedBlockersForHost(ctx, r.job.ID, h.ServerID)
		if err != nil {
			return false, err
		}
		if len(open) == 0 {
			continue
		}

		if _, hasResolution := resolutions[h.ServerID]; hasResolution {
			if err := r.o.deps.Jobs.ResolveBlockers(ctx, r.job.ID, h.ServerID); err != nil {
				return false, err
			}
			continue
		}

		patterns := stringListDetail(r.job.Details, "auto_power_off_patterns")
		autoPowerOff := r.job.Details.BoolDetail("auto_power_off_enabled", false)
		if len(patterns) > 0 && (autoPowerOff || scheduled) {
			matched := matchPowerOffPatterns(open, patterns)
			if len(matched) > 0 {
				res, err := r.o.deps.Hypervisor.PowerOffVMs(ctx, h.HypervisorHandle, matched, true)
				if err != nil {
					r.o.deps.Logger.Warn("auto power-off by pattern failed", "host", h.ServerID, "error", err)
				} else {
					r.trackPoweredOff(ctx, h.ServerID, res.VMsPoweredOff)
				}
				open = remainingBlockers(open, matched)
				if len(open) == 0 {
					if err := r.o.deps.Jobs.ResolveBlockers(ctx, r.job.ID, h.ServerID); err != nil {
						return false, err
					}
					continue
				}
			}
		}

		if scheduled && autoSkip {
			skipped[h.ServerID] = true
			continue
		}

		allBlockers[h.ServerID] = open
		for _, b := range open {
			if b.Severity == fleet.SeverityCritical {
				criticalCount++
			}
		}
	}

	if len(allBlockers) == 0 {
		r.recordStep(ctx, "Comprehensive blocker scan", fleet.StepCompleted, map[string]any{
			"hosts_with_blockers": 0,
			"skipped_hosts":       len(skipped),
		})
		return false, nil
	}

	r.reenableHA(ctx, "blocker scan pause, awaiting resolution")
	r.recordStep(ctx, "Comprehensive blocker scan", fleet.StepPaused, map[string]any{
		"hosts_with_blockers":    len(allBlockers),
		"total_critical_blockers": criticalCount,
		"current_blockers":       allBlockers,
		"awaiting_resolution":    true,
	})
	if err := r.o.deps.Jobs.MergeJobDetails(ctx, r.job.ID, fleet.Details{
		"current_blockers":    allBlockers,
		"awaiting_resolution": true,
	}); err != nil {
		return false, err
	}
	if err := r.fsm.Fire(triggerPause); err != nil {
		r.o.deps.Logger.Warn("lifecycle transition rejected on pause", "job_id", r.job.ID, "error", err)
	}
	return true, r.o.deps.Jobs.UpdateJobStatus(ctx, r.job.ID, fleet.JobPaused)
}

// batchSCPBackup is P4: export each host's configuration profile,
// optionally with bounded fan-out. A backup failure is a warning, not
// a job abort.
func (r *run) batchSCPBackup(ctx context.Context, hosts []fleet.TargetHost) {
	start := time.Now()
	defer func() { metrics.ObservePhase(metrics.PhaseSCPBackup, time.Since(start)) }()

	parallel := r.job.Details.BoolDetail("parallel_backups", false)
	maxParallel := r.job.Details.IntDetail("max_parallel_backups", 3)
	if maxParallel < 1 {
		maxParallel = 1
	}

	backupOne := func(h fleet.TargetHost) {
		_, err := r.o.deps.BMC.ExportSCP(ctx, endpointFor(h), bmcadapter.SCPTargetAll)
		if err != nil {
			r.o.deps.Logger.Warn("scp backup failed", "host", h.ServerID, "error", err)
		}
	}

	if !parallel {
		for _, h := range hosts {
			backupOne(h)
		}
		r.recordStep(ctx, "Batch SCP backup", fleet.StepCompleted, map[string]any{"hosts": len(hosts), "mode": "sequential"})
		return
	}

	sem := make(chan struct{}, maxParallel)
	var wg sync.WaitGroup
	for _, h := range hosts {
		h := h
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			backupOne(h)
		}()
	}
	wg.Wait()
	r.recordStep(ctx, "Batch SCP backup", fleet.StepCompleted, map[string]any{"hosts": len(hosts), "mode": "parallel", "max_parallel": maxParallel})
}
