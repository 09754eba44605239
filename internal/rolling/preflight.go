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
	"time"

	"fleetupdate/internal/metrics"
	"fleetupdate/pkg/fleet"
)

// resolveTargets is P0: materialise the ordered list of eligible
// hosts already attached to the job by job intake, filtering to
// online/connected hosts when the job targets a cluster. A host whose
// live-status lookup fails is kept, as is a host with no hypervisor link.
func (r *run) resolveTargets(ctx context.Context) ([]fleet.TargetHost, error) {
	start := time.Now()
	defer func() { metrics.ObservePhase(metrics.PhaseResolveTargets, time.Since(start)) }()

	hosts, err := r.o.deps.Jobs.HostsForJob(ctx, r.job.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve target set: %w", err)
	}

	if r.job.TargetScope.Kind != fleet.ScopeCluster {
		r.recordStep(ctx, "Resolve target set", fleet.StepCompleted, map[string]any{"hosts": len(hosts)})
		return hosts, nil
	}

	eligible := make([]fleet.TargetHost, 0, len(hosts))
	for _, h := range hosts {
		if !h.HasHypervisor() {
			eligible = append(eligible, h)
			continue
		}
		status, err := r.o.deps.Hypervisor.LiveHostStatus(ctx, h.HypervisorHandle)
		if err != nil || status.Connected {
			eligible = append(eligible, h)
		}
	}
	r.recordStep(ctx, "Resolve target set", fleet.StepCompleted, map[string]any{
		"hosts_total":     len(hosts),
		"hosts_eligible":  len(eligible),
	})
	return eligible, nil
}

// adjustOrder is P0.5: control-plane host last, already-in-maintenance
// hosts first among the rest.
func (r *run) adjustOrder(ctx context.Context, hosts []fleet.TargetHost) ([]fleet.TargetHost, error) {
	start := time.Now()
	defer func() { metrics.ObservePhase(metrics.PhaseOrderAdjust, time.Since(start)) }()

	handles := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h.HasHypervisor() {
			handles = append(handles, h.HypervisorHandle)
		}
	}

	controlPlaneHost := ""
	if len(handles) > 0 {
		loc, err := r.o.deps.Hypervisor.DetectControlPlaneLocation(ctx, handles)
		if err == nil {
			controlPlaneHost = loc.HostWithControlPlane
		}
	}

	var inMaintenance, rest, controlPlane []fleet.TargetHost
	for _, h := range hosts {
		switch {
		case h.HasHypervisor() && h.HypervisorHandle == controlPlaneHost:
			controlPlane = append(controlPlane, h)
		case h.HasHypervisor():
			status, err := r.o.deps.Hypervisor.LiveHostStatus(ctx, h.HypervisorHandle)
			if err == nil && status.InMaintenance {
				inMaintenance = append(inMaintenance, h)
			} else {
				rest = append(rest, h)
			}
		default:
			rest = append(rest, h)
		}
	}

	ordered := append(append(inMaintenance, rest...), controlPlane...)
	r.recordStep(ctx, "Order adjustment", fleet.StepCompleted, map[string]any{
		"control_plane_host": controlPlaneHost,
		"already_in_maintenance": len(inMaintenance),
	})
	return ordered, nil
}

// blockerCacheTTL is how long a preflight blocker-analysis result is
// trusted before preflight re-queries the hypervisor for that host.
const blockerCacheTTL = 24 * time.Hour

// cachedBlockerEntry is one host's row in the job's blocker_cache detail.
type cachedBlockerEntry struct {
	Blockers []fleet.MaintenanceBlocker `json:"blockers"`
	CachedAt time.Time                  `json:"cached_at"`
}

// preflightBlockerCheck runs maintenance-blocker analysis for a host,
// reusing a result from the job's blocker_cache detail when it is
// younger than blockerCacheTTL. It never pauses the job; it only
// records blockers for Phase 1.5 and the job details to inspect.
func (r *run) preflightBlockerCheck(ctx context.Context, h fleet.TargetHost) {
	if !h.HasHypervisor() {
		return
	}
	cache, _ := r.job.Details["blocker_cache"].(map[string]any)
	if cache == nil {
		cache = map[string]any{}
	}
	if raw, ok := cache[h.ServerID]; ok {
		if e, ok := raw.(cachedBlockerEntry); ok && time.Since(e.CachedAt) < blockerCacheTTL {
			return
		}
		if m, ok := raw.(map[string]any); ok {
			if cachedAtStr, ok := m["cached_at"].(string); ok {
				if cachedAt, err := time.Parse(time.RFC3339, cachedAtStr); err == nil {
					if time.Since(cachedAt) < blockerCacheTTL {
						return
					}
				}
			}
		}
	}

	blockers, err := r.o.deps.Hypervisor.AnalyzeMaintenanceBlockers(ctx, h.ServerID)
	if err != nil {
		r.o.deps.Logger.Warn("preflight blocker analysis failed", "host", h.ServerID, "error", err, "correlation_id", r.correlationID)
		return
	}
	if len(blockers) > 0 {
		if err := r.o.deps.Jobs.RecordBlockers(ctx, r.job.ID, h.ServerID, blockers); err != nil {
			r.o.deps.Logger.Warn("recording preflight blockers failed", "host", h.ServerID, "error", err)
			return
		}
	}
	cache[h.ServerID] = cachedBlockerEntry{Blockers: blockers, CachedAt: time.Now().UTC()}
	if err := r.o.deps.Jobs.MergeJobDetails(ctx, r.job.ID, fleet.Details{"blocker_cache": cache}); err != nil {
		r.o.deps.Logger.Warn("caching preflight blockers failed", "host", h.ServerID, "error", err)
		return
	}
	r.job.Details["blocker_cache"] = cache
}

// preflight is P1: per-host connectivity probe, optional cached
// blocker check, optional update-availability check. Returns
// done=true when every host reports no updates needed, letting the
// caller early-exit without touching HA or maintenance.
func (r *run) preflight(ctx context.Context, hosts []fleet.TargetHost) (done bool, err error) {
	start := time.Now()
	defer func() { metrics.ObservePhase(metrics.PhasePreflight, time.Since(start)) }()

	checkUpdates := r.job.Details.BoolDetail("check_updates_in_preflight", true)
	checkBlockers := r.job.Details.BoolDetail("check_blockers_in_preflight", false)
	anyNeedsUpdate := false

	for i, h := range hosts {
		ep := endpointFor(h)
		if err := r.o.deps.BMC.Ping(ctx, ep); err != nil {
			r.recordStep(ctx, "Pre-flight", fleet.StepFailed, map[string]any{
				"failed_host": h.ServerID,
				"error":       err.Error(),
			})
			return false, fmt.Errorf("preflight connectivity probe failed for %s: %w", h.ServerID, err)
		}

		if checkBlockers {
			r.preflightBlockerCheck(ctx, h)
		}

		needsUpdate := true
		if checkUpdates {
			catalogURL := r.job.Details.StringDetail("dell_catalog_url", "")
			updates, err := r.o.deps.BMC.CheckAvailableCatalogUpdates(ctx, ep, catalogURL)
			if err != nil {
				r.o.deps.Logger.Warn("preflight update check failed, assuming update needed", "host", h.ServerID, "error", err)
			} else {
				needsUpdate = len(updates) > 0
			}
		}
		if needsUpdate {
			anyNeedsUpdate = true
		}

		r.recordStep(ctx, "Pre-flight", fleet.StepRunning, map[string]any{
			"hosts_total":   len(hosts),
			"hosts_checked": i + 1,
			"current_host":  h.ServerID,
			"needs_update":  needsUpdate,
		})
	}

	if checkUpdates && !anyNeedsUpdate {
		r.recordStep(ctx, "Pre-flight", fleet.StepCompleted, map[string]any{
			"no_updates_needed": true,
			"hosts_checked":     len(hosts),
		})
		return true, nil
	}

	r.recordStep(ctx, "Pre-flight", fleet.StepCompleted, map[string]any{"hosts_checked": len(hosts)})
	return false, nil
}
