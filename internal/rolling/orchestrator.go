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

// Package rolling is the rolling cluster update orchestrator: a linear
// phase machine (P0 through P7) that resolves a job's target hosts,
// disables cluster HA, walks hosts one at a time applying firmware,
// and re-enables HA on every exit path.
package rolling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/qmuntal/stateless"

	"fleetupdate/internal/bmcadapter"
	"fleetupdate/internal/checkpoint"
	"fleetupdate/internal/ctxkeys"
	"fleetupdate/internal/hypervisor"
	"fleetupdate/internal/jobstore"
	"fleetupdate/internal/journal"
	"fleetupdate/internal/metrics"
	"fleetupdate/pkg/fleet"
)

// Lifecycle triggers fired against the per-job stateless.StateMachine.
// The machine exists so the journal and the job's authoritative status
// agree on legal transitions without encoding the transition table
// twice; phase execution itself is a plain sequential Go function.
const (
	triggerStart    = "start"
	triggerPause    = "pause"
	triggerResume   = "resume"
	triggerComplete = "complete"
	triggerFail     = "fail"
	triggerCancel   = "cancel"
)

func newLifecycle(initial fleet.JobStatus) *stateless.StateMachine {
	sm := stateless.NewStateMachine(initial)
	sm.Configure(fleet.JobPending).Permit(triggerStart, fleet.JobRunning)
	sm.Configure(fleet.JobRunning).
		Permit(triggerPause, fleet.JobPaused).
		Permit(triggerComplete, fleet.JobCompleted).
		Permit(triggerFail, fleet.JobFailed).
		Permit(triggerCancel, fleet.JobCancelled)
	sm.Configure(fleet.JobPaused).
		Permit(triggerResume, fleet.JobRunning).
		Permit(triggerCancel, fleet.JobCancelled)
	return sm
}

// Deps bundles everything one Orchestrator needs; all fields are
// required.
type Deps struct {
	Jobs        *jobstore.Store
	Journal     *journal.Journal
	Checkpoints *checkpoint.Store
	BMC         bmcadapter.Client
	Hypervisor  hypervisor.Adapter
	Logger      *slog.Logger
}

// Orchestrator runs rolling-update jobs to completion, one goroutine
// per active job, grounded on the teacher's jobs.Worker poll loop.
type Orchestrator struct {
	deps Deps
}

// New returns an Orchestrator ready to run jobs.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{deps: deps}
}

// run is the per-job execution context threaded through every phase
// helper; it is not safe for concurrent use by more than one goroutine.
type run struct {
	o             *Orchestrator
	job           *fleet.Job
	fsm           *stateless.StateMachine
	state         *fleet.CleanupState
	stepNum       int
	correlationID string

	haDisabled  bool
	haSnapshot  *fleet.HAConfig
	clusterName string

	hostResults []fleet.HostResult
}

// Run executes jobID from its current status to a terminal status. It
// recovers from a panic inside any phase by running the cancellation
// cleanup against whatever CleanupState was last checkpointed, then
// re-panics so the caller's own recovery (goroutine boundary) can log
// it; the job is left in a safe, terminal state either way.
func (o *Orchestrator) Run(ctx context.Context, jobID string) error {
	ctx, corrID := ctxkeys.EnsureCorrelationID(ctx)

	job, err := o.deps.Jobs.GetJobByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("rolling: load job %s: %w", jobID, err)
	}

	r := &run{
		o:             o,
		job:           job,
		fsm:           newLifecycle(job.Status),
		state:         fleet.NewCleanupState(jobID),
		correlationID: corrID,
	}
	if cp, err := o.deps.Checkpoints.Load(jobID); err == nil && cp != nil {
		r.state = cp
	}

	if job.Status == fleet.JobPending {
		if err := r.fsm.Fire(triggerStart); err != nil {
			return fmt.Errorf("rolling: start transition: %w", err)
		}
		if err := o.deps.Jobs.UpdateJobStatus(ctx, jobID, fleet.JobRunning); err != nil {
			return fmt.Errorf("rolling: mark running: %w", err)
		}
	}

	defer func() {
		_ = o.deps.Checkpoints.Delete(jobID)
	}()
	defer func() {
		if p := recover(); p != nil {
			r.runCleanup(ctx, fmt.Sprintf("panic: %v", p))
			_ = o.deps.Jobs.UpdateJobStatus(ctx, jobID, fleet.JobFailed)
			panic(p)
		}
	}()

	return r.execute(ctx)
}

// execute runs phases P0 through P7 in order, returning only once the
// job has reached a terminal (or paused) status and that status has
// been durably written.
func (r *run) execute(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.ObservePhase(metrics.PhaseRollingJob, time.Since(start))
	}()

	hosts, err := r.resolveTargets(ctx)
	if err != nil {
		return r.fail(ctx, "Resolve target set", err)
	}
	if len(hosts) == 0 {
		return r.fail(ctx, "Resolve target set", errors.New("no eligible hosts"))
	}

	hosts, err = r.adjustOrder(ctx, hosts)
	if err != nil {
		return r.fail(ctx, "Order adjustment", err)
	}
	if err := r.o.deps.Jobs.ReplaceHosts(ctx, r.job.ID, hosts); err != nil {
		return r.fail(ctx, "Resolve target set", err)
	}

	done, err := r.preflight(ctx, hosts)
	if err != nil {
		return r.fail(ctx, "Pre-flight", err)
	}
	if done {
		return r.complete(ctx, "no updates needed across all hosts")
	}

	r.clusterName = r.job.TargetScope.Cluster
	if r.clusterName != "" {
		if err := r.disableHA(ctx); err != nil {
			r.o.deps.Logger.Warn("ha disable failed, proceeding with ha enabled", "job_id", r.job.ID, "correlation_id", r.correlationID, "error", err)
		}
	}

	paused, err := r.comprehensiveBlockerScan(ctx, hosts)
	if err != nil {
		return r.failAfterHA(ctx, "Comprehensive blocker scan", err)
	}
	if paused {
		return nil
	}

	if r.job.Details.BoolDetail("backup_scp", true) {
		r.batchSCPBackup(ctx, hosts)
	}

	outcome, err := r.runHostLoop(ctx, hosts)
	if err != nil {
		return r.failAfterHA(ctx, "Sequential per-host loop", err)
	}

	r.reenableHA(ctx, "P6")

	switch outcome {
	case outcomeCancelled:
		return nil
	case outcomePausedForIntervention:
		return nil
	default:
		return r.terminal(ctx)
	}
}

type hostLoopOutcome int

const (
	outcomeNormal hostLoopOutcome = iota
	outcomeCancelled
	outcomePausedForIntervention
)

// terminal computes and writes P7's final status: completed if any
// host updated or none failed, failed if at least one failed and
// continue_on_failure is false.
func (r *run) terminal(ctx context.Context) error {
	anyFailed := false
	anyUpdated := false
	for _, hr := range r.hostResults {
		if hr.Error != "" {
			anyFailed = true
		}
		if hr.Updated {
			anyUpdated = true
		}
	}
	continueOnFailure := r.job.Details.BoolDetail("continue_on_failure", false)

	if anyFailed && !continueOnFailure {
		return r.fail(ctx, "Sequential per-host loop", fmt.Errorf("at least one host failed"))
	}
	_ = anyUpdated
	return r.complete(ctx, "rolling update finished")
}

func (r *run) complete(ctx context.Context, summary string) error {
	if err := r.fsm.Fire(triggerComplete); err != nil {
		r.o.deps.Logger.Warn("lifecycle transition rejected on complete", "job_id", r.job.ID, "correlation_id", r.correlationID, "error", err)
	}
	patch := fleet.Details{
		"summary":      summary,
		"host_results": r.hostResults,
	}
	if err := r.o.deps.Jobs.MergeJobDetails(ctx, r.job.ID, patch); err != nil {
		return err
	}
	return r.o.deps.Jobs.UpdateJobStatus(ctx, r.job.ID, fleet.JobCompleted)
}

func (r *run) fail(ctx context.Context, step string, cause error) error {
	if err := r.fsm.Fire(triggerFail); err != nil {
		r.o.deps.Logger.Warn("lifecycle transition rejected on fail", "job_id", r.job.ID, "correlation_id", r.correlationID, "error", err)
	}
	patch := fleet.Details{
		"error":        cause.Error(),
		"failed_step":  step,
		"host_results": r.hostResults,
	}
	if err := r.o.deps.Jobs.MergeJobDetails(ctx, r.job.ID, patch); err != nil {
		r.o.deps.Logger.Error("failed to write failure details", "job_id", r.job.ID, "correlation_id", r.correlationID, "error", err)
	}
	_ = r.o.deps.Jobs.UpdateJobStatus(ctx, r.job.ID, fleet.JobFailed)
	return cause
}

// failAfterHA re-enables HA (§4.6 P6's "every exception path"
// guarantee) before delegating to fail.
func (r *run) failAfterHA(ctx context.Context, step string, cause error) error {
	r.reenableHA(ctx, "exception path")
	return r.fail(ctx, step, cause)
}

// reenableHA is the single call site every exit path routes through,
// satisfying the HA-restore invariant regardless of how P5 ended.
func (r *run) reenableHA(ctx context.Context, reason string) {
	if !r.haDisabled {
		return
	}
	hostMonitoring, admission := true, true
	if r.haSnapshot != nil {
		hostMonitoring, admission = r.haSnapshot.HostMonitoring, r.haSnapshot.AdmissionControl
	}
	err := r.o.deps.Hypervisor.EnableClusterHA(ctx, r.clusterName, hostMonitoring, admission)
	r.recordStep(ctx, "Re-enable HA", stepOutcome(err), map[string]any{"reason": reason, "error": errString(err)})
	if err != nil {
		r.o.deps.Logger.Error("ha restore failed", "job_id", r.job.ID, "correlation_id", r.correlationID, "cluster", r.clusterName, "error", err)
		_ = r.o.deps.Jobs.MergeJobDetails(ctx, r.job.ID, fleet.Details{
			"ha_restore_failed": true,
			"ha_restore_error":  err.Error(),
		})
		r.state.HARestoreFailed = true
		r.state.HARestoreError = err.Error()
	} else {
		r.haDisabled = false
	}
	r.checkpoint(ctx)
}

func (r *run) disableHA(ctx context.Context) error {
	res, err := r.o.deps.Hypervisor.DisableClusterHA(ctx, r.clusterName)
	if err != nil {
		r.recordStep(ctx, "HA disable", fleet.StepFailed, map[string]any{"error": err.Error()})
		return err
	}
	if !res.Success && res.FaultToleranceVM != "" {
		r.recordStep(ctx, "HA disable", fleet.StepWarning, map[string]any{
			"warning":            "blocked by fault-tolerant VM, proceeding with HA enabled",
			"fault_tolerance_vm": res.FaultToleranceVM,
		})
		return fmt.Errorf("ha disable blocked by fault-tolerant vm %s", res.FaultToleranceVM)
	}
	r.haDisabled = true
	r.haSnapshot = &fleet.HAConfig{
		Enabled:          res.WasEnabled,
		HostMonitoring:   res.PriorHostMonitoring,
		AdmissionControl: res.PriorAdmissionControl,
	}
	r.state.HADisabled = true
	r.state.HASnapshot = r.haSnapshot
	r.checkpoint(ctx)
	r.recordStep(ctx, "HA disable", fleet.StepCompleted, map[string]any{"was_enabled": res.WasEnabled})
	return nil
}

func (r *run) checkpoint(ctx context.Context) {
	if err := r.o.deps.Checkpoints.Save(r.state); err != nil {
		r.o.deps.Logger.Error("checkpoint save failed", "job_id", r.job.ID, "correlation_id", r.correlationID, "error", err)
	}
}

func (r *run) recordStep(ctx context.Context, name string, status fleet.WorkflowStepStatus, details map[string]any) {
	r.stepNum++
	now := time.Now().UTC()
	step := fleet.WorkflowStep{
		JobID:      r.job.ID,
		StepNumber: r.stepNum,
		StepName:   name,
		Status:     status,
		StartedAt:  now,
	}
	if status.Terminal() {
		step.CompletedAt = &now
	}
	if details == nil {
		details = map[string]any{}
	}
	details["correlation_id"] = r.correlationID
	if err := r.o.deps.Journal.RecordStep(ctx, step, details); err != nil {
		r.o.deps.Logger.Error("journal write failed", "job_id", r.job.ID, "correlation_id", r.correlationID, "step", name, "error", err)
	}
}

func stepOutcome(err error) fleet.WorkflowStepStatus {
	if err != nil {
		return fleet.StepFailed
	}
	return fleet.StepCompleted
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// isCancelled re-reads the job's authoritative status from the store —
// cancellation is polled, never interrupt-driven.
func (r *run) isCancelled(ctx context.Context) (bool, error) {
	job, err := r.o.deps.Jobs.GetJobByID(ctx, r.job.ID)
	if err != nil {
		return false, err
	}
	return job.Status == fleet.JobCancelled, nil
}

func (r *run) gracefulCancelRequested(ctx context.Context) bool {
	job, err := r.o.deps.Jobs.GetJobByID(ctx, r.job.ID)
	if err != nil {
		return false
	}
	return job.Details.BoolDetail("graceful_cancel", false)
}

func endpointFor(h fleet.TargetHost) bmcadapter.Endpoint {
	return bmcadapter.Endpoint{
		Address:  h.BMCAddress,
		Username: h.BMCUsername,
		Password: h.BMCPassword,
		Vendor:   h.Vendor,
		Timeout:  30 * time.Second,
	}
}
