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

// Package journal is the workflow step journal: a durable record of
// one row per (job, step number), upserted as a rolling update moves
// through its phases so a UI or operator can watch progress live.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"fleetupdate/pkg/fleet"
)

// Journal records and reads back workflow steps.
type Journal struct {
	db *sqlx.DB
}

// New wraps an already-open *sqlx.DB. The workflow_steps table is
// created by internal/jobstore's migrations; Journal assumes it
// exists.
func New(db *sqlx.DB) *Journal {
	return &Journal{db: db}
}

// RecordStep upserts a step by (job_id, step_number). details is
// sanitized into JSON-serializable form before being marshalled; a
// value that still fails to marshal after sanitization is recorded as
// a string describing the failure rather than aborting the write,
// since a step's progress update must never be lost to a logging bug.
func (j *Journal) RecordStep(ctx context.Context, step fleet.WorkflowStep, details map[string]any) error {
	raw, err := marshalDetails(details)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprintf("unserializable step details: %v", err))
	}

	const upsert = `
INSERT INTO workflow_steps (job_id, step_number, step_name, status, details, error, started_at, completed_at)
VALUES (:job_id, :step_number, :step_name, :status, :details, :error, :started_at, :completed_at)
ON CONFLICT(job_id, step_number) DO UPDATE SET
  step_name=excluded.step_name,
  status=excluded.status,
  details=excluded.details,
  error=excluded.error,
  completed_at=excluded.completed_at;`

	started := step.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}

	args := map[string]any{
		"job_id":       step.JobID,
		"step_number":  step.StepNumber,
		"step_name":    step.StepName,
		"status":       string(step.Status),
		"details":      string(raw),
		"error":        step.Error,
		"started_at":   started,
		"completed_at": step.CompletedAt,
	}
	if _, err := j.db.NamedExecContext(ctx, upsert, args); err != nil {
		return fmt.Errorf("journal: upsert step %d for job %s: %w", step.StepNumber, step.JobID, err)
	}
	return nil
}

// StepsForJob returns every recorded step for a job, ordered by step number.
func (j *Journal) StepsForJob(ctx context.Context, jobID string) ([]fleet.WorkflowStep, error) {
	const q = `
SELECT job_id, step_number, step_name, status, details, error, started_at, completed_at
FROM workflow_steps WHERE job_id = ? ORDER BY step_number ASC;`

	type row struct {
		JobID       string     `db:"job_id"`
		StepNumber  int        `db:"step_number"`
		StepName    string     `db:"step_name"`
		Status      string     `db:"status"`
		Details     string     `db:"details"`
		Error       string     `db:"error"`
		StartedAt   time.Time  `db:"started_at"`
		CompletedAt *time.Time `db:"completed_at"`
	}

	var rows []row
	if err := j.db.SelectContext(ctx, &rows, q, jobID); err != nil {
		return nil, fmt.Errorf("journal: list steps for job %s: %w", jobID, err)
	}

	steps := make([]fleet.WorkflowStep, len(rows))
	for i, r := range rows {
		steps[i] = fleet.WorkflowStep{
			JobID:       r.JobID,
			StepNumber:  r.StepNumber,
			StepName:    r.StepName,
			Status:      fleet.WorkflowStepStatus(r.Status),
			Details:     json.RawMessage(r.Details),
			Error:       r.Error,
			StartedAt:   r.StartedAt,
			CompletedAt: r.CompletedAt,
		}
	}
	return steps, nil
}

// marshalDetails JSON-encodes details, falling back to a deep
// sanitization pass (stringifying anything json.Marshal chokes on)
// before giving up.
func marshalDetails(details map[string]any) ([]byte, error) {
	if details == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(details)
	if err == nil {
		return raw, nil
	}
	return json.Marshal(deepSanitize(details))
}

// deepSanitize recursively coerces a value into something
// json.Marshal is guaranteed to accept, converting anything it
// doesn't recognize (errors, time values embedded oddly, driver
// types) to its string representation.
func deepSanitize(v any) any {
	switch val := v.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return val
	case time.Time:
		return val.Format(time.RFC3339)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepSanitize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepSanitize(item)
		}
		return out
	default:
		return fmt.Sprintf("%v", val)
	}
}
