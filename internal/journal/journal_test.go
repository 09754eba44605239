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

package journal

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"fleetupdate/pkg/fleet"
)

func newTestDB(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	const schema = `
CREATE TABLE workflow_steps (
  job_id       TEXT NOT NULL,
  step_number  INTEGER NOT NULL,
  step_name    TEXT NOT NULL,
  status       TEXT NOT NULL,
  details      TEXT NOT NULL,
  error        TEXT NOT NULL DEFAULT '',
  started_at   TIMESTAMP NOT NULL,
  completed_at TIMESTAMP NULL,
  PRIMARY KEY (job_id, step_number)
);`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return db
}

func TestRecordStep_InsertThenUpsertUpdatesInPlace(t *testing.T) {
	db := newTestDB(t)
	j := New(db)
	ctx := context.Background()

	step := fleet.WorkflowStep{
		JobID:      "job-1",
		StepNumber: 3,
		StepName:   "Comprehensive blocker scan",
		Status:     fleet.StepRunning,
		StartedAt:  time.Now().UTC(),
	}
	if err := j.RecordStep(ctx, step, map[string]any{"hosts_scanned": 0}); err != nil {
		t.Fatalf("first RecordStep: %v", err)
	}

	step.Status = fleet.StepCompleted
	now := time.Now().UTC()
	step.CompletedAt = &now
	if err := j.RecordStep(ctx, step, map[string]any{"hosts_scanned": 5}); err != nil {
		t.Fatalf("second RecordStep: %v", err)
	}

	steps, err := j.StepsForJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("StepsForJob: %v", err)
	}
	if len(steps) != 1 {
		t.Fatalf("expected a single upserted row, got %d", len(steps))
	}
	if steps[0].Status != fleet.StepCompleted {
		t.Fatalf("expected status completed, got %s", steps[0].Status)
	}
	if steps[0].CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
}

func TestRecordStep_OrdersByStepNumber(t *testing.T) {
	db := newTestDB(t)
	j := New(db)
	ctx := context.Background()

	for _, n := range []int{3, 1, 2} {
		step := fleet.WorkflowStep{JobID: "job-2", StepNumber: n, StepName: "step", Status: fleet.StepRunning, StartedAt: time.Now().UTC()}
		if err := j.RecordStep(ctx, step, nil); err != nil {
			t.Fatalf("RecordStep(%d): %v", n, err)
		}
	}

	steps, err := j.StepsForJob(ctx, "job-2")
	if err != nil {
		t.Fatalf("StepsForJob: %v", err)
	}
	for i, s := range steps {
		if s.StepNumber != i+1 {
			t.Fatalf("expected steps in ascending order, got %v", steps)
		}
	}
}

func TestMarshalDetails_SanitizesUnsupportedValues(t *testing.T) {
	details := map[string]any{
		"when": time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		"err":  errUnsupported{},
		"ch":   make(chan int),
	}
	raw, err := marshalDetails(details)
	if err != nil {
		t.Fatalf("marshalDetails should sanitize rather than fail: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("expected non-empty sanitized payload")
	}
}

type errUnsupported struct{}

func (errUnsupported) Error() string { return "unsupported" }
