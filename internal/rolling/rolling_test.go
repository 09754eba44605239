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
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"fleetupdate/internal/bmcadapter"
	"fleetupdate/internal/checkpoint"
	"fleetupdate/internal/hypervisor"
	"fleetupdate/internal/jobstore"
	"fleetupdate/internal/journal"
	"fleetupdate/pkg/fleet"
)

// testHarness bundles a full set of in-memory/temp-file dependencies
// for exercising the orchestrator without touching any real BMC or
// hypervisor.
type testHarness struct {
	Jobs    *jobstore.Store
	Journal *journal.Journal
	Cps     *checkpoint.Store
	BMC     *bmcadapter.FakeClient
	Hv      *hypervisor.FakeAdapter
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	jobs, err := jobstore.Open(ctx, filepath.Join(t.TempDir(), "jobs.db"), "test-passphrase")
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { _ = jobs.Close() })

	jdb, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open journal db: %v", err)
	}
	t.Cleanup(func() { _ = jdb.Close() })
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
	if _, err := jdb.Exec(schema); err != nil {
		t.Fatalf("create journal schema: %v", err)
	}

	cps, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoint.db"))
	if err != nil {
		t.Fatalf("open checkpoint store: %v", err)
	}
	t.Cleanup(func() { _ = cps.Close() })

	return &testHarness{
		Jobs:    jobs,
		Journal: journal.New(jdb),
		Cps:     cps,
		BMC:     bmcadapter.NewFakeClient(),
		Hv:      hypervisor.NewFakeAdapter(),
	}
}

func (h *testHarness) orchestrator() *Orchestrator {
	return New(Deps{
		Jobs:        h.Jobs,
		Journal:     h.Journal,
		Checkpoints: h.Cps,
		BMC:         h.BMC,
		Hypervisor:  h.Hv,
		Logger:      slog.New(slog.NewTextHandler(discardWriter{}, nil)),
	})
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func insertServerJob(t *testing.T, h *testHarness, details fleet.Details, hosts []fleet.TargetHost) *fleet.Job {
	t.Helper()
	ctx := context.Background()
	job := fleet.NewJob("job-1", fleet.TargetScope{Kind: fleet.ScopeServers}, "test", details)
	if err := h.Jobs.InsertJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	if err := h.Jobs.ReplaceHosts(ctx, job.ID, hosts); err != nil {
		t.Fatalf("replace hosts: %v", err)
	}
	return job
}

func testHost(serverID string) fleet.TargetHost {
	return fleet.TargetHost{
		ServerID:    serverID,
		BMCAddress:  serverID + ".bmc.example.com",
		BMCUsername: "root",
		BMCPassword: "secret",
		Vendor:      "dell",
	}
}
