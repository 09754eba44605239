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

// Package jobstore provides a SQLite-backed persistence layer for
// rolling-update jobs, their target hosts (with BMC credentials
// encrypted at rest), outstanding maintenance blockers, and engine
// settings.
package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"fleetupdate/pkg/crypto"
	"fleetupdate/pkg/fleet"
)

const (
	defaultBusyTimeout = 5 * time.Second
	schemaVersionKey   = "schema_version"
)

// ErrNotFound indicates no rows matched the query.
var ErrNotFound = errors.New("not found")

// Store wraps a SQLite database connection and provides typed accessors.
type Store struct {
	db        *sqlx.DB
	encryptor *crypto.Encryptor
}

// Open opens (or creates) a SQLite database at path, applies
// connection pragmas, runs migrations, and returns a ready Store.
// credentialPassphrase seeds the encryptor used to protect BMC
// passwords at rest; it must be stable across restarts or stored
// host credentials become unreadable.
func Open(ctx context.Context, path, credentialPassphrase string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	enc, err := crypto.NewEncryptor(credentialPassphrase)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init credential encryptor: %w", err)
	}

	s := &Store{db: db, encryptor: enc}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// DB returns the underlying connection so sibling packages that share
// this SQLite file (the workflow journal) can open their own typed
// accessor against the same connection pool instead of a second file.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS settings (key TEXT PRIMARY KEY, value TEXT NOT NULL);`); err != nil {
		return err
	}

	cur, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}

	if cur < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 1); err != nil {
			return err
		}
	}
	if cur < 2 {
		if err := s.migrateToV2(ctx); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
		if err := s.setSchemaVersion(ctx, 2); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var val string
	err := s.db.QueryRowContext(ctx, q, schemaVersionKey).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	var v int
	if _, err := fmt.Sscanf(val, "%d", &v); err != nil {
		return 0, nil
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, schemaVersionKey, fmt.Sprintf("%d", v))
	return err
}

func (s *Store) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
  id            TEXT PRIMARY KEY,
  type          TEXT NOT NULL,
  status        TEXT NOT NULL CHECK (status IN ('pending','running','paused','completed','failed','cancelled')),
  target_scope  TEXT NOT NULL,
  details       TEXT NOT NULL,
  creator       TEXT NOT NULL,
  created_at    TIMESTAMP NOT NULL,
  updated_at    TIMESTAMP NOT NULL,
  started_at    TIMESTAMP NULL,
  completed_at  TIMESTAMP NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);`,

		`CREATE TABLE IF NOT EXISTS hosts (
  job_id            TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  server_id         TEXT NOT NULL,
  bmc_address       TEXT NOT NULL,
  bmc_username      TEXT NOT NULL,
  bmc_password_enc  TEXT NOT NULL,
  vendor            TEXT NOT NULL DEFAULT '',
  hypervisor_handle TEXT NOT NULL DEFAULT '',
  model             TEXT NOT NULL DEFAULT '',
  sequence          INTEGER NOT NULL,
  PRIMARY KEY (job_id, server_id)
);`,
		`CREATE INDEX IF NOT EXISTS idx_hosts_job_seq ON hosts(job_id, sequence);`,

		`CREATE TABLE IF NOT EXISTS maintenance_blockers (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id           TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  server_id        TEXT NOT NULL,
  vm_name          TEXT NOT NULL,
  reason           TEXT NOT NULL,
  severity         TEXT NOT NULL,
  auto_remediable  INTEGER NOT NULL DEFAULT 0,
  resolved         INTEGER NOT NULL DEFAULT 0,
  detected_at      TIMESTAMP NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_blockers_job ON maintenance_blockers(job_id, resolved);`,

		`CREATE TABLE IF NOT EXISTS workflow_steps (
  job_id       TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
  step_number  INTEGER NOT NULL,
  step_name    TEXT NOT NULL,
  status       TEXT NOT NULL,
  details      TEXT NOT NULL,
  error        TEXT NOT NULL DEFAULT '',
  started_at   TIMESTAMP NOT NULL,
  completed_at TIMESTAMP NULL,
  PRIMARY KEY (job_id, step_number)
);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// migrateToV2 adds the management-address/fallback-IP columns reboot
// wait's TCP port check needs; both default to empty so existing rows
// fall back to server_id per fleet.TargetHost.ManagementTarget.
func (s *Store) migrateToV2(ctx context.Context) error {
	stmts := []string{
		`ALTER TABLE hosts ADD COLUMN management_address TEXT NOT NULL DEFAULT '';`,
		`ALTER TABLE hosts ADD COLUMN fallback_ip TEXT NOT NULL DEFAULT '';`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute ddl: %w", err)
		}
	}
	return nil
}

// --------------- Settings ---------------

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, key, value)
	return err
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM settings WHERE key=?`
	var v string
	if err := s.db.QueryRowContext(ctx, q, key).Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// --------------- Jobs ---------------

// InsertJob persists a new job, JSON-encoding its details and target scope.
func (s *Store) InsertJob(ctx context.Context, job *fleet.Job) error {
	detailsJSON, err := json.Marshal(job.Details)
	if err != nil {
		return fmt.Errorf("marshal job details: %w", err)
	}
	scopeJSON, err := json.Marshal(job.TargetScope)
	if err != nil {
		return fmt.Errorf("marshal target scope: %w", err)
	}
	const ins = `
INSERT INTO jobs (id, type, status, target_scope, details, creator, created_at, updated_at, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
	_, err = s.db.ExecContext(ctx, ins,
		job.ID, string(job.Type), string(job.Status), string(scopeJSON), string(detailsJSON),
		job.Creator, job.CreatedAt.UTC(), job.UpdatedAt.UTC(), nullTime(job.StartedAt), nullTime(job.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

type jobRow struct {
	ID          string     `db:"id"`
	Type        string     `db:"type"`
	Status      string     `db:"status"`
	TargetScope string     `db:"target_scope"`
	Details     string     `db:"details"`
	Creator     string     `db:"creator"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
	StartedAt   *time.Time `db:"started_at"`
	CompletedAt *time.Time `db:"completed_at"`
}

func (r jobRow) toJob() (*fleet.Job, error) {
	var details fleet.Details
	if err := json.Unmarshal([]byte(r.Details), &details); err != nil {
		return nil, fmt.Errorf("unmarshal job details: %w", err)
	}
	var scope fleet.TargetScope
	if err := json.Unmarshal([]byte(r.TargetScope), &scope); err != nil {
		return nil, fmt.Errorf("unmarshal target scope: %w", err)
	}
	return &fleet.Job{
		ID:          r.ID,
		Type:        fleet.JobType(r.Type),
		Status:      fleet.JobStatus(r.Status),
		Details:     details,
		TargetScope: scope,
		Creator:     r.Creator,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}, nil
}

// GetJobByID retrieves a job by ID.
func (s *Store) GetJobByID(ctx context.Context, id string) (*fleet.Job, error) {
	const q = `SELECT id, type, status, target_scope, details, creator, created_at, updated_at, started_at, completed_at FROM jobs WHERE id=?`
	var row jobRow
	if err := s.db.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get job: %w", err)
	}
	return row.toJob()
}

// ListJobsByStatus returns jobs matching status ordered by creation time.
func (s *Store) ListJobsByStatus(ctx context.Context, status fleet.JobStatus) ([]*fleet.Job, error) {
	const q = `SELECT id, type, status, target_scope, details, creator, created_at, updated_at, started_at, completed_at FROM jobs WHERE status=? ORDER BY created_at ASC`
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, q, string(status)); err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	out := make([]*fleet.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// UpdateJobStatus transitions a job's status.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, status fleet.JobStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status: %s", status)
	}
	now := time.Now().UTC()
	var upd string
	var args []any
	switch {
	case status == fleet.JobRunning:
		upd = `UPDATE jobs SET status=?, started_at=COALESCE(started_at, ?), updated_at=? WHERE id=?`
		args = []any{string(status), now, now, id}
	case status.IsTerminal():
		upd = `UPDATE jobs SET status=?, completed_at=?, updated_at=? WHERE id=?`
		args = []any{string(status), now, now, id}
	default:
		upd = `UPDATE jobs SET status=?, updated_at=? WHERE id=?`
		args = []any{string(status), now, id}
	}
	_, err := s.db.ExecContext(ctx, upd, args...)
	return err
}

// MergeJobDetails reads a job's details, merges in patch (patch wins
// on key collision) and writes the result back. Callers hold the
// orchestrator's per-job serialization, so this is not itself
// transactional across read and write.
func (s *Store) MergeJobDetails(ctx context.Context, id string, patch fleet.Details) error {
	job, err := s.GetJobByID(ctx, id)
	if err != nil {
		return err
	}
	if job.Details == nil {
		job.Details = fleet.Details{}
	}
	for k, v := range patch {
		job.Details[k] = v
	}
	raw, err := json.Marshal(job.Details)
	if err != nil {
		return fmt.Errorf("marshal merged details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE jobs SET details=?, updated_at=? WHERE id=?`, string(raw), time.Now().UTC(), id)
	return err
}

// --------------- Hosts ---------------

// ReplaceHosts atomically replaces a job's target host list, in
// resolution order, encrypting each host's BMC password at rest.
func (s *Store) ReplaceHosts(ctx context.Context, jobID string, hosts []fleet.TargetHost) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM hosts WHERE job_id=?`, jobID); err != nil {
			return fmt.Errorf("clear hosts: %w", err)
		}
		const ins = `
INSERT INTO hosts (job_id, server_id, bmc_address, bmc_username, bmc_password_enc, vendor, hypervisor_handle, model, management_address, fallback_ip, sequence)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`
		for i, h := range hosts {
			enc, err := s.encryptor.Encrypt(h.BMCPassword)
			if err != nil {
				return fmt.Errorf("encrypt bmc password for %s: %w", h.ServerID, err)
			}
			if _, err := tx.ExecContext(ctx, ins, jobID, h.ServerID, h.BMCAddress, h.BMCUsername, enc, h.Vendor, h.HypervisorHandle, h.Model, h.ManagementAddress, h.FallbackIP, i); err != nil {
				return fmt.Errorf("insert host %s: %w", h.ServerID, err)
			}
		}
		return nil
	})
}

// HostsForJob returns a job's target hosts in resolution order, with
// BMC passwords decrypted for immediate use.
func (s *Store) HostsForJob(ctx context.Context, jobID string) ([]fleet.TargetHost, error) {
	type row struct {
		ServerID          string `db:"server_id"`
		BMCAddress        string `db:"bmc_address"`
		BMCUsername       string `db:"bmc_username"`
		BMCPasswordEnc    string `db:"bmc_password_enc"`
		Vendor            string `db:"vendor"`
		HypervisorHandle  string `db:"hypervisor_handle"`
		Model             string `db:"model"`
		ManagementAddress string `db:"management_address"`
		FallbackIP        string `db:"fallback_ip"`
	}
	const q = `SELECT server_id, bmc_address, bmc_username, bmc_password_enc, vendor, hypervisor_handle, model, management_address, fallback_ip
FROM hosts WHERE job_id=? ORDER BY sequence ASC`
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, q, jobID); err != nil {
		return nil, fmt.Errorf("list hosts for job %s: %w", jobID, err)
	}
	out := make([]fleet.TargetHost, len(rows))
	for i, r := range rows {
		pw, err := s.encryptor.Decrypt(r.BMCPasswordEnc)
		if err != nil {
			return nil, fmt.Errorf("decrypt bmc password for %s: %w", r.ServerID, err)
		}
		out[i] = fleet.TargetHost{
			ServerID:          r.ServerID,
			BMCAddress:        r.BMCAddress,
			BMCUsername:       r.BMCUsername,
			BMCPassword:       pw,
			Vendor:            r.Vendor,
			HypervisorHandle:  r.HypervisorHandle,
			Model:             r.Model,
			ManagementAddress: r.ManagementAddress,
			FallbackIP:        r.FallbackIP,
		}
	}
	return out, nil
}

// --------------- Maintenance blockers ---------------

// RecordBlockers inserts newly-detected blockers for a host.
func (s *Store) RecordBlockers(ctx context.Context, jobID, serverID string, blockers []fleet.MaintenanceBlocker) error {
	const ins = `
INSERT INTO maintenance_blockers (job_id, server_id, vm_name, reason, severity, auto_remediable, resolved, detected_at)
VALUES (?, ?, ?, ?, ?, ?, 0, ?);`
	now := time.Now().UTC()
	for _, b := range blockers {
		if _, err := s.db.ExecContext(ctx, ins, jobID, serverID, b.VMName, string(b.Reason), string(b.Severity), boolToInt(b.AutoRemediable), now); err != nil {
			return fmt.Errorf("record blocker for %s: %w", serverID, err)
		}
	}
	return nil
}

// UnresolvedBlockers returns every still-open blocker for a job.
func (s *Store) UnresolvedBlockers(ctx context.Context, jobID string) ([]fleet.MaintenanceBlocker, error) {
	type row struct {
		VMName         string `db:"vm_name"`
		Reason         string `db:"reason"`
		Severity       string `db:"severity"`
		AutoRemediable int    `db:"auto_remediable"`
	}
	const q = `SELECT vm_name, reason, severity, auto_remediable FROM maintenance_blockers WHERE job_id=? AND resolved=0`
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, q, jobID); err != nil {
		return nil, fmt.Errorf("list unresolved blockers: %w", err)
	}
	out := make([]fleet.MaintenanceBlocker, len(rows))
	for i, r := range rows {
		out[i] = fleet.MaintenanceBlocker{
			VMName:         r.VMName,
			Reason:         fleet.BlockerReason(r.Reason),
			Severity:       fleet.BlockerSeverity(r.Severity),
			AutoRemediable: r.AutoRemediable != 0,
		}
	}
	return out, nil
}

// UnresolvedBlockersForHost returns the still-open blockers for a
// single host within a job, used by the per-host P3 scan so one
// host's blockers never leak into another's pause decision.
func (s *Store) UnresolvedBlockersForHost(ctx context.Context, jobID, serverID string) ([]fleet.MaintenanceBlocker, error) {
	type row struct {
		VMName         string `db:"vm_name"`
		Reason         string `db:"reason"`
		Severity       string `db:"severity"`
		AutoRemediable int    `db:"auto_remediable"`
	}
	const q = `SELECT vm_name, reason, severity, auto_remediable FROM maintenance_blockers WHERE job_id=? AND server_id=? AND resolved=0`
	var rows []row
	if err := s.db.SelectContext(ctx, &rows, q, jobID, serverID); err != nil {
		return nil, fmt.Errorf("list unresolved blockers for host: %w", err)
	}
	out := make([]fleet.MaintenanceBlocker, len(rows))
	for i, r := range rows {
		out[i] = fleet.MaintenanceBlocker{
			VMName:         r.VMName,
			Reason:         fleet.BlockerReason(r.Reason),
			Severity:       fleet.BlockerSeverity(r.Severity),
			AutoRemediable: r.AutoRemediable != 0,
		}
	}
	return out, nil
}

// ResolveBlockers marks every open blocker for a job+host resolved.
func (s *Store) ResolveBlockers(ctx context.Context, jobID, serverID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE maintenance_blockers SET resolved=1 WHERE job_id=? AND server_id=?`, jobID, serverID)
	return err
}

// --------------- helpers ---------------

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
