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

package main

import (
	"testing"
	"time"
)

func TestParseServeConfig_DefaultsWhenEnvUnset(t *testing.T) {
	cfg := parseServeConfig()
	def := defaultServeConfig()
	if cfg.DBPath != def.DBPath {
		t.Fatalf("expected default db path %q, got %q", def.DBPath, cfg.DBPath)
	}
	if cfg.MaxConcurrentJobs != def.MaxConcurrentJobs {
		t.Fatalf("expected default max concurrent jobs %d, got %d", def.MaxConcurrentJobs, cfg.MaxConcurrentJobs)
	}
}

func TestParseServeConfig_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("FLEET_DB_PATH", "/tmp/custom.db")
	t.Setenv("FLEET_MAX_CONCURRENT_JOBS", "7")
	t.Setenv("FLEET_THROTTLE_CIRCUIT_TIMEOUT", "45s")

	cfg := parseServeConfig()
	if cfg.DBPath != "/tmp/custom.db" {
		t.Fatalf("expected env-overridden db path, got %q", cfg.DBPath)
	}
	if cfg.MaxConcurrentJobs != 7 {
		t.Fatalf("expected env-overridden max concurrent jobs 7, got %d", cfg.MaxConcurrentJobs)
	}
	if cfg.ThrottleCircuitTimeout != 45*time.Second {
		t.Fatalf("expected env-overridden circuit timeout 45s, got %s", cfg.ThrottleCircuitTimeout)
	}
}

func TestOverrideFromFlags_OnlyAppliesExplicitlySetFlags(t *testing.T) {
	t.Setenv("FLEET_DB_PATH", "/tmp/env.db")
	cfg := parseServeConfig()

	cmd := serveCmd
	if err := cmd.Flags().Set("metrics-addr", ":9999"); err != nil {
		t.Fatalf("set flag: %v", err)
	}

	got := overrideFromFlags(cfg, cmd)
	if got.DBPath != "/tmp/env.db" {
		t.Fatalf("expected env db path preserved when flag untouched, got %q", got.DBPath)
	}
	if got.MetricsAddr != ":9999" {
		t.Fatalf("expected flag-overridden metrics addr, got %q", got.MetricsAddr)
	}
}

func TestParseHostDescriptor(t *testing.T) {
	h, err := parseHostDescriptor("srv-1,srv-1.bmc.example.com,root,secret,dell,host-1")
	if err != nil {
		t.Fatalf("parseHostDescriptor: %v", err)
	}
	if h.ServerID != "srv-1" || h.BMCAddress != "srv-1.bmc.example.com" || h.BMCUsername != "root" ||
		h.BMCPassword != "secret" || h.Vendor != "dell" || h.HypervisorHandle != "host-1" {
		t.Fatalf("unexpected host: %+v", h)
	}

	h2, err := parseHostDescriptor("srv-2,srv-2.bmc.example.com,root,secret,dell")
	if err != nil {
		t.Fatalf("parseHostDescriptor without handle: %v", err)
	}
	if h2.HypervisorHandle != "" {
		t.Fatalf("expected empty hypervisor handle, got %q", h2.HypervisorHandle)
	}

	if _, err := parseHostDescriptor("too,few,fields"); err == nil {
		t.Fatalf("expected an error for a short descriptor")
	}
}
