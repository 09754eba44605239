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

package bmcadapter

import (
	"strings"
	"time"
)

// Quirks captures vendor-specific behaviors the firmware-update loop
// must account for.
type Quirks struct {
	// BootTargetMap maps canonical targets (Cd, Pxe, Hdd, Usb) to vendor-specific values.
	BootTargetMap map[string]string
	// RequiresWriteProtected marks vendors whose SCP import needs
	// WriteProtected=true. Nothing reads it: the adapter has no SCP import.
	RequiresWriteProtected bool
	// DelayAfterReboot is a per-vendor settle delay after a reboot.
	// Nothing reads it: the reboot wait uses only its fixed POST sleep.
	DelayAfterReboot time.Duration
	// DefaultStallRecovery is the recovery_action used for
	// wait_for_job_with_recovery when the job's details don't specify one.
	DefaultStallRecovery string
	// SCPExportTarget is the default ShareParameters Target for export_scp.
	SCPExportTarget string
}

func (q *Quirks) mapBootTarget(target string) string {
	if q == nil || len(q.BootTargetMap) == 0 {
		return target
	}
	if m, ok := q.BootTargetMap[target]; ok && m != "" {
		return m
	}
	for k, v := range q.BootTargetMap {
		if strings.EqualFold(k, target) && v != "" {
			return v
		}
	}
	return target
}

// getQuirks returns the quirk set for a vendor string, defaulting to
// a conservative baseline profile. Dell/iDRAC is the primary supported
// vendor for firmware operations; the others are carried over from
// the aggregator's virtual-media quirks for completeness.
func getQuirks(vendor string) *Quirks {
	v := strings.ToLower(strings.TrimSpace(vendor))
	q := &Quirks{
		BootTargetMap: map[string]string{
			"Cd":  "Cd",
			"Pxe": "Pxe",
			"Hdd": "Hdd",
			"Usb": "Usb",
		},
		RequiresWriteProtected: false,
		DefaultStallRecovery:   "reboot",
		SCPExportTarget:        "ALL",
	}

	switch {
	case strings.Contains(v, "dell") || strings.Contains(v, "idrac"):
		q.DelayAfterReboot = 500 * time.Millisecond
		q.RequiresWriteProtected = true
	case strings.Contains(v, "hewlett") || strings.Contains(v, "hpe") || strings.Contains(v, "ilo"):
		q.DefaultStallRecovery = "clear_queue"
	case strings.Contains(v, "supermicro"):
		q.BootTargetMap["Cd"] = "Cd"
	case strings.Contains(v, "lenovo"):
		// Lenovo XCC is spec-compliant; keep defaults.
	}
	return q
}

// DefaultStallRecoveryFor exposes a vendor's default stall-recovery
// action to callers outside this package, so the host loop can fall
// back to it when a job's details don't name one explicitly.
func DefaultStallRecoveryFor(vendor string) RecoveryAction {
	return RecoveryAction(getQuirks(vendor).DefaultStallRecovery)
}
