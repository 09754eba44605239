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
	"encoding/json"
	"fmt"
	"strings"
)

// AdapterError is the typed error every BMC Adapter operation returns
// on failure. Retryable=true carries a WaitSeconds hint the
// orchestrator may honor before trying again; Retryable=false is
// terminal for the operation.
type AdapterError struct {
	Code         string
	Message      string
	Status       int
	Retryable    bool
	WaitSeconds  int
}

func (e *AdapterError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// dellErrorInfo is one row of the Dell error code table.
type dellErrorInfo struct {
	code        string
	message     string
	retry       bool
	waitSeconds int
}

// Dell iDRAC error codes, ported verbatim from
// original_source/job_executor/dell_redfish/errors.py's DellErrorCodes.
var dellErrorTable = []dellErrorInfo{
	{"RAC0508", "iDRAC is performing another configuration export. Wait and retry.", true, 30},
	{"RAC0509", "iDRAC is performing another configuration import. Wait and retry.", true, 30},
	{"SYS403", "Server is in POST. Cannot perform configuration changes until POST completes.", true, 60},
	{"SYS424", "Server is rebooting. Wait for reboot to complete.", true, 120},
	{"FWU001", "Firmware update already in progress. Only one update can run at a time.", true, 300},
	{"FWU002", "Firmware image is invalid or corrupted.", false, 0},
	{"JOB001", "Job queue is full. Clear completed jobs or wait for current jobs to finish.", true, 60},
	{"AUTH001", "Authentication failed. Check username and password.", false, 0},
	{"AUTH002", "Session expired. Re-authenticate and retry.", true, 5},
	{"RES001", "Requested resource not found. Check iDRAC firmware version and endpoint support.", false, 0},
	{"TIMEOUT", "Operation timed out. iDRAC may be busy or unresponsive.", true, 30},
}

func lookupDellCode(code string) (dellErrorInfo, bool) {
	for _, e := range dellErrorTable {
		if e.code == code {
			return e, true
		}
	}
	return dellErrorInfo{}, false
}

// redfishExtendedInfo matches the shape of a Redfish
// @Message.ExtendedInfo error body.
type redfishExtendedInfo struct {
	Error struct {
		Code               string `json:"code"`
		Message            string `json:"message"`
		ExtendedInfoFields []struct {
			MessageID string `json:"MessageId"`
			Message   string `json:"Message"`
		} `json:"@Message.ExtendedInfo"`
	} `json:"error"`
}

// ClassifyDellError maps a Redfish error response body to an
// AdapterError, following original_source's map_dell_error: first try
// the @Message.ExtendedInfo MessageId suffix against the known code
// table, then the direct error object's code, then substring matches
// against the message text, finally falling back to a
// non-retryable UNKNOWN.
func ClassifyDellError(status int, body []byte) *AdapterError {
	var code, message string

	var parsed redfishExtendedInfo
	if len(body) > 0 && json.Unmarshal(body, &parsed) == nil {
		if len(parsed.Error.ExtendedInfoFields) > 0 {
			first := parsed.Error.ExtendedInfoFields[0]
			code = lastDotSegment(first.MessageID)
			message = first.Message
		}
		if code == "" && parsed.Error.Code != "" {
			code = parsed.Error.Code
			message = parsed.Error.Message
		}
	}

	if code != "" {
		if info, ok := lookupDellCode(code); ok {
			return &AdapterError{Code: info.code, Message: info.message, Status: status, Retryable: info.retry, WaitSeconds: info.waitSeconds}
		}
	}

	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "export") && strings.Contains(lower, "in progress"):
		return fromInfo(mustLookup("RAC0508"), status)
	case strings.Contains(lower, "import") && strings.Contains(lower, "in progress"):
		return fromInfo(mustLookup("RAC0509"), status)
	case strings.Contains(lower, "post") || strings.Contains(lower, "bios"):
		return fromInfo(mustLookup("SYS403"), status)
	case strings.Contains(lower, "reboot") || strings.Contains(lower, "restart"):
		return fromInfo(mustLookup("SYS424"), status)
	case strings.Contains(lower, "firmware") && strings.Contains(lower, "progress"):
		return fromInfo(mustLookup("FWU001"), status)
	case strings.Contains(lower, "job queue") || strings.Contains(lower, "queue full"):
		return fromInfo(mustLookup("JOB001"), status)
	case strings.Contains(lower, "authentication") || strings.Contains(lower, "unauthorized"):
		return fromInfo(mustLookup("AUTH001"), status)
	case strings.Contains(lower, "session") && strings.Contains(lower, "expired"):
		return fromInfo(mustLookup("AUTH002"), status)
	case strings.Contains(lower, "not found") || strings.Contains(lower, "404"):
		return fromInfo(mustLookup("RES001"), status)
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return fromInfo(mustLookup("TIMEOUT"), status)
	}

	if code == "" {
		code = "UNKNOWN"
	}
	if message == "" {
		message = "Unknown error occurred"
	}
	return &AdapterError{Code: code, Message: message, Status: status, Retryable: false}
}

func fromInfo(info dellErrorInfo, status int) *AdapterError {
	return &AdapterError{Code: info.code, Message: info.message, Status: status, Retryable: info.retry, WaitSeconds: info.waitSeconds}
}

func mustLookup(code string) dellErrorInfo {
	info, _ := lookupDellCode(code)
	return info
}

func lastDotSegment(s string) string {
	idx := strings.LastIndex(s, ".")
	if idx < 0 {
		return s
	}
	return s[idx+1:]
}

// UserFriendlyMessage returns the canonical message for a known Dell
// error code, or a generic fallback for an unrecognized one.
func UserFriendlyMessage(code string) string {
	if info, ok := lookupDellCode(code); ok {
		return info.message
	}
	return fmt.Sprintf("Dell iDRAC error: %s", code)
}

// Sentinel codes used by the adapter itself (not BMC-reported).
const (
	CodeCircuitOpen           = "CIRCUIT_OPEN"
	CodeNoTaskURI             = "NO_TASK_URI"
	CodeNoJobID               = "NO_JOB_ID"
	CodeVersionDetectFailed   = "VERSION_DETECTION_FAILED"
	CodeCatalogUnreachable    = "CATALOG_UNREACHABLE"
	CodeRebootWaitTimeout     = "REBOOT_WAIT_TIMEOUT"
)
