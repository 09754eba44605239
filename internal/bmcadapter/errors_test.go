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

import "testing"

func TestClassifyDellError_ExtendedInfoCode(t *testing.T) {
	body := []byte(`{"error":{"@Message.ExtendedInfo":[{"MessageId":"IDRAC.2.5.RAC0508","Message":"export in progress"}]}}`)
	err := ClassifyDellError(503, body)
	if err.Code != "RAC0508" {
		t.Fatalf("expected RAC0508, got %s", err.Code)
	}
	if !err.Retryable || err.WaitSeconds != 30 {
		t.Fatalf("expected retryable with 30s hint, got retryable=%v wait=%d", err.Retryable, err.WaitSeconds)
	}
}

func TestClassifyDellError_MessageSubstringFallback(t *testing.T) {
	body := []byte(`{"error":{"code":"Base.1.0.GeneralError","message":"Authentication failed for user"}}`)
	err := ClassifyDellError(401, body)
	if err.Code != "AUTH001" {
		t.Fatalf("expected AUTH001 via substring match, got %s", err.Code)
	}
	if err.Retryable {
		t.Fatalf("AUTH001 must not be retryable")
	}
}

func TestClassifyDellError_UnknownFallsBackConservatively(t *testing.T) {
	err := ClassifyDellError(500, []byte(`{}`))
	if err.Code != "UNKNOWN" || err.Retryable {
		t.Fatalf("expected non-retryable UNKNOWN, got code=%s retryable=%v", err.Code, err.Retryable)
	}
}

func TestUserFriendlyMessage_KnownAndUnknown(t *testing.T) {
	if msg := UserFriendlyMessage("SYS403"); msg == "" {
		t.Fatalf("expected non-empty message for SYS403")
	}
	if msg := UserFriendlyMessage("ZZZ999"); msg == "" {
		t.Fatalf("expected fallback message for unknown code")
	}
}
