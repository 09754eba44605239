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

package throttler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestRequest_SuccessResetsFailureCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	th := New(Config{MaxConcurrent: 2, RequestDelay: 0, CircuitThreshold: 3, CircuitTimeout: time.Minute})

	resp, _, err := th.Request(context.Background(), srv.URL, "test.op", "dell", func(ctx context.Context) (*http.Response, error) {
		return http.Get(srv.URL)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if th.IsCircuitOpen(srv.URL) {
		t.Fatalf("circuit should remain closed after success")
	}
}

func TestRequest_OpensCircuitAfterThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	th := New(Config{MaxConcurrent: 1, RequestDelay: 0, CircuitThreshold: 2, CircuitTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_, _, _ = th.Request(context.Background(), srv.URL, "test.op", "dell", func(ctx context.Context) (*http.Response, error) {
			return http.Get(srv.URL)
		})
	}

	if !th.IsCircuitOpen(srv.URL) {
		t.Fatalf("expected circuit to be open after %d consecutive failing statuses", 2)
	}

	_, _, err := th.Request(context.Background(), srv.URL, "test.op", "dell", func(ctx context.Context) (*http.Response, error) {
		t.Fatalf("fn should not be invoked while circuit is open")
		return nil, nil
	})
	if err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestRequest_RetriesTransportErrors(t *testing.T) {
	var attempts int32
	th := New(Config{MaxConcurrent: 1, RequestDelay: 0, CircuitThreshold: 10, CircuitTimeout: time.Minute})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, _, err := th.Request(context.Background(), "host-a", "test.op", "dell", func(ctx context.Context) (*http.Response, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return nil, &timeoutError{}
		}
		return http.Get(srv.URL)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRequest_RetriesNonTimeoutTransportErrors(t *testing.T) {
	var attempts int32
	th := New(Config{MaxConcurrent: 1, RequestDelay: 0, CircuitThreshold: 10, CircuitTimeout: time.Minute})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, _, err := th.Request(context.Background(), "host-b", "test.op", "dell", func(ctx context.Context) (*http.Response, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			return nil, &connRefusedError{}
		}
		return http.Get(srv.URL)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&attempts) != 2 {
		t.Fatalf("expected retry on non-timeout transport error, got %d attempts", attempts)
	}
}

func TestPing_HonoursCircuitOpen(t *testing.T) {
	th := New(DefaultConfig())
	host := "circuit-host"
	for i := uint32(0); i < th.cfg.CircuitThreshold; i++ {
		th.RecordFailure(host, 500)
	}
	if err := th.Ping(context.Background(), host, func(ctx context.Context) (*http.Response, error) {
		t.Fatalf("fn should not run while circuit is open")
		return nil, nil
	}); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

type timeoutError struct{}

func (e *timeoutError) Error() string   { return "i/o timeout" }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return true }

// connRefusedError mimics a real net.OpError for a refused connection:
// it satisfies net.Error but reports Timeout() == false, the case that
// used to be misclassified as non-retryable.
type connRefusedError struct{}

func (e *connRefusedError) Error() string   { return "dial tcp: connection refused" }
func (e *connRefusedError) Timeout() bool   { return false }
func (e *connRefusedError) Temporary() bool { return false }
