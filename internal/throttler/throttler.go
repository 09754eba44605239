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

// Package throttler serialises and rate-limits outbound BMC calls.
//
// Every BMC in a fleet is fragile: a handful of concurrent
// authenticated calls from different operators can lock an account or
// wedge the controller's own internal job queue. Throttler guarantees
// this process never becomes the cause of that: per-host calls are
// serialised, a minimum delay is enforced between requests to the
// same host, total outbound concurrency is capped, and a host whose
// calls keep failing is isolated behind a circuit breaker so the rest
// of the fleet is unaffected.
package throttler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"fleetupdate/internal/metrics"
)

// ErrCircuitOpen is returned immediately, before any lock is acquired,
// when a host's breaker is open.
var ErrCircuitOpen = errors.New("throttler: circuit open for host")

// Config holds the runtime-overridable throttler settings. Field names
// and defaults mirror original_source/idrac_throttler.py's
// IdracThrottler.__init__.
type Config struct {
	MaxConcurrent    int
	RequestDelay     time.Duration
	CircuitThreshold uint32
	CircuitTimeout   time.Duration
}

// DefaultConfig matches SPEC_FULL.md §4.1's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    4,
		RequestDelay:     500 * time.Millisecond,
		CircuitThreshold: 3,
		CircuitTimeout:   1800 * time.Second,
	}
}

// Throttler gates all outbound BMC HTTP calls for a process.
type Throttler struct {
	mu  sync.RWMutex // protects cfg and sem swap on UpdateSettings
	cfg Config
	sem chan struct{}

	hostLocks sync.Map // host -> *sync.Mutex
	lastReq   sync.Map // host -> time.Time
	breakers  sync.Map // host -> *gobreaker.CircuitBreaker
}

// New constructs a Throttler with the given configuration.
func New(cfg Config) *Throttler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	t := &Throttler{cfg: cfg}
	t.sem = make(chan struct{}, cfg.MaxConcurrent)
	return t
}

// UpdateSettings atomically swaps max_concurrent and request_delay_ms.
// In-flight callers holding a slot on the old semaphore are
// unaffected; after a brief transient window no more than the new cap
// may be in flight.
func (t *Throttler) UpdateSettings(maxConcurrent int, requestDelay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if maxConcurrent > 0 {
		t.cfg.MaxConcurrent = maxConcurrent
		t.sem = make(chan struct{}, maxConcurrent)
	}
	if requestDelay > 0 {
		t.cfg.RequestDelay = requestDelay
	}
}

func (t *Throttler) semaphore() chan struct{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sem
}

func (t *Throttler) requestDelay() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg.RequestDelay
}

func (t *Throttler) hostLock(host string) *sync.Mutex {
	v, _ := t.hostLocks.LoadOrStore(host, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (t *Throttler) breaker(host string) *gobreaker.CircuitBreaker {
	if v, ok := t.breakers.Load(host); ok {
		return v.(*gobreaker.CircuitBreaker)
	}
	t.mu.RLock()
	threshold, timeout := t.cfg.CircuitThreshold, t.cfg.CircuitTimeout
	t.mu.RUnlock()

	settings := gobreaker.Settings{
		Name:    host,
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	b := gobreaker.NewCircuitBreaker(settings)
	actual, _ := t.breakers.LoadOrStore(host, b)
	return actual.(*gobreaker.CircuitBreaker)
}

// IsCircuitOpen reports whether host's breaker is currently open,
// without acquiring any lock or consuming a semaphore slot.
func (t *Throttler) IsCircuitOpen(host string) bool {
	return t.breaker(host).State() == gobreaker.StateOpen
}

// RecordSuccess resets a host's consecutive-failure count and closes
// its breaker if half-open. For external callers that perform their
// own HTTP call but want it to feed the same breaker as Request.
func (t *Throttler) RecordSuccess(host string) {
	_, _ = t.breaker(host).Execute(func() (any, error) { return nil, nil })
}

// RecordFailure feeds a failed external call into host's breaker.
// status<0 denotes a transport-level failure.
func (t *Throttler) RecordFailure(host string, status int) {
	_, _ = t.breaker(host).Execute(func() (any, error) {
		return nil, fmt.Errorf("external failure status=%d", status)
	})
}

// RequestFunc performs one HTTP attempt. A non-nil error denotes a
// transport/timeout failure (eligible for retry); any returned
// response, regardless of status code, is treated as the final
// outcome of that attempt (no status-code-driven retry, per
// SPEC_FULL.md §4.1).
type RequestFunc func(ctx context.Context) (*http.Response, error)

// Request runs fn under full throttler discipline: circuit check,
// per-host serialisation, rate limiting, global concurrency cap, and
// up to 3 attempts with exponential backoff and jitter on
// transport/timeout errors.
func (t *Throttler) Request(ctx context.Context, host string, op, vendor string, fn RequestFunc) (*http.Response, time.Duration, error) {
	start := time.Now()

	if t.IsCircuitOpen(host) {
		return nil, 0, ErrCircuitOpen
	}

	lock := t.hostLock(host)
	lock.Lock()
	defer lock.Unlock()

	t.waitForRateLimit(host)

	sem := t.semaphore()
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return nil, time.Since(start), ctx.Err()
	}

	var (
		resp       *http.Response
		attemptErr error
	)

	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			metrics.IncRedfishRetry(op, vendor)
		}

		result, execErr := t.breaker(host).Execute(func() (any, error) {
			r, err := fn(ctx)
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= 400 {
				return r, fmt.Errorf("status %d", r.StatusCode)
			}
			return r, nil
		})

		t.lastReq.Store(host, time.Now())

		if execErr == nil {
			resp = result.(*http.Response)
			attemptErr = nil
			break
		}

		if errors.Is(execErr, gobreaker.ErrOpenState) {
			return nil, time.Since(start), ErrCircuitOpen
		}

		if r, ok := result.(*http.Response); ok && r != nil {
			// HTTP error status: not retryable, return as-is.
			resp = r
			attemptErr = nil
			break
		}

		attemptErr = execErr
		if !isRetryable(execErr) || attempt == 2 {
			break
		}
		sleepBackoff(ctx, attempt)
	}

	elapsed := time.Since(start)
	metrics.ObserveRedfishRequest(op, vendor, statusOrNegative(resp), elapsed)
	if attemptErr != nil {
		return nil, elapsed, attemptErr
	}
	return resp, elapsed, nil
}

func statusOrNegative(resp *http.Response) int {
	if resp == nil {
		return -1
	}
	return resp.StatusCode
}

func (t *Throttler) waitForRateLimit(host string) {
	delay := t.requestDelay()
	if delay <= 0 {
		return
	}
	v, ok := t.lastReq.Load(host)
	if !ok {
		return
	}
	last := v.(time.Time)
	wait := delay - time.Since(last)
	if wait > 0 {
		time.Sleep(wait)
	}
}

// sleepBackoff implements min(2^attempt, 60) + uniform(0, 0.3*2^attempt)
// seconds, per original_source/idrac_throttler.py's exponential_backoff.
func sleepBackoff(ctx context.Context, attempt int) {
	base := float64(uint(1) << uint(attempt))
	if base > 60 {
		base = 60
	}
	jitter := rand.Float64() * 0.3 * float64(uint(1)<<uint(attempt))
	d := time.Duration((base + jitter) * float64(time.Second))
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func isRetryable(err error) bool {
	// Request already splits HTTP-status responses out before calling
	// isRetryable, so anything reaching here is a transport-level
	// failure (refused/reset connection, DNS failure, timeout, ...)
	// and is eligible for retry regardless of whether it happens to
	// implement net.Error or report Timeout() == true.
	return err != nil
}

// Ping performs a very short, non-retrying liveness check against
// host, used by pre-flight's connectivity probe and by the reboot
// wait's BMC poll. It bypasses the per-host rate limiter.
func (t *Throttler) Ping(ctx context.Context, host string, fn RequestFunc) error {
	if t.IsCircuitOpen(host) {
		return ErrCircuitOpen
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := fn(pingCtx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("ping: status %d", resp.StatusCode)
	}
	return nil
}
