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
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"fleetupdate/internal/ctxkeys"
	"fleetupdate/internal/metrics"
	"fleetupdate/internal/throttler"
)

// httpClient is the production Client, backed by plain Redfish
// HTTP(S) calls over a shared Throttler. Discovery is cached per
// endpoint address; the client is safe for concurrent use across
// distinct endpoints (the Throttler itself serialises per-host
// traffic).
//
// This follows the discovery-by-convention shape of
// internal/provisioner/redfish/http_client.go, generalized from
// virtual-media/boot operations to the firmware/job/power operation
// set this domain needs.
type httpClient struct {
	hc        *http.Client
	throttler *throttler.Throttler
	logger    *slog.Logger

	mu        sync.Mutex
	discovery map[string]*endpointDiscovery // keyed by ep.Address
}

type endpointDiscovery struct {
	systemPath        string
	managerPath       string
	updateServicePath string
	taskServicePath   string
}

// NewHTTPClient constructs a Client that funnels all calls through t.
func NewHTTPClient(t *throttler.Throttler, logger *slog.Logger) Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12},
	}
	return &httpClient{
		hc:        &http.Client{Transport: transport, Timeout: 60 * time.Second},
		throttler: t,
		logger:    logger,
		discovery: make(map[string]*endpointDiscovery),
	}
}

func (c *httpClient) logf(ctx context.Context, msg string, args ...any) {
	if c.logger == nil {
		return
	}
	if corrID := ctxkeys.GetCorrelationID(ctx); corrID != "" {
		args = append(args, "correlation_id", corrID)
	}
	c.logger.Info(msg, args...)
}

// do issues one HTTP request through the throttler and returns the
// raw response body and status code. A transport failure or an HTTP
// status >= 400 is returned as an *AdapterError.
func (c *httpClient) do(ctx context.Context, ep Endpoint, op, method, path string, body any) ([]byte, int, error) {
	url := strings.TrimRight(ep.Address, "/") + path

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request body: %w", err)
		}
	}

	fn := func(reqCtx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(ep.Username, ep.Password)
		req.Header.Set("Content-Type", "application/json")
		return c.hc.Do(req)
	}

	resp, _, err := c.throttler.Request(ctx, ep.Address, op, ep.Vendor, fn)
	if err != nil {
		if err == throttler.ErrCircuitOpen {
			return nil, 0, &AdapterError{Code: CodeCircuitOpen, Message: "circuit open for " + ep.Address, Retryable: true, WaitSeconds: 60}
		}
		return nil, 0, &AdapterError{Code: "TIMEOUT", Message: err.Error(), Retryable: true, WaitSeconds: 30}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return respBody, resp.StatusCode, ClassifyDellError(resp.StatusCode, respBody)
	}
	return respBody, resp.StatusCode, nil
}

func (c *httpClient) getJSON(ctx context.Context, ep Endpoint, op, path string, out any) error {
	body, _, err := c.do(ctx, ep, op, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

func (c *httpClient) postJSON(ctx context.Context, ep Endpoint, op, path string, in, out any) error {
	body, _, err := c.do(ctx, ep, op, http.MethodPost, path, in)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// ensureDiscovery resolves and caches the System/Manager/UpdateService/
// TaskService resource paths for ep, per the standard Redfish
// ServiceRoot -> Systems/Managers/UpdateService/TaskService layout.
func (c *httpClient) ensureDiscovery(ctx context.Context, ep Endpoint) (*endpointDiscovery, error) {
	c.mu.Lock()
	if d, ok := c.discovery[ep.Address]; ok {
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	var root struct {
		Systems       struct{ ODataID string `json:"@odata.id"` } `json:"Systems"`
		Managers      struct{ ODataID string `json:"@odata.id"` } `json:"Managers"`
		UpdateService struct{ ODataID string `json:"@odata.id"` } `json:"UpdateService"`
		Tasks         struct{ ODataID string `json:"@odata.id"` } `json:"Tasks"`
	}
	if err := c.getJSON(ctx, ep, metrics.OpFirmwareInventory, "/redfish/v1/", &root); err != nil {
		return nil, fmt.Errorf("discover service root: %w", err)
	}

	d := &endpointDiscovery{
		updateServicePath: orDefault(root.UpdateService.ODataID, "/redfish/v1/UpdateService"),
		taskServicePath:   orDefault(root.Tasks.ODataID, "/redfish/v1/TaskService/Tasks"),
	}

	if root.Systems.ODataID != "" {
		var coll collectionMembers
		if err := c.getJSON(ctx, ep, metrics.OpFirmwareInventory, root.Systems.ODataID, &coll); err == nil && len(coll.Members) > 0 {
			d.systemPath = coll.Members[0].ODataID
		}
	}
	if root.Managers.ODataID != "" {
		var coll collectionMembers
		if err := c.getJSON(ctx, ep, metrics.OpFirmwareInventory, root.Managers.ODataID, &coll); err == nil && len(coll.Members) > 0 {
			d.managerPath = coll.Members[0].ODataID
		}
	}
	if d.systemPath == "" {
		d.systemPath = "/redfish/v1/Systems/System.Embedded.1"
	}
	if d.managerPath == "" {
		d.managerPath = "/redfish/v1/Managers/iDRAC.Embedded.1"
	}

	c.mu.Lock()
	c.discovery[ep.Address] = d
	c.mu.Unlock()
	return d, nil
}

type collectionMembers struct {
	Members []struct {
		ODataID string `json:"@odata.id"`
	} `json:"Members"`
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// --- Client implementation ---

func (c *httpClient) FirmwareInventory(ctx context.Context, ep Endpoint) ([]FirmwareComponent, error) {
	if _, err := c.ensureDiscovery(ctx, ep); err != nil {
		return nil, err
	}
	var inv collectionMembers
	if err := c.getJSON(ctx, ep, metrics.OpFirmwareInventory, "/redfish/v1/UpdateService/FirmwareInventory", &inv); err != nil {
		return nil, err
	}
	out := make([]FirmwareComponent, 0, len(inv.Members))
	for _, m := range inv.Members {
		var item struct {
			Name        string `json:"Name"`
			Version     string `json:"Version"`
			Updateable  bool   `json:"Updateable"`
			SoftwareID  string `json:"SoftwareId"`
		}
		if err := c.getJSON(ctx, ep, metrics.OpFirmwareInventory, m.ODataID, &item); err != nil {
			continue
		}
		out = append(out, FirmwareComponent{
			Name:          item.Name,
			Version:       item.Version,
			Updateable:    item.Updateable,
			ComponentType: item.SoftwareID,
		})
	}
	return out, nil
}

func (c *httpClient) InitiateCatalogUpdate(ctx context.Context, ep Endpoint, catalogURL string) (UpdateHandle, error) {
	var resp struct {
		TaskURI string `json:"@odata.id"`
	}
	payload := map[string]any{"ApplyUpdate": true, "CatalogFile": catalogURL}
	err := c.postJSON(ctx, ep, metrics.OpCatalogUpdate, "/redfish/v1/Dell/Systems/System.Embedded.1/DellSoftwareInstallationService/Actions/DellSoftwareInstallationService.InstallFromRepository", payload, &resp)
	if err != nil {
		var ae *AdapterError
		if a, ok := err.(*AdapterError); ok {
			ae = a
		}
		if ae != nil && strings.Contains(strings.ToLower(ae.Message), "unreachable") {
			ae.Code = CodeCatalogUnreachable
		}
		return UpdateHandle{}, err
	}
	if resp.TaskURI == "" {
		return UpdateHandle{}, &AdapterError{Code: CodeNoTaskURI, Message: "catalog update did not return a task URI"}
	}
	return UpdateHandle{TaskURI: resp.TaskURI}, nil
}

func (c *httpClient) InitiateSimpleUpdate(ctx context.Context, ep Endpoint, firmwareURI string, applyTime ApplyTime) (UpdateHandle, error) {
	var resp struct {
		TaskURI string `json:"@odata.id"`
	}
	payload := map[string]any{
		"ImageURI":  firmwareURI,
		"@Redfish.OperationApplyTime": string(applyTime),
	}
	if err := c.postJSON(ctx, ep, metrics.OpSimpleUpdate, "/redfish/v1/UpdateService/Actions/UpdateService.SimpleUpdate", payload, &resp); err != nil {
		return UpdateHandle{}, err
	}
	if resp.TaskURI == "" {
		return UpdateHandle{}, &AdapterError{Code: CodeNoTaskURI, Message: "simple update did not return a task URI"}
	}
	return UpdateHandle{TaskURI: resp.TaskURI}, nil
}

func (c *httpClient) WaitForTask(ctx context.Context, ep Endpoint, taskURI string, timeout, pollInterval time.Duration) (TaskResult, error) {
	deadline := time.Now().Add(timeout)
	lastPercent := -1
	for {
		var task struct {
			TaskState       string `json:"TaskState"`
			PercentComplete int    `json:"PercentComplete"`
			Messages        []struct {
				Message string `json:"Message"`
			} `json:"Messages"`
		}
		if err := c.getJSON(ctx, ep, metrics.OpWaitTask, taskURI, &task); err != nil {
			return TaskResult{}, err
		}
		if task.PercentComplete != lastPercent {
			c.logf(ctx, "task progress", "task", taskURI, "percent", task.PercentComplete, "state", task.TaskState)
			lastPercent = task.PercentComplete
		}
		switch task.TaskState {
		case "Completed", "Exception", "Killed", "Cancelled":
			msgs := make([]string, 0, len(task.Messages))
			for _, m := range task.Messages {
				msgs = append(msgs, m.Message)
			}
			return TaskResult{State: task.TaskState, PercentComplete: task.PercentComplete, Messages: msgs, NoApplicableUpdates: containsNoApplicable(msgs)}, nil
		}
		if time.Now().After(deadline) {
			return TaskResult{}, &AdapterError{Code: "TIMEOUT", Message: "wait_for_task timed out", Retryable: false}
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return TaskResult{}, ctx.Err()
		}
	}
}

func containsNoApplicable(msgs []string) bool {
	for _, m := range msgs {
		lower := strings.ToLower(m)
		if strings.Contains(lower, "no applicable") || strings.Contains(lower, "nothing to update") {
			return true
		}
	}
	return false
}

func (c *httpClient) WaitForJobWithRecovery(ctx context.Context, ep Endpoint, jobID string, timeout, stallTimeout time.Duration, maxStallRetries int, recovery RecoveryAction) (TaskResult, error) {
	deadline := time.Now().Add(timeout)
	jobPath := "/redfish/v1/Managers/iDRAC.Embedded.1/Oem/Dell/Jobs/" + jobID
	lastPercent := -1
	lastProgressAt := time.Now()
	stallRetries := 0

	for {
		var job struct {
			JobState        string `json:"JobState"`
			PercentComplete int    `json:"PercentComplete"`
			Message         string `json:"Message"`
		}
		if err := c.getJSON(ctx, ep, metrics.OpWaitJobRecovery, jobPath, &job); err != nil {
			return TaskResult{}, err
		}

		if job.PercentComplete != lastPercent {
			lastPercent = job.PercentComplete
			lastProgressAt = time.Now()
		}

		switch job.JobState {
		case "Completed", "Failed", "CompletedWithErrors":
			return TaskResult{State: job.JobState, PercentComplete: job.PercentComplete, Messages: []string{job.Message}}, nil
		}

		if time.Since(lastProgressAt) > stallTimeout {
			if stallRetries >= maxStallRetries {
				return TaskResult{}, &AdapterError{Code: "TIMEOUT", Message: "job stalled past max recovery attempts", Retryable: false}
			}
			stallRetries++
			lastProgressAt = time.Now()
			switch recovery {
			case RecoveryReboot:
				_ = c.GracefulReboot(ctx, ep)
			case RecoveryClearQueue:
				_ = c.ClearStaleJobs(ctx, ep, 0)
			}
		}

		if time.Now().After(deadline) {
			return TaskResult{}, &AdapterError{Code: "TIMEOUT", Message: "wait_for_job_with_recovery timed out", Retryable: false}
		}
		select {
		case <-time.After(10 * time.Second):
		case <-ctx.Done():
			return TaskResult{}, ctx.Err()
		}
	}
}

func (c *httpClient) CheckAvailableCatalogUpdates(ctx context.Context, ep Endpoint, catalogURL string) ([]CatalogUpdate, error) {
	var resp struct {
		PackageList []struct {
			ComponentType    string `json:"ComponentType"`
			Name             string `json:"DisplayName"`
			Version          string `json:"Version"`
			Criticality      string `json:"Criticality"`
			RebootRequired   bool   `json:"RebootRequired"`
		} `json:"PackageList"`
	}
	payload := map[string]any{"CatalogFile": catalogURL}
	if err := c.postJSON(ctx, ep, metrics.OpCheckCatalog, "/redfish/v1/Dell/Systems/System.Embedded.1/DellSoftwareInstallationService/Actions/DellSoftwareInstallationService.GetRepoBasedUpdateList", payload, &resp); err != nil {
		return nil, err
	}
	out := make([]CatalogUpdate, 0, len(resp.PackageList))
	for _, p := range resp.PackageList {
		out = append(out, CatalogUpdate{
			Name:             p.Name,
			AvailableVersion: p.Version,
			Criticality:      p.Criticality,
			RebootRequired:   p.RebootRequired,
		})
	}
	return out, nil
}

func (c *httpClient) ClearStaleJobs(ctx context.Context, ep Endpoint, ageThreshold time.Duration) error {
	_, _, err := c.do(ctx, ep, metrics.OpClearStaleJobs, http.MethodDelete, "/redfish/v1/Managers/iDRAC.Embedded.1/Oem/Dell/Jobs", nil)
	return err
}

func (c *httpClient) WaitForAllJobsComplete(ctx context.Context, ep Endpoint, timeout, pollInterval time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		var jobs collectionMembers
		if err := c.getJSON(ctx, ep, metrics.OpWaitAllJobs, "/redfish/v1/Managers/iDRAC.Embedded.1/Oem/Dell/Jobs", &jobs); err != nil {
			return err
		}
		allDone := true
		for _, j := range jobs.Members {
			var job struct {
				JobState string `json:"JobState"`
			}
			if err := c.getJSON(ctx, ep, metrics.OpWaitAllJobs, j.ODataID, &job); err != nil {
				continue
			}
			if job.JobState != "Completed" && job.JobState != "Failed" && job.JobState != "CompletedWithErrors" {
				allDone = false
				break
			}
		}
		if allDone {
			return nil
		}
		if time.Now().After(deadline) {
			return &AdapterError{Code: "TIMEOUT", Message: "wait_for_all_jobs_complete timed out", Retryable: false}
		}
		select {
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *httpClient) resetAction(ctx context.Context, ep Endpoint, resetType string) error {
	d, err := c.ensureDiscovery(ctx, ep)
	if err != nil {
		return err
	}
	payload := map[string]any{"ResetType": resetType}
	return c.postJSON(ctx, ep, metrics.OpGracefulReboot, d.systemPath+"/Actions/ComputerSystem.Reset", payload, nil)
}

func (c *httpClient) GracefulReboot(ctx context.Context, ep Endpoint) error {
	return c.resetAction(ctx, ep, "GracefulRestart")
}

func (c *httpClient) PowerOn(ctx context.Context, ep Endpoint) error {
	return c.resetAction(ctx, ep, "On")
}

func (c *httpClient) GracefulShutdown(ctx context.Context, ep Endpoint) error {
	return c.resetAction(ctx, ep, "GracefulShutdown")
}

func (c *httpClient) ExportSCP(ctx context.Context, ep Endpoint, target SCPTarget) (SCPExport, error) {
	q := getQuirks(ep.Vendor)
	t := string(target)
	if t == "" {
		t = q.SCPExportTarget
	}
	var resp struct {
		Content json.RawMessage `json:"SystemConfiguration"`
	}
	payload := map[string]any{"ExportFormat": "JSON", "ShareParameters": map[string]any{"Target": t}}
	if err := c.postJSON(ctx, ep, metrics.OpExportSCP, "/redfish/v1/Managers/iDRAC.Embedded.1/Oem/Dell/DellLCService/Actions/DellLCService.ExportSystemConfiguration", payload, &resp); err != nil {
		return SCPExport{}, err
	}
	return SCPExport{Content: resp.Content, Bytes: len(resp.Content)}, nil
}

func (c *httpClient) Ping(ctx context.Context, ep Endpoint) error {
	return c.throttler.Ping(ctx, ep.Address, func(reqCtx context.Context) (*http.Response, error) {
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, strings.TrimRight(ep.Address, "/")+"/redfish/v1/", nil)
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(ep.Username, ep.Password)
		return c.hc.Do(req)
	})
}
