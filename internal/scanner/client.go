// Package scanner runs one periodic discovery loop per NDS (§4.4): list
// candidate archives via the Gateway, diff against what the Backend already
// knows, parse zip-info for new candidates, intersect archive time against
// the NDS's active task windows, and submit the surviving rows. The per-NDS
// ticker-loop shape is the teacher's health.Scheduler.Run generalized from
// one global job-enqueue tick to N independent per-NDS ticks running
// concurrently, one goroutine each, exactly the way the teacher's
// runner.Run dispatches per-job-type work over a bounded goroutine set.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gaby/ndsfabric/internal/ndsmodel"
)

const module = "scanner"

// BackendClient is the Scanner's view of the Backend HTTP API.
type BackendClient interface {
	ListNDS(ctx context.Context) ([]ndsmodel.NDSConfig, error)
	ActiveTimeRanges(ctx context.Context, ndsID int64) ([]ndsmodel.TimeRange, error)
	ListFiles(ctx context.Context, ndsID int64) ([]string, error)
	CountPending(ctx context.Context, ndsID int64) (int, error)
	UpsertFiles(ctx context.Context, files []ndsmodel.NDSFile) (int, error)
	RemoveFiles(ctx context.Context, ndsID int64, paths []string) (int, error)
}

// GatewayClient is the Scanner's view of the Gateway HTTP API.
type GatewayClient interface {
	Scan(ctx context.Context, ndsID int64, path, filter string) ([]string, error)
	ZipInfo(ctx context.Context, ndsID int64, paths []string) ([]ZipInfoResult, error)
}

// ZipInfoResult mirrors the Gateway's per-path zip-info batch response.
type ZipInfoResult struct {
	Path  string               `json:"path"`
	Info  *ndsmodel.ArchiveInfo `json:"info,omitempty"`
	Error string               `json:"error,omitempty"`
}

// httpBackendClient and httpGatewayClient are the plain net/http +
// encoding/json REST clients the teacher's services use for inter-process
// calls (see internal/api's provider test-request round-trip); no RPC
// framework is warranted for a handful of JSON endpoints.

type httpBackendClient struct {
	baseURL string
	hc      *http.Client
}

func NewHTTPBackendClient(baseURL string) BackendClient {
	return &httpBackendClient{baseURL: baseURL, hc: &http.Client{Timeout: 30 * time.Second}}
}

func (c *httpBackendClient) ListNDS(ctx context.Context) ([]ndsmodel.NDSConfig, error) {
	var out struct {
		NDS []ndsmodel.NDSConfig `json:"nds"`
	}
	if err := getJSON(ctx, c.hc, c.baseURL+"/nds/list", &out); err != nil {
		return nil, err
	}
	return out.NDS, nil
}

func (c *httpBackendClient) ActiveTimeRanges(ctx context.Context, ndsID int64) ([]ndsmodel.TimeRange, error) {
	var out struct {
		Ranges []ndsmodel.TimeRange `json:"ranges"`
	}
	url := fmt.Sprintf("%s/nds/%d/time-ranges", c.baseURL, ndsID)
	if err := getJSON(ctx, c.hc, url, &out); err != nil {
		return nil, err
	}
	return out.Ranges, nil
}

func (c *httpBackendClient) ListFiles(ctx context.Context, ndsID int64) ([]string, error) {
	var out struct {
		Paths []string `json:"paths"`
	}
	url := fmt.Sprintf("%s/ndsfile/files?nds_id=%d", c.baseURL, ndsID)
	if err := getJSON(ctx, c.hc, url, &out); err != nil {
		return nil, err
	}
	return out.Paths, nil
}

func (c *httpBackendClient) CountPending(ctx context.Context, ndsID int64) (int, error) {
	var out struct {
		Pending int `json:"pending"`
	}
	url := fmt.Sprintf("%s/ndsfile/check-tasks/%d", c.baseURL, ndsID)
	if err := getJSON(ctx, c.hc, url, &out); err != nil {
		return 0, err
	}
	return out.Pending, nil
}

func (c *httpBackendClient) UpsertFiles(ctx context.Context, files []ndsmodel.NDSFile) (int, error) {
	var out struct {
		Inserted int `json:"inserted"`
	}
	if err := postJSON(ctx, c.hc, c.baseURL+"/ndsfile/batch", map[string]any{"files": files}, &out); err != nil {
		return 0, err
	}
	return out.Inserted, nil
}

// RemoveFiles implements §4.4 step 4: archives the Scanner found in the
// store but no longer present on the NDS are deleted server-side in one
// batch call keyed by path.
func (c *httpBackendClient) RemoveFiles(ctx context.Context, ndsID int64, paths []string) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	req := map[string]any{"nds_id": ndsID, "files": paths}
	if err := postJSON(ctx, c.hc, c.baseURL+"/ndsfile/remove", req, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

type httpGatewayClient struct {
	baseURL string
	hc      *http.Client
}

func NewHTTPGatewayClient(baseURL string) GatewayClient {
	return &httpGatewayClient{baseURL: baseURL, hc: &http.Client{Timeout: 60 * time.Second}}
}

func (c *httpGatewayClient) Scan(ctx context.Context, ndsID int64, path, filter string) ([]string, error) {
	var out struct {
		Paths []string `json:"paths"`
	}
	req := map[string]any{"nds_id": ndsID, "path": path, "filter": filter}
	if err := postJSON(ctx, c.hc, c.baseURL+"/internal/scan", req, &out); err != nil {
		return nil, err
	}
	return out.Paths, nil
}

func (c *httpGatewayClient) ZipInfo(ctx context.Context, ndsID int64, paths []string) ([]ZipInfoResult, error) {
	var out struct {
		Results []ZipInfoResult `json:"results"`
	}
	req := map[string]any{"nds_id": ndsID, "paths": paths}
	if err := postJSON(ctx, c.hc, c.baseURL+"/internal/zip-info", req, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func getJSON(ctx context.Context, hc *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func postJSON(ctx context.Context, hc *http.Client, url string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
