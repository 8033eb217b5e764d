package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gaby/ndsfabric/internal/gateway"
	"github.com/gaby/ndsfabric/internal/ndsmodel"
)

// backendNDSClient is the Gateway's narrow view of the Backend: just enough
// to reconcile the pool registry against the current NDS roster.
type backendNDSClient struct {
	baseURL string
	hc      *http.Client
}

func newBackendNDSClient(baseURL string) gateway.BackendClient {
	return &backendNDSClient{baseURL: baseURL, hc: &http.Client{Timeout: 30 * time.Second}}
}

func (c *backendNDSClient) ListNDS(ctx context.Context) ([]ndsmodel.NDSConfig, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/nds/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out struct {
		NDS []ndsmodel.NDSConfig `json:"nds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.NDS, nil
}
