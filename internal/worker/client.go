package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gaby/ndsfabric/internal/ndsmodel"
	"github.com/gaby/ndsfabric/internal/pipelineerr"
)

type httpBackendClient struct {
	baseURL string
	hc      *http.Client
}

func NewHTTPBackendClient(baseURL string) BackendClient {
	return &httpBackendClient{baseURL: baseURL, hc: &http.Client{Timeout: 30 * time.Second}}
}

func (c *httpBackendClient) ClaimTask(ctx context.Context, taskUUID string) (*ndsmodel.NDSFile, error) {
	req := map[string]string{"task_uuid": taskUUID}
	b, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ndsfile/claim", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return nil, ErrNoTask
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("claim: unexpected status %d", resp.StatusCode)
	}
	var file ndsmodel.NDSFile
	if err := json.NewDecoder(resp.Body).Decode(&file); err != nil {
		return nil, err
	}
	return &file, nil
}

func (c *httpBackendClient) UpdateParsed(ctx context.Context, fileHash, taskUUID string, state ndsmodel.Parsed) error {
	req := map[string]any{"file_hash": fileHash, "task_uuid": taskUUID, "parsed": int(state)}
	b, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ndsfile/update-parsed", bytes.NewReader(b))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("update-parsed: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// wsGatewayClient fetches member bytes by dialing the Gateway's streaming
// ws/read endpoint and reassembling the binary chunk sequence, mirroring
// §6's chunk-then-trailer framing.
type wsGatewayClient struct {
	baseURL string // e.g. ws://gateway:8081
}

func NewWSGatewayClient(baseURL string) GatewayClient {
	return &wsGatewayClient{baseURL: baseURL}
}

// wsTrailer mirrors the Gateway's trailer frame (internal/gateway/ws.go):
// Code carries §6's `{"code":404|500,"message":...}` contract so a 404
// (source vanished) can be told apart from any other failure.
type wsTrailer struct {
	OK        bool   `json:"ok"`
	Code      int    `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	BytesSent int64  `json:"bytes_sent"`
}

func (c *wsGatewayClient) FetchBytes(ctx context.Context, ndsID int64, path string, offset, length int64) ([]byte, error) {
	u := fmt.Sprintf("%s/ws/read/%s?nds_id=%d&path=%s&offset=%d&length=%d",
		c.baseURL, "worker", ndsID, url.QueryEscape(path), offset, length)

	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	buf := make([]byte, 0, length)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch msgType {
		case websocket.BinaryMessage:
			buf = append(buf, data...)
		case websocket.TextMessage:
			var trailer wsTrailer
			if err := json.Unmarshal(data, &trailer); err != nil {
				return nil, err
			}
			if !trailer.OK {
				if trailer.Code == http.StatusNotFound {
					return nil, pipelineerr.New(pipelineerr.KindSourceMissing, module, "gateway reported source missing", pipelineerr.LevelInfo, errors.New(trailer.Error))
				}
				return nil, fmt.Errorf("gateway read failed: %s", trailer.Error)
			}
			return buf, nil
		case websocket.CloseMessage:
			return buf, nil
		}
	}
}

