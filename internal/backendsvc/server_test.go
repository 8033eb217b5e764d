package backendsvc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gaby/ndsfabric/internal/metadatastore"
	"github.com/gaby/ndsfabric/internal/ndsmodel"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := metadatastore.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	srv := New(store)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any, out any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	if out != nil && resp.StatusCode != http.StatusNoContent {
		defer resp.Body.Close()
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestBackend_BatchAndClaimFlow(t *testing.T) {
	ts := newTestServer(t)

	var upsertOut struct{ Inserted int }
	resp := doJSON(t, http.MethodPost, ts.URL+"/ndsfile/batch", map[string]any{
		"files": []ndsmodel.NDSFile{{
			FileHash: "h1", NDSID: 1, FilePath: "/mro/a.zip", SubFileName: "a_123456_MRO.xml",
			DataType: ndsmodel.DataTypeMRO, FileTime: time.Now(),
		}},
	}, &upsertOut)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, upsertOut.Inserted)

	var claimed ndsmodel.NDSFile
	resp = doJSON(t, http.MethodPost, ts.URL+"/ndsfile/claim", map[string]any{"task_uuid": "t1"}, &claimed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "h1", claimed.FileHash)

	resp = doJSON(t, http.MethodPost, ts.URL+"/ndsfile/claim", map[string]any{"task_uuid": "t2"}, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, ts.URL+"/ndsfile/update-parsed", map[string]any{
		"file_hash": "h1", "task_uuid": "t1", "parsed": int(ndsmodel.ParsedDone),
	}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBackend_NDSCRUD(t *testing.T) {
	ts := newTestServer(t)

	var upsertOut struct{ ID int64 }
	resp := doJSON(t, http.MethodPost, ts.URL+"/nds", ndsmodel.NDSConfig{
		Protocol: ndsmodel.ProtocolSFTP, Address: "10.0.0.2", Port: 22, Switch: 1,
	}, &upsertOut)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotZero(t, upsertOut.ID)

	var list struct {
		NDS []ndsmodel.NDSConfig `json:"nds"`
	}
	resp = doJSON(t, http.MethodGet, ts.URL+"/nds/list", nil, &list)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list.NDS, 1)
	assert.Equal(t, "10.0.0.2", list.NDS[0].Address)
}
