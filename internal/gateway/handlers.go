package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gaby/ndsfabric/internal/ndsmodel"
	"github.com/gaby/ndsfabric/internal/pipelineerr"
)

// writeJSON mirrors the teacher's consistent small-helper style for
// responses (see internal/api/provider.go).
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusForError maps a pipelineerr.Kind to the HTTP status §6 specifies for
// each read/zip-info failure mode (404 missing, 403 auth/connect, 500 other).
func statusForError(err error) int {
	pe, ok := err.(*pipelineerr.Error)
	if !ok {
		return http.StatusInternalServerError
	}
	switch pe.Kind {
	case pipelineerr.KindSourceMissing, pipelineerr.KindNotConfigured:
		return http.StatusNotFound
	case pipelineerr.KindConnectFailed:
		return http.StatusForbidden
	case pipelineerr.KindInvalidFilter:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type scanRequest struct {
	NDSID  int64  `json:"nds_id"`
	Path   string `json:"path"`
	Filter string `json:"filter"`
}

// handleScan implements POST /internal/scan: list one NDS path recursively,
// keeping files whose full path matches the filter regex (§4.4's
// listRecursive call).
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := r.Context()
	client, err := s.pool.Acquire(ctx, req.NDSID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	defer s.pool.Release(ctx, req.NDSID, client)

	paths, err := client.ListRecursive(ctx, req.Path, req.Filter)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": paths})
}

type zipInfoRequest struct {
	NDSID int64    `json:"nds_id"`
	Paths []string `json:"paths"`
}

type zipInfoResult struct {
	Path  string              `json:"path"`
	Info  *ndsmodel.ArchiveInfo `json:"info,omitempty"`
	Error string              `json:"error,omitempty"`
}

// handleZipInfoBatch implements POST /internal/zip-info: parse the central
// directory of N archives in one call, per-path success/error (§6), cached
// by path+nds and deduped across concurrent callers via singleflight so two
// Scanners racing on the same archive only pay for one parse.
func (s *Server) handleZipInfoBatch(w http.ResponseWriter, r *http.Request) {
	var req zipInfoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := r.Context()
	results := make([]zipInfoResult, len(req.Paths))
	for i, p := range req.Paths {
		info, err := s.zipInfo(ctx, req.NDSID, p)
		if err != nil {
			results[i] = zipInfoResult{Path: p, Error: err.Error()}
			continue
		}
		results[i] = zipInfoResult{Path: p, Info: info}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// zipInfo returns the parsed ArchiveInfo for path on ndsID, serving from the
// ttlcache when present and collapsing concurrent misses for the same key
// through singleflight before acquiring a pool connection.
func (s *Server) zipInfo(ctx context.Context, ndsID int64, path string) (*ndsmodel.ArchiveInfo, error) {
	key := cacheKey(ndsID, path)
	if item := s.archiveCache.Get(key); item != nil {
		s.metrics.zipInfoLookups.WithLabelValues("hit").Inc()
		return item.Value(), nil
	}

	v, err, _ := s.zipInfoGroup.Do(key, func() (any, error) {
		client, err := s.pool.Acquire(ctx, ndsID)
		if err != nil {
			return nil, err
		}
		defer s.pool.Release(ctx, ndsID, client)

		info, err := client.ParseZipCentralDirectory(ctx, path)
		if err != nil {
			return nil, err
		}
		s.archiveCache.Set(key, info, 0) // 0 = use the cache's configured default TTL
		return info, nil
	})
	if err != nil {
		s.metrics.zipInfoLookups.WithLabelValues("error").Inc()
		return nil, err
	}
	s.metrics.zipInfoLookups.WithLabelValues("miss").Inc()
	return v.(*ndsmodel.ArchiveInfo), nil
}

func cacheKey(ndsID int64, path string) string {
	return fmt.Sprintf("%d:%s", ndsID, path)
}

type readRequest struct {
	NDSID  int64 `json:"nds_id"`
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
}

// handleRead implements POST /internal/read: a bulk (non-streaming) byte
// range fetch, for callers that want the whole member in one response body
// (§6). Sets Content-Length and X-File-Size so a caller can tell a short
// read (truncated by EOF) from the requested length.
func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := r.Context()
	client, err := s.pool.Acquire(ctx, req.NDSID)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	defer s.pool.Release(ctx, req.NDSID, client)

	st, err := client.Stat(ctx, req.Path)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	data, err := client.ReadRange(ctx, req.Path, req.Offset, req.Length)
	if err != nil {
		s.metrics.readRequests.WithLabelValues("error").Inc()
		writeError(w, statusForError(err), err)
		return
	}
	s.metrics.bytesRead.Add(float64(len(data)))
	s.metrics.readRequests.WithLabelValues("ok").Inc()

	w.Header().Set("X-File-Size", fmt.Sprintf("%d", st.Size))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(data)))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleStatus implements GET /internal/status for operator visibility (§6):
// it reports how many NDS configs the Gateway currently holds. Per-NDS pool
// occupancy (total/active/idle/max connections) is not reported.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"nds_configured": len(s.configs),
	})
}

// handleUpdatePool implements POST /internal/update-pool: reconcile pool
// membership against the Backend's current NDS roster, triggered by the
// operator after adding/editing/removing an NDS (§6).
func (s *Server) handleUpdatePool(w http.ResponseWriter, r *http.Request) {
	if err := s.ReconcilePool(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconciled"})
}

type checkRequest struct {
	NDSID int64 `json:"nds_id"`
}

// handleCheck implements POST /internal/check: acquire-and-release a
// connection to verify reachability, used by the operator UI's "test
// connection" action (§6, grounded on the teacher's provider connectivity
// test endpoint).
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx := r.Context()
	client, err := s.pool.Acquire(ctx, req.NDSID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	defer s.pool.Release(ctx, req.NDSID, client)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
