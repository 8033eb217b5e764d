// Package backendsvc is the Backend process's HTTP surface over
// metadatastore: NDSConfig CRUD, NDSFile batch submission/listing, and the
// Dispatcher's claim/report endpoints (§6). It uses go-chi/chi, the other
// routers in the example pack reach for when a service is a flat collection
// of REST resources rather than gorilla/mux's path-parameter-heavy
// WebSocket-adjacent routing the Gateway needs.
package backendsvc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gaby/ndsfabric/internal/metadatastore"
	"github.com/gaby/ndsfabric/internal/ndsmodel"
)

var validate = validator.New()

// Server is the Backend's HTTP surface.
type Server struct {
	router *chi.Mux
	store  *metadatastore.Store
}

func New(store *metadatastore.Store) *Server {
	s := &Server{router: chi.NewRouter(), store: store}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.Get("/nds/list", s.handleListNDS)
	s.router.Post("/nds", s.handleUpsertNDS)
	s.router.Get("/nds/{id}", s.handleGetNDS)
	s.router.Delete("/nds/{id}", s.handleRemoveNDS)
	s.router.Get("/nds/{id}/time-ranges", s.handleTimeRanges)
	s.router.Post("/nds/{id}/time-ranges", s.handleAddTimeRange)

	s.router.Get("/ndsfile/files", s.handleListFiles)
	s.router.Post("/ndsfile/batch", s.handleBatchUpsert)
	s.router.Delete("/ndsfile/{hash}", s.handleRemoveFile)
	s.router.Post("/ndsfile/remove", s.handleRemoveFiles)
	s.router.Post("/ndsfile/reset", s.handleResetFile)
	s.router.Get("/ndsfile/check-tasks/{nds_id}", s.handleCheckTasks)
	s.router.Post("/ndsfile/claim", s.handleClaim)
	s.router.Post("/ndsfile/update-parsed", s.handleUpdateParsed)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathInt64(r *http.Request, key string) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, key), 10, 64)
}

func (s *Server) handleListNDS(w http.ResponseWriter, r *http.Request) {
	configs, err := s.store.ListNDS(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"nds": configs})
}

func (s *Server) handleUpsertNDS(w http.ResponseWriter, r *http.Request) {
	var cfg ndsmodel.NDSConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validate.Struct(cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.store.UpsertNDS(r.Context(), cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"id": id})
}

func (s *Server) handleGetNDS(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg, err := s.store.GetNDS(r.Context(), id)
	if err != nil {
		writeError(w, statusForStoreErr(err), err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleRemoveNDS(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.RemoveNDS(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleTimeRanges(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ranges, err := s.store.ActiveTimeRanges(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ranges": ranges})
}

func (s *Server) handleAddTimeRange(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var tr ndsmodel.TimeRange
	if err := json.NewDecoder(r.Body).Decode(&tr); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.AddTimeRange(r.Context(), id, tr); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "added"})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	ndsID, err := strconv.ParseInt(r.URL.Query().Get("nds_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	paths, err := s.store.ListFiles(r.Context(), ndsID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": paths})
}

func (s *Server) handleBatchUpsert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files []ndsmodel.NDSFile `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.store.UpsertFiles(r.Context(), req.Files)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"inserted": n})
}

func (s *Server) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if err := s.store.RemoveFile(r.Context(), hash); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// handleRemoveFiles implements POST /ndsfile/remove: batch-delete every row
// for nds_id whose file_path is in files, the Scanner's vanished-archive
// cleanup call (§6, §4.4 step 4).
func (s *Server) handleRemoveFiles(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NDSID int64    `json:"nds_id"`
		Files []string `json:"files"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.store.RemoveFilesByPath(r.Context(), req.NDSID, req.Files)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

func (s *Server) handleResetFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileHash string `json:"file_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.ResetFile(r.Context(), req.FileHash); err != nil {
		writeError(w, statusForStoreErr(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleCheckTasks(w http.ResponseWriter, r *http.Request) {
	ndsID, err := pathInt64(r, "nds_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	n, err := s.store.CountPending(r.Context(), ndsID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pending": n})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskUUID string `json:"task_uuid"`
		NDSID    int64  `json:"nds_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	task, err := s.store.ClaimTask(r.Context(), req.NDSID, req.TaskUUID)
	if err != nil {
		if errors.Is(err, metadatastore.ErrNoEligibleTask) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUpdateParsed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileHash string `json:"file_hash"`
		TaskUUID string `json:"task_uuid"`
		Parsed   int    `json:"parsed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.UpdateParsed(r.Context(), req.FileHash, req.TaskUUID, ndsmodel.Parsed(req.Parsed)); err != nil {
		writeError(w, statusForStoreErr(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func statusForStoreErr(err error) int {
	if errors.Is(err, metadatastore.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
