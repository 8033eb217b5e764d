package gateway

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/gaby/ndsfabric/internal/pipelineerr"
)

var errMissingPath = errors.New("gateway: path query parameter required")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsTrailer is sent as the final JSON text frame of a ws/read stream, per
// §6: the caller learns the true outcome only after all binary chunks have
// been sent, since an NDS read can fail mid-transfer. Code mirrors §6's
// `{"code":404|500,"message":...}` error-frame contract so a Worker can tell
// "source vanished" (404) from any other failure (the statusForError code,
// e.g. 403 or 500) without string matching.
type wsTrailer struct {
	OK        bool   `json:"ok"`
	Code      int    `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
	BytesSent int64  `json:"bytes_sent"`
}

// handleWSRead implements WS /ws/read/{clientId}: streams [offset, offset+
// length) from path on ndsID in wsChunkBytes-sized binary frames, followed
// by one JSON trailer frame reporting success or the failure that aborted
// the transfer (§6, §9's "mid-stream failure" open question resolved as:
// abort immediately and report it in the trailer, no partial-then-retry
// framing — the Worker discards the whole read and treats a non-OK trailer
// with code 404 as SourceMissing and any other as a parse error).
func (s *Server) handleWSRead(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	clientID := vars["clientId"]

	q := r.URL.Query()
	ndsID, path, offset, length, err := parseReadQuery(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("gateway: ws upgrade failed for client %s: %v", clientID, err)
		return
	}
	defer conn.Close()

	s.metrics.wsStreams.Inc()
	defer s.metrics.wsStreams.Dec()

	ctx := r.Context()
	client, err := s.pool.Acquire(ctx, ndsID)
	if err != nil {
		s.sendTrailer(conn, wsTrailer{OK: false, Code: statusForError(err), Error: err.Error()})
		return
	}
	defer s.pool.Release(ctx, ndsID, client)

	var sent int64
	remaining := length
	for remaining > 0 {
		chunkLen := s.wsChunkBytes
		if chunkLen <= 0 {
			chunkLen = 512 * 1024
		}
		if chunkLen > remaining {
			chunkLen = remaining
		}
		data, err := client.ReadRange(ctx, path, offset+sent, chunkLen)
		if err != nil {
			s.sendTrailer(conn, wsTrailer{OK: false, Code: statusForError(err), Error: err.Error(), BytesSent: sent})
			return
		}
		if len(data) == 0 {
			break
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}
		sent += int64(len(data))
		remaining -= int64(len(data))
		s.metrics.bytesRead.Add(float64(len(data)))
		if int64(len(data)) < chunkLen {
			break // short read: source ended before the requested length
		}
	}
	s.sendTrailer(conn, wsTrailer{OK: true, BytesSent: sent})
}

func (s *Server) sendTrailer(conn *websocket.Conn, t wsTrailer) {
	b, err := json.Marshal(t)
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, b)
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func parseReadQuery(q url.Values) (ndsID int64, path string, offset, length int64, err error) {
	ndsID, err = strconv.ParseInt(q.Get("nds_id"), 10, 64)
	if err != nil {
		return 0, "", 0, 0, err
	}
	path = q.Get("path")
	if path == "" {
		return 0, "", 0, 0, errMissingPath
	}
	offset, err = strconv.ParseInt(q.Get("offset"), 10, 64)
	if err != nil {
		return 0, "", 0, 0, err
	}
	length, err = strconv.ParseInt(q.Get("length"), 10, 64)
	if err != nil {
		return 0, "", 0, 0, err
	}
	return ndsID, path, offset, length, nil
}
