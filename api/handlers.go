package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hupe1980/indexshard"
	"github.com/hupe1980/indexshard/engine"
)

// maxDocumentSize bounds PUT /shard/docs bodies.
const maxDocumentSize = 16 << 20

type handler struct {
	shard *indexshard.IndexShard
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	ShardID   string    `json:"shard_id"`
	State     string    `json:"state"`
}

// health reports 503 once the shard is closed so orchestrators restart it.
func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	state := h.shard.State()
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		ShardID:   h.shard.ShardID(),
		State:     state.String(),
	}
	status := http.StatusOK
	if state == indexshard.StateClosed {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (h *handler) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.shard.Stats())
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.shard.Refresh(r.Context(), "api"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type flushResponse struct {
	Generation uint64 `json:"generation"`
	Checksum   uint32 `json:"checksum"`
}

func (h *handler) flush(w http.ResponseWriter, r *http.Request) {
	force, err := boolParam(r, "force", false)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}
	wait, err := boolParam(r, "wait", true)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.shard.Flush(r.Context(), indexshard.FlushRequest{Force: force, WaitIfOngoing: wait})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flushResponse{Generation: id.Generation, Checksum: id.Checksum})
}

func (h *handler) updateRouting(w http.ResponseWriter, r *http.Request) {
	var entry indexshard.RoutingEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeProblem(w, http.StatusBadRequest, fmt.Sprintf("invalid routing entry: %v", err))
		return
	}
	if err := h.shard.UpdateRoutingEntry(r.Context(), entry, true); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.shard.RoutingEntry())
}

type writeResponse struct {
	ID      string `json:"id"`
	Version int64  `json:"version"`
	SeqNo   uint64 `json:"seq_no"`
	Created bool   `json:"created,omitempty"`
	Found   bool   `json:"found,omitempty"`
	Noop    bool   `json:"noop,omitempty"`
}

func (h *handler) indexDoc(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	version, err := intParam(r, "version")
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}

	source, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDocumentSize))
	if err != nil {
		writeProblem(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}
	if !json.Valid(source) {
		writeProblem(w, http.StatusBadRequest, "document source must be valid JSON")
		return
	}

	res, err := h.shard.Index(r.Context(), &engine.IndexOp{
		ID:      id,
		Source:  source,
		Version: version,
		Origin:  engine.OriginPrimary,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, writeResponse{
		ID:      id,
		Version: res.Version,
		SeqNo:   res.Location.SeqNo,
		Created: res.Created,
		Noop:    res.Noop,
	})
}

type getResponse struct {
	ID      string          `json:"id"`
	Found   bool            `json:"found"`
	Version int64           `json:"version,omitempty"`
	Source  json.RawMessage `json:"source,omitempty"`
}

func (h *handler) getDoc(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	realtime, err := boolParam(r, "realtime", true)
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.shard.Get(r.Context(), engine.Get{ID: id, Realtime: realtime})
	if err != nil {
		writeError(w, err)
		return
	}
	if !res.Found {
		writeJSON(w, http.StatusNotFound, getResponse{ID: id})
		return
	}
	writeJSON(w, http.StatusOK, getResponse{
		ID:      id,
		Found:   true,
		Version: res.Doc.Version,
		Source:  json.RawMessage(res.Doc.Source),
	})
}

func (h *handler) deleteDoc(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	version, err := intParam(r, "version")
	if err != nil {
		writeProblem(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.shard.Delete(r.Context(), &engine.DeleteOp{
		ID:      id,
		Version: version,
		Origin:  engine.OriginPrimary,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if !res.Found {
		status = http.StatusNotFound
	}
	writeJSON(w, status, writeResponse{
		ID:      id,
		Version: res.Version,
		SeqNo:   res.Location.SeqNo,
		Found:   res.Found,
		Noop:    res.Noop,
	})
}

func boolParam(r *http.Request, name string, def bool) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s parameter %q", name, v)
	}
	return b, nil
}

func intParam(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return engine.MatchAny, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s parameter %q", name, v)
	}
	return n, nil
}
