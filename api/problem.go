package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/hupe1980/indexshard"
	"github.com/hupe1980/indexshard/engine"
)

// Problem is an RFC 7807 problem details body.
type Problem struct {
	Type   string `json:"type,omitempty"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// ContentTypeProblemJSON is the Content-Type of problem responses.
const ContentTypeProblemJSON = "application/problem+json"

func writeProblem(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", ContentTypeProblemJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&Problem{
		Type:   "about:blank",
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps shard and engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, indexshard.ErrShardClosed),
		errors.Is(err, engine.ErrEngineClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, indexshard.ErrIllegalState),
		errors.Is(err, engine.ErrVersionConflict),
		errors.Is(err, engine.ErrFlushInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeProblem(w, statusFor(err), err.Error())
}
