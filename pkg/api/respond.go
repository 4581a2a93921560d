package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/agent"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/foodblock"
	"github.com/FoodXDevelopment/FoodBlock-sub002/pkg/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"response encoding failed"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps a pipeline, gate, or decode error onto the protocol status and
// writes the error envelope. Only unexpected errors reach the log at error
// level; client mistakes are the caller's problem.
func (s *Server) fail(w http.ResponseWriter, err error) {
	status := httpStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeError(w, status, msg)
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidSignature):
		return http.StatusForbidden
	case errors.Is(err, store.ErrUnresolvedDependency):
		return http.StatusConflict
	case errors.Is(err, store.ErrHashMismatch),
		errors.Is(err, store.ErrBadRequest),
		errors.Is(err, store.ErrUnsupportedVersion):
		return http.StatusBadRequest
	case errors.Is(err, agent.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, agent.ErrNotAgent),
		errors.Is(err, agent.ErrCapabilityDenied),
		errors.Is(err, agent.ErrAmountExceeded):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON reads a request body into v. Numbers decode as json.Number so
// state survives hashing and storage without float drift; an oversized body
// tripping the cap middleware reports 413 instead of a generic parse error.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds 1 MiB")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// readBody buffers a request body for handlers that need to decode it twice.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds 1 MiB")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return nil, false
	}
	return body, true
}

func unmarshalNumber(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// pathHash pulls and validates the {hash} path segment. A malformed hash is
// a bad request, not a miss.
func pathHash(w http.ResponseWriter, r *http.Request) (string, bool) {
	h := strings.ToLower(strings.TrimSpace(r.PathValue("hash")))
	if !foodblock.ValidHash(h) {
		writeError(w, http.StatusBadRequest, "invalid block hash")
		return "", false
	}
	return h, true
}

// queryInt reads an integer query parameter, clamped to [min, max]; absent or
// unparsable values fall back to def.
func queryInt(r *http.Request, name string, def, min, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
