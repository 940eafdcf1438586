package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/teranos/relay/errors"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErrorFor maps err onto a status code. Hints travel along so HTTP
// clients see the same advice as the CLI.
func writeErrorFor(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFoundError(err):
		status = http.StatusNotFound
	case errors.IsConflictError(err):
		status = http.StatusConflict
	case errors.IsInvalidRequestError(err):
		status = http.StatusBadRequest
	case errors.Is(err, errors.ErrServiceUnavailable):
		status = http.StatusServiceUnavailable
	}

	body := map[string]string{"error": err.Error()}
	if hint := errors.FlattenHints(err); hint != "" {
		body["hint"] = hint
	}
	writeJSON(w, status, body)
}

// readJSON decodes an optional JSON body. An empty body leaves v untouched.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// queryInt reads a positive integer query parameter, falling back to def
// and capping at max
func queryInt(r *http.Request, name string, def, max int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v <= 0 {
		return def
	}
	if v > max {
		return max
	}
	return v
}
