package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"boorukeep/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a taxonomy error to its HTTP status unless
// status is explicitly given.
func writeError(w http.ResponseWriter, err error, status int) {
	if status == 0 {
		status = apperr.HTTPStatus(apperr.CodeOf(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	var v int
	if _, err := fmt.Sscan(raw, &v); err != nil {
		return def
	}
	return v
}

func queryBool(r *http.Request, key string) bool {
	return r.URL.Query().Get(key) == "true" || r.URL.Query().Get(key) == "1"
}

func queryFloat(r *http.Request, key string, def float64) float64 {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	var v float64
	if _, err := fmt.Sscan(raw, &v); err != nil {
		return def
	}
	return v
}
