package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/technosupport/ts-cloudcam/internal/auth"
	"github.com/technosupport/ts-cloudcam/internal/gwerr"
)

// errorBody is the stable error envelope every failed request gets.
type errorBody struct {
	Code           string `json:"code"`
	Detail         string `json:"detail"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("API: response encode failed: %v", err)
	}
}

// writeError maps internal failures to stable external codes. Auth manager
// sentinels get their own treatment; everything else goes through the kind
// taxonomy.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrNotAuthenticated):
		writeJSON(w, http.StatusUnauthorized, map[string]errorBody{
			"error": {Code: string(gwerr.KindAuthExpired), Detail: "not authenticated"},
		})
		return
	case errors.Is(err, auth.ErrNoPendingLogin), errors.Is(err, auth.ErrLoginInProgress):
		writeJSON(w, http.StatusConflict, map[string]errorBody{
			"error": {Code: "LOGIN_STATE", Detail: err.Error()},
		})
		return
	}

	kind := gwerr.KindOf(err)
	body := errorBody{Code: string(kind), Detail: err.Error()}
	if s := gwerr.UpstreamStatus(err); s != 0 {
		body.UpstreamStatus = s
	}
	writeJSON(w, gwerr.HTTPStatus(kind), map[string]errorBody{"error": body})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}
