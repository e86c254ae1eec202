// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/voxsub/voxsub/internal/model"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code"`
	Timestamp  string `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{
		Error:      msg,
		StatusCode: code,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	})
}

// writeDomainError maps a typed domain error onto its HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	writeAPIError(w, kind.HTTPStatus(), err.Error())
}

// writeRateLimited includes the Retry-After hint when the window is known.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds()+0.5)))
	}
	writeAPIError(w, http.StatusTooManyRequests, "rate limit exceeded")
}
