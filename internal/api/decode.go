package api

import (
	"encoding/json"
	"errors"
	"net/http"
)

// decodeJSON decodes the body into dst and writes the error response itself
// when it cannot.
func (a *App) decodeJSON(w http.ResponseWriter, r *http.Request, dst any, invalidMsg string) bool {
	if invalidMsg == "" {
		invalidMsg = "invalid json"
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			a.metrics.IncRequestError("body_too_large")
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"})
			return false
		}
		a.metrics.IncRequestError("decode")
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": invalidMsg})
		return false
	}
	return true
}
