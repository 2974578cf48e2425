// Package httputil centralizes HTTP response envelopes so handlers stay thin.
package httputil

import (
	"encoding/json"
	"net/http"

	derrors "lumenrelay/pkg/domain-errors"
)

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError translates a domain error into a JSON error envelope.
func WriteError(w http.ResponseWriter, err error) {
	code := derrors.CodeOf(err)
	WriteJSON(w, derrors.ToHTTPStatus(code), map[string]string{
		"error": string(code),
	})
}

// WriteText writes a plain-text response. Slack renders the body of a 200
// slash-command response as an ephemeral message to the invoking user.
func WriteText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(text))
}
