package api

import (
	"net/http"

	json "github.com/goccy/go-json"
)

// Response is the envelope every JSON endpoint uses.
type Response[T any] struct {
	Data    T        `json:"data,omitempty"`
	Errors  []string `json:"errors,omitempty"`
	Message string   `json:"message,omitempty"`
}

// WriteJSON writes v with the given status. Encoding failures are ignored:
// the status line is already gone.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess wraps data in the envelope.
func WriteSuccess[T any](w http.ResponseWriter, status int, data T) {
	WriteJSON(w, status, Response[T]{Data: data})
}

// WriteError wraps one or more error strings in the envelope.
func WriteError(w http.ResponseWriter, status int, errs ...string) {
	WriteJSON(w, status, Response[struct{}]{
		Errors:  errs,
		Message: http.StatusText(status),
	})
}
