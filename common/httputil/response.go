// Package httputil holds small helpers shared by the HTTP surfaces of the services.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/webtrail/webtrail-stack/common/logging"
)

// WriteJSON writes data as a JSON body with the given status code.
// Encoding failures are logged; the status has already been sent by then.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Default().Error("failed to encode JSON response", logging.Error(err))
	}
}

// WriteError writes {"error": message} with the given status code.
func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

// MethodGuard rejects requests whose method is not one of methods with 405.
func MethodGuard(next http.HandlerFunc, methods ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, m := range methods {
			if r.Method == m {
				next(w, r)
				return
			}
		}
		WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
