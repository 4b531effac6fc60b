package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name   string
		status int
		data   any
	}{
		{name: "map", status: http.StatusOK, data: map[string]string{"status": "ok"}},
		{name: "struct", status: http.StatusServiceUnavailable, data: struct{ Status string }{"down"}},
		{name: "slice", status: http.StatusOK, data: []int{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteJSON(w, tt.status, tt.data)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var result any
			assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
		})
	}
}

func TestWriteJSON_InvalidData(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, make(chan int))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusNotFound, "resource not found")

	assert.Equal(t, http.StatusNotFound, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "resource not found", body["error"])
}

func TestMethodGuard(t *testing.T) {
	handler := MethodGuard(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}, http.MethodGet, http.MethodHead)

	tests := []struct {
		method string
		want   int
	}{
		{http.MethodGet, http.StatusNoContent},
		{http.MethodHead, http.StatusNoContent},
		{http.MethodPost, http.StatusMethodNotAllowed},
		{http.MethodDelete, http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			w := httptest.NewRecorder()
			handler(w, httptest.NewRequest(tt.method, "/healthz", nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}
