package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lazypower/cogmem/internal/config"
	"github.com/lazypower/cogmem/internal/engine"
	"github.com/lazypower/cogmem/internal/memerr"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Vector.Dimensions = 64
	cfg.Storage.Dir = t.TempDir()
	e, err := engine.Open(cfg, nil, nil)
	if err != nil {
		t.Fatalf("engine.Open: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return New(e, "test-version", nil)
}

// do sends a request and decodes a JSON response body into out when non-nil.
func do(t *testing.T, srv *Server, method, path, body string, out any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode body %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w
}

func TestHealthEndpoint(t *testing.T) {
	srv := testServer(t)

	var body map[string]any
	w := do(t, srv, "GET", "/api/health", "", &body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
	if body["version"] != "test-version" {
		t.Errorf("version = %v, want test-version", body["version"])
	}
	if body["vectorReadOnly"] != false || body["graphReadOnly"] != false {
		t.Errorf("read-only flags = %v / %v", body["vectorReadOnly"], body["graphReadOnly"])
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{memerr.Validation("bad"), http.StatusBadRequest},
		{&memerr.QuerySyntaxError{Pos: 3, Msg: "x"}, http.StatusBadRequest},
		{&memerr.DimensionMismatchError{Want: 3, Got: 2}, http.StatusBadRequest},
		{memerr.NotFound("node", "x"), http.StatusNotFound},
		{&memerr.ConcurrencyConflictError{Resource: "lock"}, http.StatusConflict},
		{&memerr.CapacityError{Tier: "hot", Capacity: 1}, http.StatusConflict},
		{&memerr.StorageCorruptionError{Path: "p", Reason: "r"}, http.StatusServiceUnavailable},
		{fmt.Errorf("add: %w", memerr.ErrReadOnly), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestInvalidJSON(t *testing.T) {
	srv := testServer(t)
	for _, path := range []string{"/api/documents", "/api/search", "/api/graph/query", "/api/relationships"} {
		w := do(t, srv, "POST", path, "{not json", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("POST %s: status = %d, want 400", path, w.Code)
		}
	}
}
