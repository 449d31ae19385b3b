package httpjson

import (
	"context"
	"encoding/json"
	"errors"
	"jobflow/internal/apperrors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClient_Do(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var in map[string]any
		_ = json.NewDecoder(r.Body).Decode(&in)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"path": r.URL.Path, "echo": in["task"]})
	}))
	defer server.Close()

	c := New(server.URL+"/", "tok")
	var out struct {
		Path string `json:"path"`
		Echo string `json:"echo"`
	}
	if err := c.Do(context.Background(), "test", http.MethodPost, "/submit", time.Second, map[string]any{"task": "x"}, &out); err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	if out.Path != "/submit" || out.Echo != "x" {
		t.Errorf("unexpected response %+v", out)
	}
	if c.Base() != server.URL {
		t.Errorf("expected trailing slash trimmed, got %q", c.Base())
	}
}

func TestClient_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
	}{
		{
			name: "non-2xx",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"error_code":"TEMPORARILY_UNAVAILABLE"}`))
			},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name: "invalid JSON",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("<html>oops</html>"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			var out map[string]any
			err := New(server.URL, "").Do(context.Background(), "test", http.MethodGet, "/", time.Second, nil, &out)

			if !errors.Is(err, apperrors.ErrTransport) {
				t.Fatalf("expected transport error, got %v", err)
			}
			if StatusCode(err) != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, StatusCode(err))
			}
		})
	}
}

func TestClient_StatusErrorKeepsBody(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error_code":"RESOURCE_DOES_NOT_EXIST"}`))
	}))
	defer server.Close()

	err := New(server.URL, "").Do(context.Background(), "test", http.MethodGet, "/", time.Second, nil, nil)

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected *StatusError, got %v", err)
	}
	if string(se.Body) != `{"error_code":"RESOURCE_DOES_NOT_EXIST"}` {
		t.Errorf("unexpected body %q", se.Body)
	}
}

func TestClient_Unreachable(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	err := New(url, "").Do(context.Background(), "test", http.MethodGet, "/", time.Second, nil, nil)

	if !errors.Is(err, apperrors.ErrTransport) || !apperrors.Retryable(err) {
		t.Errorf("expected retryable transport error, got %v", err)
	}
}
