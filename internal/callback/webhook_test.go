package callback

import (
	"context"
	"encoding/json"
	"errors"
	"jobflow/internal/apperrors"
	"jobflow/internal/job"
	"jobflow/pkg/circuitbreaker"
	"jobflow/pkg/cloudevent"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWebhook_Deliver(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var got job.State
	var runID, contentType, signature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		runID = r.Header.Get(RunIDHeader)
		contentType = r.Header.Get("Content-Type")
		signature = r.Header.Get(cloudevent.SignatureHeader)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	wh := NewWebhook(Config{Timeout: 5 * time.Second})
	state := job.State{Phase: job.PhaseSucceeded, RawStatus: map[string]any{"status": "succeeded"}, Output: map[string]any{"k": "v"}}

	if err := wh.Deliver(context.Background(), server.URL+"/cb", "run-7", state); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if runID != "run-7" {
		t.Errorf("expected run ID header, got %q", runID)
	}
	if contentType != "application/json" {
		t.Errorf("expected application/json, got %q", contentType)
	}
	if signature != "" {
		t.Errorf("expected unsigned delivery, got %q", signature)
	}
	if got.Phase != job.PhaseSucceeded {
		t.Errorf("expected SUCCEEDED body, got %+v", got)
	}
}

func TestWebhook_Signed(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var signature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		signature = r.Header.Get(cloudevent.SignatureHeader)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	wh := NewWebhook(Config{SigningKey: "k"})
	if err := wh.Deliver(context.Background(), server.URL, "run-1", job.State{Phase: job.PhaseFailed}); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(signature) != len("sha256=")+64 {
		t.Errorf("unexpected signature %q", signature)
	}
}

func TestWebhook_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		status     int
		wantStatus int
	}{
		{"server error", http.StatusInternalServerError, 500},
		{"client error", http.StatusNotFound, 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			err := NewWebhook(Config{}).Deliver(context.Background(), server.URL, "run-1", job.State{Phase: job.PhaseError})

			var appErr *apperrors.Error
			if !errors.As(err, &appErr) || !errors.Is(err, apperrors.ErrTransport) {
				t.Fatalf("expected transport error, got %v", err)
			}
			if appErr.StatusCode != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, appErr.StatusCode)
			}
		})
	}
}

func TestWebhook_BreakerOpensOnServerErrors(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	wh := NewWebhook(Config{Breaker: circuitbreaker.Config{Threshold: 2, Cooldown: time.Hour}})
	for range 2 {
		_ = wh.Deliver(context.Background(), server.URL, "run-1", job.State{Phase: job.PhaseError})
	}

	err := wh.Deliver(context.Background(), server.URL, "run-1", job.State{Phase: job.PhaseError})

	if !errors.Is(err, circuitbreaker.ErrOpen) {
		t.Errorf("expected open breaker, got %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected the open breaker to skip the request, got %d hits", hits.Load())
	}
	if wh.Stats().Open != 1 {
		t.Errorf("expected one open breaker, got %+v", wh.Stats())
	}
}

func TestWebhook_ClientErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	wh := NewWebhook(Config{Breaker: circuitbreaker.Config{Threshold: 1, Cooldown: time.Hour}})
	for range 3 {
		_ = wh.Deliver(context.Background(), server.URL, "run-1", job.State{Phase: job.PhaseError})
	}

	if wh.Stats().Open != 0 {
		t.Errorf("4xx responses should not open the breaker, got %+v", wh.Stats())
	}
}
