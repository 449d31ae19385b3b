package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// newDummyPlatform serves a dummy platform whose job reports the given
// statuses in order, repeating the last one.
func newDummyPlatform(t *testing.T, statuses ...string) string {
	t.Helper()
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("POST /submit", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"job_id":"job-1"}`))
	})
	mux.HandleFunc("GET /status/job-1", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		status := statuses[0]
		if len(statuses) > 1 {
			statuses = statuses[1:]
		}
		_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	path := filepath.Join(t.TempDir(), "providers.yaml")
	if err := os.WriteFile(path, []byte("dummy:\n  base_url: "+server.URL+"\n"), 0o600); err != nil {
		t.Fatalf("write providers file: %v", err)
	}
	return path
}

func TestRunSubmit_Succeeded(t *testing.T) {
	t.Parallel()
	opts := submitOptions{
		platform:      "dummy",
		payload:       `{"task":"train"}`,
		runID:         "run-1",
		poll:          10 * time.Millisecond,
		timeout:       5 * time.Second,
		providersFile: newDummyPlatform(t, "running", "succeeded"),
	}

	var out bytes.Buffer
	if err := runSubmit(context.Background(), opts, nil, &out); err != nil {
		t.Fatalf("runSubmit failed: %v", err)
	}

	var result submitResult
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out.String())
	}
	if result.RunID != "run-1" || result.Stage != "DONE" {
		t.Errorf("unexpected result %+v", result)
	}
	if result.State == nil || result.State.Phase != "SUCCEEDED" {
		t.Errorf("expected SUCCEEDED state, got %+v", result.State)
	}
	if result.Plan.String("job_id") != "job-1" {
		t.Errorf("unexpected plan %v", result.Plan)
	}
}

func TestRunSubmit_FailedPhase(t *testing.T) {
	t.Parallel()
	opts := submitOptions{
		platform:      "dummy",
		poll:          10 * time.Millisecond,
		timeout:       5 * time.Second,
		providersFile: newDummyPlatform(t, "failed"),
	}

	var out bytes.Buffer
	err := runSubmit(context.Background(), opts, nil, &out)

	if err == nil || !strings.Contains(err.Error(), "FAILED") {
		t.Fatalf("expected failed-phase error, got %v", err)
	}
	if !strings.Contains(out.String(), `"phase": "FAILED"`) {
		t.Errorf("expected the result to be printed, got %s", out.String())
	}
}

func TestRunSubmit_UnknownPlatform(t *testing.T) {
	t.Parallel()
	opts := submitOptions{
		platform:      "nope",
		poll:          time.Second,
		timeout:       time.Minute,
		providersFile: newDummyPlatform(t, "running"),
	}

	var out bytes.Buffer
	err := runSubmit(context.Background(), opts, nil, &out)

	if err == nil {
		t.Fatal("expected an error for an unknown platform")
	}
	if out.Len() != 0 {
		t.Errorf("expected no output, got %s", out.String())
	}
}

func TestReadPayload(t *testing.T) {
	t.Parallel()
	file := filepath.Join(t.TempDir(), "payload.json")
	if err := os.WriteFile(file, []byte(`{"model":"m1"}`), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	tests := []struct {
		name    string
		opts    submitOptions
		want    string
		wantErr bool
	}{
		{"inline", submitOptions{payload: `{"model":"m2"}`}, "m2", false},
		{"file", submitOptions{payloadFile: file}, "m1", false},
		{"empty", submitOptions{}, "", false},
		{"not an object", submitOptions{payload: `[1,2]`}, "", true},
		{"null", submitOptions{payload: `null`}, "", true},
		{"missing file", submitOptions{payloadFile: file + ".missing"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			payload, err := readPayload(tt.opts)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got payload %v", payload)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if payload.String("model") != tt.want {
				t.Errorf("expected model %q, got %v", tt.want, payload)
			}
		})
	}
}
