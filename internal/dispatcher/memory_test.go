package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"jobflow/internal/testutil"
	"jobflow/pkg/cloudevent"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T, cfg MemoryConfig) *MemoryDispatcher {
	t.Helper()
	d := NewMemory(cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func runEvent(stage string) *cloudevent.CloudEvent {
	return cloudevent.New("jobflow.run."+stage, "jobflow", "run-1", map[string]any{"stage": stage})
}

func TestMemoryDispatcher_Dispatch(t *testing.T) {
	var received atomic.Int32
	var mu sync.Mutex
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Unlock()
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{BufferSize: 100, Workers: 2, HTTPTimeout: 5 * time.Second})

	if err := d.Dispatch(&Event{Payload: runEvent("submitted"), Destination: server.URL}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second))

	if received.Load() != 1 {
		t.Errorf("expected 1 delivery, got %d", received.Load())
	}

	mu.Lock()
	defer mu.Unlock()
	if body["type"] != "jobflow.run.submitted" {
		t.Errorf("unexpected event type %v", body["type"])
	}
	data, _ := body["data"].(map[string]any)
	if data["stage"] != "submitted" {
		t.Errorf("expected data to be carried through, got %v", body["data"])
	}
}

func TestMemoryDispatcher_BufferFull(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	defer close(release)

	d := newTestDispatcher(t, MemoryConfig{BufferSize: 2, Workers: 1, HTTPTimeout: 5 * time.Second})

	var dropped int
	for range 6 {
		if err := d.Dispatch(&Event{Payload: runEvent("polling"), Destination: server.URL}); err == ErrBufferFull {
			dropped++
		}
	}

	if dropped == 0 {
		t.Error("expected some events to be dropped")
	}
	if d.Stats().Dropped != int64(dropped) {
		t.Errorf("expected stats to count %d drops, got %d", dropped, d.Stats().Dropped)
	}
}

func TestMemoryDispatcher_RetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{BufferSize: 100, Workers: 1, HTTPTimeout: 5 * time.Second})
	_ = d.Dispatch(&Event{Payload: runEvent("done"), Destination: server.URL})

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second))

	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
	if d.Stats().RetriesTotal != 2 {
		t.Errorf("expected 2 retries, got %d", d.Stats().RetriesTotal)
	}
}

func TestMemoryDispatcher_NoRetryOn4xx(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{BufferSize: 100, Workers: 1, HTTPTimeout: 5 * time.Second})
	_ = d.Dispatch(&Event{Payload: runEvent("done"), Destination: server.URL})

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Failed >= 1
	}, testutil.WithTimeout(5*time.Second))

	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestMemoryDispatcher_OpenBreakerDefers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{
		BufferSize:       100,
		Workers:          1,
		HTTPTimeout:      5 * time.Second,
		BreakerThreshold: 2,
		BreakerCooldown:  200 * time.Millisecond,
		MaxDeferrals:     1,
	})

	for range 4 {
		_ = d.Dispatch(&Event{Key: "run-1", Payload: runEvent("polling"), Destination: server.URL})
	}

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Deferred > 0
	}, testutil.WithTimeout(20*time.Second))

	if failed := d.Stats().Failed; failed < 2 {
		t.Errorf("expected the breaker to open after 2 failures, got %d", failed)
	}
}

func TestMemoryDispatcher_CloseDropsDeferredEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{
		BufferSize:       10,
		Workers:          1,
		HTTPTimeout:      5 * time.Second,
		BreakerThreshold: 1,
		BreakerCooldown:  time.Hour,
	}, nil)

	_ = d.Dispatch(&Event{Key: "run-1", Payload: runEvent("submitted"), Destination: server.URL})
	_ = d.Dispatch(&Event{Key: "run-1", Payload: runEvent("polling"), Destination: server.URL})

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Deferred == 1
	}, testutil.WithTimeout(10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("Close should not wait out an open circuit: %v", err)
	}

	stats := d.Stats()
	if stats.Failed != 1 || stats.Dropped != 1 {
		t.Errorf("expected 1 failed and 1 dropped event, got %+v", stats)
	}
}

func TestMemoryDispatcher_PreservesOrderPerKey(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]float64)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Subject string `json:"subject"`
			Data    struct {
				Seq float64 `json:"seq"`
			} `json:"data"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		seen[body.Subject] = append(seen[body.Subject], body.Data.Seq)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{BufferSize: 1000, Workers: 4, HTTPTimeout: 5 * time.Second})

	const runs, perRun = 6, 20
	for seq := range perRun {
		for r := range runs {
			runID := fmt.Sprintf("run-%d", r)
			ev := cloudevent.New("jobflow.run.polling", "jobflow", runID, map[string]any{"seq": seq})
			if err := d.Dispatch(&Event{Key: runID, Payload: ev, Destination: server.URL}); err != nil {
				t.Fatalf("Dispatch failed: %v", err)
			}
		}
	}

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered == runs*perRun
	}, testutil.WithTimeout(10*time.Second))

	mu.Lock()
	defer mu.Unlock()
	for runID, seqs := range seen {
		for i, seq := range seqs {
			if seq != float64(i) {
				t.Fatalf("%s: events delivered out of order: %v", runID, seqs)
			}
		}
	}
}

func TestMemoryDispatcher_Signature(t *testing.T) {
	var mu sync.Mutex
	var signature string
	var payload []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		signature = r.Header.Get(cloudevent.SignatureHeader)
		payload, _ = io.ReadAll(r.Body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := newTestDispatcher(t, MemoryConfig{BufferSize: 100, Workers: 1, HTTPTimeout: 5 * time.Second})
	_ = d.Dispatch(&Event{Payload: runEvent("done"), Destination: server.URL, SigningKey: "secret-key"})

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second))

	mu.Lock()
	defer mu.Unlock()
	if signature == "" || signature != cloudevent.Sign(payload, "secret-key") {
		t.Errorf("unexpected signature %q", signature)
	}
}

func TestMemoryDispatcher_GracefulShutdownDrains(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{BufferSize: 100, Workers: 2, HTTPTimeout: 5 * time.Second}, nil)
	for range 10 {
		_ = d.Dispatch(&Event{Payload: runEvent("polling"), Destination: server.URL})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if received.Load() != 10 {
		t.Errorf("expected 10 deliveries, got %d", received.Load())
	}
	if err := d.Dispatch(&Event{Payload: runEvent("done"), Destination: server.URL}); err != ErrClosed {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}
