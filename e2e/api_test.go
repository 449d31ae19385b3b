//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"jobflow/internal/api"
	"jobflow/internal/callback"
	"jobflow/internal/config"
	"jobflow/internal/dispatcher"
	"jobflow/internal/health"
	"jobflow/internal/job"
	"jobflow/internal/provider/builtin"
	"jobflow/internal/run"
	"jobflow/internal/testutil"
	"jobflow/internal/workflow"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// getTestURL returns the base URL for e2e tests.
// If E2E_API_URL is set, tests run against that instance.
// Otherwise, a test server is created with the docker platform enabled.
func getTestURL(tb testing.TB, eventsURL string) (string, func()) {
	if url := os.Getenv("E2E_API_URL"); url != "" {
		tb.Logf("Using external API: %s", url)
		return url, func() {}
	}

	server, cleanup := createTestServer(tb, eventsURL)
	return server.URL, cleanup
}

func createTestServer(tb testing.TB, eventsURL string) (*httptest.Server, func()) {
	platforms, err := builtin.Load(&config.ProvidersConfig{
		Docker: config.DockerConfig{Enabled: true},
	})
	if err != nil {
		tb.Fatalf("Failed to load docker platform: %v", err)
	}

	store := run.NewMemoryStore()
	observers := []workflow.Observer{run.NewStoreObserver(store)}

	eventDispatcher := dispatcher.NewMemory(dispatcher.MemoryConfig{
		BufferSize: 100,
		Workers:    2,
	}, nil)
	if eventsURL != "" {
		observers = append(observers, run.NewEventPublisher(eventDispatcher, run.EventsConfig{Destination: eventsURL}))
	}

	wf := workflow.New(workflow.Config{
		Resolver:  platforms.Registry,
		Deliverer: callback.NewWebhook(callback.Config{Timeout: 10 * time.Second}),
		Observers: observers,
	})
	svc := run.NewService(wf, store)

	router := api.NewRouter(api.RouterConfig{
		RunService: svc,
		Platforms:  platforms.Registry,
		HealthChecker: health.NewChecker(
			health.Check{Name: "store", Checker: svc},
			health.Check{Name: "platforms", Checker: platforms},
		),
	})

	server := httptest.NewServer(router)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = svc.Close(ctx)
		// Drain dispatcher before closing server so pending events can be delivered
		_ = eventDispatcher.Close(ctx)
		platforms.Close()
		server.Close()
	}

	return server, cleanup
}

func startRun(t *testing.T, baseURL string, body map[string]any) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(baseURL+"/v1/orchestrators/docker", "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Start run failed: %v", err)
	}
	return resp
}

// waitForStage polls the run until it reaches one of the given stages.
func waitForStage(t *testing.T, baseURL, runID string, stages ...workflow.Stage) run.Record {
	t.Helper()
	return testutil.MustEventually(t, func() (run.Record, bool) {
		var record run.Record
		resp, err := http.Get(baseURL + "/v1/runs/" + runID)
		if err != nil {
			return record, false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&record) != nil {
			return record, false
		}
		return record, slices.Contains(stages, record.Stage)
	}, testutil.WithTimeout(60*time.Second), testutil.WithInterval(time.Second))
}

func TestAPI_Readyz(t *testing.T) {
	baseURL, cleanup := getTestURL(t, "")
	defer cleanup()

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var result health.Response
	json.NewDecoder(resp.Body).Decode(&result)

	if result.Status != health.StatusHealthy {
		t.Errorf("Expected healthy status, got %s", result.Status)
	}
}

func TestAPI_Livez(t *testing.T) {
	baseURL, cleanup := getTestURL(t, "")
	defer cleanup()

	resp, err := http.Get(baseURL + "/livez")
	if err != nil {
		t.Fatalf("Liveness check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestAPI_StartAndGetRun(t *testing.T) {
	baseURL, cleanup := getTestURL(t, "")
	defer cleanup()

	runID := fmt.Sprintf("e2e-test-%d", time.Now().UnixNano())

	resp := startRun(t, baseURL, map[string]any{
		"run_id": runID,
		"payload": map[string]any{
			"image":   "alpine:latest",
			"command": "echo 'hello' && sleep 2",
			"cpu":     1,
			"memory":  128,
		},
		"poll_s":    1,
		"timeout_s": 60,
	})
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", resp.StatusCode)
	}

	var startResp api.StartResponse
	json.NewDecoder(resp.Body).Decode(&startResp)

	if startResp.ID != runID {
		t.Errorf("Expected run ID %s, got %s", runID, startResp.ID)
	}
	if resp.Header.Get("Location") != "/v1/runs/"+runID {
		t.Errorf("Unexpected Location header %q", resp.Header.Get("Location"))
	}

	record := waitForStage(t, baseURL, runID, workflow.StageDone, workflow.StageAborted)

	if record.Stage != workflow.StageDone {
		t.Fatalf("Expected run to finish, got %s (%s)", record.Stage, record.Error)
	}
	if record.State == nil || record.State.Phase != job.PhaseSucceeded {
		t.Errorf("Expected SUCCEEDED state, got %+v", record.State)
	}
	if record.Plan.String("container_id") == "" {
		t.Errorf("Expected a container ID in the plan, got %v", record.Plan)
	}
}

func TestAPI_FailingContainer(t *testing.T) {
	baseURL, cleanup := getTestURL(t, "")
	defer cleanup()

	runID := fmt.Sprintf("e2e-fail-%d", time.Now().UnixNano())

	resp := startRun(t, baseURL, map[string]any{
		"run_id":  runID,
		"payload": map[string]any{"image": "alpine:latest", "command": "exit 3"},
		"poll_s":  1,
	})
	resp.Body.Close()

	record := waitForStage(t, baseURL, runID, workflow.StageDone, workflow.StageAborted)

	if record.State == nil || record.State.Phase != job.PhaseFailed {
		t.Fatalf("Expected FAILED state, got %+v", record.State)
	}
	if record.State.Message != "Container exited with code 3" {
		t.Errorf("Unexpected message %q", record.State.Message)
	}
}

func TestAPI_RunTimeout(t *testing.T) {
	baseURL, cleanup := getTestURL(t, "")
	defer cleanup()

	runID := fmt.Sprintf("e2e-timeout-%d", time.Now().UnixNano())

	resp := startRun(t, baseURL, map[string]any{
		"run_id":    runID,
		"payload":   map[string]any{"image": "alpine:latest", "command": "sleep 300"},
		"poll_s":    1,
		"timeout_s": 3,
	})
	resp.Body.Close()

	record := waitForStage(t, baseURL, runID, workflow.StageDone, workflow.StageAborted)

	if record.State == nil || record.State.Phase != job.PhaseTimeout {
		t.Errorf("Expected TIMEOUT state, got %+v", record.State)
	}
}

func TestAPI_RunWithCallbackAndEvents(t *testing.T) {
	var callbackCount atomic.Int64
	var eventCount atomic.Int64
	var mu sync.Mutex
	var delivered job.State
	receivedEvents := make([]string, 0)

	callbackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		json.NewDecoder(r.Body).Decode(&delivered)
		mu.Unlock()
		callbackCount.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer callbackServer.Close()

	eventServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event map[string]any
		json.NewDecoder(r.Body).Decode(&event)

		if eventType, ok := event["type"].(string); ok {
			mu.Lock()
			receivedEvents = append(receivedEvents, eventType)
			t.Logf("Received lifecycle event: %s", eventType)
			mu.Unlock()
			eventCount.Add(1)
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer eventServer.Close()

	baseURL, apiCleanup := getTestURL(t, eventServer.URL)
	defer apiCleanup()

	runID := fmt.Sprintf("e2e-callback-%d", time.Now().UnixNano())

	resp := startRun(t, baseURL, map[string]any{
		"run_id":       runID,
		"payload":      map[string]any{"image": "alpine:latest", "command": "echo 'callback test'"},
		"callback_url": callbackServer.URL,
		"poll_s":       1,
	})
	resp.Body.Close()

	testutil.MustWaitForCount(t, &callbackCount, 1, testutil.WithTimeout(60*time.Second))

	mu.Lock()
	if delivered.Phase != job.PhaseSucceeded {
		t.Errorf("Expected delivered SUCCEEDED state, got %+v", delivered)
	}
	mu.Unlock()

	// started, prepared, submitted, polling, succeeded, called_back, done
	testutil.MustWaitForCount(t, &eventCount, 7, testutil.WithTimeout(30*time.Second))

	mu.Lock()
	events := make([]string, len(receivedEvents))
	copy(events, receivedEvents)
	mu.Unlock()

	t.Logf("Received %d lifecycle events: %v", len(events), events)

	var sawDone bool
	for _, e := range events {
		if e == run.EventType(workflow.StageDone) {
			sawDone = true
		}
	}
	if !sawDone {
		t.Errorf("Expected a %s event, got %v", run.EventType(workflow.StageDone), events)
	}
}

func TestAPI_MissingImageAborts(t *testing.T) {
	baseURL, cleanup := getTestURL(t, "")
	defer cleanup()

	runID := fmt.Sprintf("e2e-abort-%d", time.Now().UnixNano())

	resp := startRun(t, baseURL, map[string]any{
		"run_id":  runID,
		"payload": map[string]any{"command": "echo hello"},
	})
	resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", resp.StatusCode)
	}

	record := waitForStage(t, baseURL, runID, workflow.StageDone, workflow.StageAborted)

	if record.Stage != workflow.StageAborted || record.Error == "" {
		t.Errorf("Expected an aborted run with an error, got %s (%q)", record.Stage, record.Error)
	}
}

func TestAPI_InvalidRunRequest(t *testing.T) {
	baseURL, cleanup := getTestURL(t, "")
	defer cleanup()

	tests := []struct {
		name   string
		path   string
		body   map[string]any
		status int
	}{
		{"missing payload", "/v1/orchestrators/docker", map[string]any{"poll_s": 1}, http.StatusBadRequest},
		{"unknown field", "/v1/orchestrators/docker", map[string]any{"payload": map[string]any{}, "image": "alpine"}, http.StatusBadRequest},
		{"timeout too long", "/v1/orchestrators/docker", map[string]any{"payload": map[string]any{}, "timeout_s": 90000}, http.StatusBadRequest},
		{"unknown platform", "/v1/orchestrators/nope", map[string]any{"payload": map[string]any{}}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, _ := json.Marshal(tt.body)
			resp, err := http.Post(baseURL+tt.path, "application/json", bytes.NewReader(data))
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestAPI_ConcurrentRuns(t *testing.T) {
	baseURL, cleanup := getTestURL(t, "")
	defer cleanup()

	numRuns := 3
	var wg sync.WaitGroup
	errors := make(chan error, numRuns)
	ids := make([]string, numRuns)

	for i := range numRuns {
		ids[i] = fmt.Sprintf("e2e-concurrent-%d-%d", time.Now().UnixNano(), i)
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			data, _ := json.Marshal(map[string]any{
				"run_id":  ids[idx],
				"payload": map[string]any{"image": "alpine:latest", "command": fmt.Sprintf("echo 'run %d' && sleep 2", idx)},
				"poll_s":  1,
			})

			resp, err := http.Post(baseURL+"/v1/orchestrators/docker", "application/json", bytes.NewReader(data))
			if err != nil {
				errors <- fmt.Errorf("run %d: start failed: %w", idx, err)
				return
			}
			resp.Body.Close()

			if resp.StatusCode != http.StatusAccepted {
				errors <- fmt.Errorf("run %d: expected 202, got %d", idx, resp.StatusCode)
				return
			}
		}(i)
	}

	wg.Wait()
	close(errors)

	for err := range errors {
		t.Error(err)
	}

	for _, id := range ids {
		record := waitForStage(t, baseURL, id, workflow.StageDone, workflow.StageAborted)
		if record.Stage != workflow.StageDone {
			t.Errorf("run %s: expected DONE, got %s", id, record.Stage)
		}
	}
}
