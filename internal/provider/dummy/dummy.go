// Package dummy integrates the reference REST job platform: jobs are
// submitted with POST {base}/submit and polled with GET {base}/status/{id}.
package dummy

import (
	"bytes"
	"context"
	"encoding/json"
	"jobflow/internal/apperrors"
	"jobflow/internal/job"
	"jobflow/internal/provider"
	"jobflow/internal/provider/httpjson"
	"net/http"
	"net/url"
	"time"
)

// Name is the platform name the provider registers under.
const Name = "dummy"

const (
	submitTimeout = 30 * time.Second
	statusTimeout = 15 * time.Second
)

var statusTable = job.StatusTable{
	"pending":   job.PhasePending,
	"running":   job.PhaseRunning,
	"succeeded": job.PhaseSucceeded,
	"failed":    job.PhaseFailed,
	"error":     job.PhaseError,
}

// Config for the dummy platform.
type Config struct {
	BaseURL string
	Token   string // bearer token, empty = unauthenticated
}

// Platform holds the REST client shared by the submit and status commands.
type Platform struct {
	client *httpjson.Client
}

// New creates the platform client.
func New(cfg Config) *Platform {
	return &Platform{client: httpjson.New(cfg.BaseURL, cfg.Token)}
}

// Provider returns the command bundle. Prepare and Callback use the defaults.
func (p *Platform) Provider() provider.Provider {
	return provider.Provider{
		Submit: job.SubmitFunc(p.Submit),
		Status: job.StatusFunc(p.Status),
	}
}

type submitResponse struct {
	JobID json.RawMessage `json:"job_id"`
}

// Submit posts the payload and returns the plan
// {"platform":"dummy","job_id":..,"aux":{"base":..}}.
func (p *Platform) Submit(ctx context.Context, payload job.Payload) (job.Plan, error) {
	var resp submitResponse
	if err := p.client.Do(ctx, "dummy.submit", http.MethodPost, "/submit", submitTimeout, payload, &resp); err != nil {
		return nil, err
	}

	jobID := idString(resp.JobID)
	if jobID == "" {
		return nil, apperrors.Integration("dummy.submit", "response did not include 'job_id'")
	}

	return job.Plan{
		"platform": Name,
		"job_id":   jobID,
		"aux":      map[string]any{"base": p.client.Base()},
	}, nil
}

// Status queries the job named by the plan. The raw response body is kept
// as the state's raw status.
func (p *Platform) Status(ctx context.Context, plan job.Plan) (job.State, error) {
	jobID := plan.String("job_id")
	if jobID == "" {
		return job.State{}, apperrors.Integration("dummy.status", "plan is missing 'job_id'")
	}

	var body map[string]any
	path := "/status/" + url.PathEscape(jobID)
	if err := p.client.Do(ctx, "dummy.status", http.MethodGet, path, statusTimeout, nil, &body); err != nil {
		return job.State{}, err
	}

	status, _ := body["status"].(string)
	message, _ := body["message"].(string)
	return statusTable.StateFor(status, message, body), nil
}

// idString accepts string and numeric job IDs. Numbers keep their literal
// digits so IDs above 2^53 are not rounded.
func idString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return ""
	}
	return n.String()
}
